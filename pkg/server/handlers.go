package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/executor"
	"monoklix/relay/pkg/identity"
	"monoklix/relay/pkg/routing"
	"monoklix/relay/pkg/session"
)

// loginRequest is the identity handed over by the upstream auth layer.
type loginRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	Tier     string `json:"tier"`
}

// loginResponse reports the selected server and whether a credential scan
// started.
type loginResponse struct {
	ServerURL         string `json:"server_url"`
	Strategy          string `json:"strategy"`
	Fallback          bool   `json:"fallback"`
	AssignmentStarted bool   `json:"assignment_started"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "id and username are required")
		return
	}

	user := identity.User{
		ID:       req.ID,
		Username: req.Username,
		Role:     identity.Role(req.Role),
		Status:   identity.Status(req.Status),
		Tier:     identity.Tier(req.Tier),
	}

	result, err := s.relay.Login(r.Context(), user)
	if err != nil {
		if errors.Is(err, routing.ErrNoEligibleServers) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		ServerURL:         result.Selection.Server.URL,
		Strategy:          string(result.Selection.Strategy),
		Fallback:          result.Selection.IsFallback,
		AssignmentStarted: result.AssignmentStarted,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.relay.Logout(r.Context(), userID); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusNotFound, "no open session")
			return
		}
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// changeServerRequest selects an explicit server for the session.
type changeServerRequest struct {
	UserID    string `json:"user_id"`
	ServerURL string `json:"server_url"`
}

func (s *Server) handleChangeServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req changeServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ServerURL == "" {
		writeError(w, http.StatusBadRequest, "user_id and server_url are required")
		return
	}

	sel, err := s.relay.ChangeServer(r.Context(), req.UserID, req.ServerURL)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoSession):
			writeError(w, http.StatusNotFound, "no open session")
		case errors.Is(err, routing.ErrServerNotEligible):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to change server")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"server_url": sel.Server.URL,
		"strategy":   string(sel.Strategy),
	})
}

// generateRequest is a generation call on behalf of a logged-in user. The
// payload passes through to the downstream service untouched.
type generateRequest struct {
	UserID    string         `json:"user_id"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleGenerate(svc executor.Service, defaultOperation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		operation := req.Operation
		if operation == "" {
			operation = defaultOperation
		}

		resp, err := s.relay.Generate(r.Context(), req.UserID, svc, operation, req.Payload)
		if err != nil {
			writeGenerateError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"data":       json.RawMessage(resp.Data),
			"credential": "..." + resp.Credential.Suffix(),
		})
	}
}

// writeGenerateError maps executor errors onto HTTP statuses. Remote
// application errors pass the server-provided message through.
func writeGenerateError(w http.ResponseWriter, err error) {
	var remote *executor.RemoteError
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, "no open session")
	case errors.Is(err, executor.ErrNoServerSelected):
		writeError(w, http.StatusConflict, "no server selected")
	case errors.Is(err, executor.ErrNoCredential):
		writeError(w, http.StatusConflict, "no credential available yet")
	case errors.As(err, &remote):
		writeError(w, http.StatusBadGateway, remote.Message)
	case errors.Is(err, executor.ErrNetworkFailure):
		writeError(w, http.StatusBadGateway, "generation service unreachable")
	default:
		writeError(w, http.StatusInternalServerError, "generation failed")
	}
}

// sessionResponse is the session introspection view.
type sessionResponse struct {
	UserID          string              `json:"user_id"`
	Username        string              `json:"username"`
	Role            string              `json:"role"`
	StartedAt       time.Time           `json:"started_at"`
	ServerURL       string              `json:"server_url,omitempty"`
	Credential      string              `json:"credential,omitempty"`
	AssignmentState string              `json:"assignment_state,omitempty"`
	Progress        *assignmentProgress `json:"progress,omitempty"`
	LastStatus      string              `json:"last_status,omitempty"`
}

type assignmentProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	st, err := s.relay.Status(userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no open session")
		return
	}

	resp := sessionResponse{
		UserID:          st.User.ID,
		Username:        st.User.Username,
		Role:            string(st.User.Role),
		StartedAt:       st.StartedAt,
		ServerURL:       st.ServerURL,
		Credential:      st.CredentialHint,
		AssignmentState: string(st.AssignmentState),
		LastStatus:      st.LastStatus,
	}
	if st.AssignmentState == credential.StateScanning || st.AssignmentState == credential.StateAssigning {
		resp.Progress = &assignmentProgress{Current: st.Progress.Current, Total: st.Progress.Total}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
