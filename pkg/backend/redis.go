package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"monoklix/relay/pkg/config"
)

// Key layout. Everything the relay stores in Redis lives under "relay:".
const (
	keyUsage             = "relay:usage"              // hash: server URL -> active-user count
	keyUserServers       = "relay:user_servers"       // hash: user ID -> server URL
	keyCredentialPool    = "relay:credentials"        // hash: token -> provisioned-at (RFC 3339)
	keyCredentialHolders = "relay:credential_holders" // hash: token -> holder user ID
	keyCredentialUses    = "relay:credential_uses"    // hash: token -> commit count
	keyUserCredentials   = "relay:user_credentials"   // hash: user ID -> token
	keySlotPrefix        = "relay:slot:"              // string with TTL: one per server
	keyPresencePrefix    = "relay:presence:"          // string with TTL: one per user
	logoutChannelPrefix  = "relay:logout:"            // pub/sub: one channel per user
)

// presenceTTL is how long a liveness record outlives the last heartbeat.
// Three missed 30-second heartbeats mark the user gone.
const presenceTTL = 90 * time.Second

// setUserServerScript moves a user between servers while keeping the usage
// hash consistent. An empty new server clears the record. Counts never go
// negative; a drained count is deleted so UsageCounts stays small.
var setUserServerScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if old == ARGV[2] then
  return 0
end
if old then
  local n = redis.call('HINCRBY', KEYS[2], old, -1)
  if n <= 0 then
    redis.call('HDEL', KEYS[2], old)
  end
end
if ARGV[2] == '' then
  redis.call('HDEL', KEYS[1], ARGV[1])
else
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
return 1
`)

// commitCredentialScript binds a credential to a user. It fails with
// "schema_missing" when the registry was never provisioned, and with
// "conflict" when another user already holds the token. A credential the
// user held before the commit is released in the same script, so a user
// never pins more than one pool entry.
var commitCredentialScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'schema_missing'
end
local holder = redis.call('HGET', KEYS[2], ARGV[2])
if holder and holder ~= ARGV[1] then
  return 'conflict'
end
local old = redis.call('HGET', KEYS[4], ARGV[1])
if old and old ~= ARGV[2] then
  local oldHolder = redis.call('HGET', KEYS[2], old)
  if oldHolder == ARGV[1] then
    redis.call('HDEL', KEYS[2], old)
  end
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
return 'committed'
`)

// clearCredentialScript releases the user's personal credential. The holder
// entry is removed only if this user still holds it.
var clearCredentialScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[1], ARGV[1])
if token then
  local holder = redis.call('HGET', KEYS[2], token)
  if holder == ARGV[1] then
    redis.call('HDEL', KEYS[2], token)
  end
  redis.call('HDEL', KEYS[1], ARGV[1])
end
return 1
`)

// RedisBackend implements Backend on a shared Redis instance. All mutating
// operations that span multiple keys run as Lua scripts so they stay atomic
// under concurrent relay processes.
type RedisBackend struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBackend creates a Redis-backed coordination backend.
func NewRedisBackend(cfg config.BackendConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	return &RedisBackend{
		client: client,
		logger: slog.Default().With("component", "backend.redis"),
	}
}

// Ping verifies the backend connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// UsageCounts returns the active-user count for every server with at least
// one user.
func (b *RedisBackend) UsageCounts(ctx context.Context) (map[string]int, error) {
	raw, err := b.client.HGetAll(ctx, keyUsage).Result()
	if err != nil {
		return nil, fmt.Errorf("usage counts: %w", err)
	}

	counts := make(map[string]int, len(raw))
	for server, val := range raw {
		n, err := strconv.Atoi(val)
		if err != nil {
			b.logger.Warn("malformed usage count, skipping", "server", server, "value", val)
			continue
		}
		counts[server] = n
	}
	return counts, nil
}

// SetUserServer records the user's current server and adjusts usage counts.
func (b *RedisBackend) SetUserServer(ctx context.Context, userID, server string) error {
	err := setUserServerScript.Run(ctx, b.client,
		[]string{keyUserServers, keyUsage},
		userID, server,
	).Err()
	if err != nil {
		return fmt.Errorf("set user server: %w", err)
	}
	return nil
}

// TryAcquireSlot takes the per-server generation slot if it is free. The
// slot key expires after the cooldown window, which is what enforces the
// global rate limit.
func (b *RedisBackend) TryAcquireSlot(ctx context.Context, server string, cooldown time.Duration) (bool, error) {
	granted, err := b.client.SetNX(ctx, keySlotPrefix+server, "1", cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return granted, nil
}

// SharedCredentials lists the shared credential registry.
func (b *RedisBackend) SharedCredentials(ctx context.Context) ([]SharedCredential, error) {
	raw, err := b.client.HGetAll(ctx, keyCredentialPool).Result()
	if err != nil {
		return nil, fmt.Errorf("shared credentials: %w", err)
	}

	creds := make([]SharedCredential, 0, len(raw))
	for token, created := range raw {
		c := SharedCredential{Token: token}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			c.CreatedAt = t
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// PersonalCredential returns the user's currently bound token, if any.
func (b *RedisBackend) PersonalCredential(ctx context.Context, userID string) (string, bool, error) {
	token, err := b.client.HGet(ctx, keyUserCredentials, userID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("personal credential: %w", err)
	}
	return token, token != "", nil
}

// CommitPersonalCredential atomically binds the token to the user.
func (b *RedisBackend) CommitPersonalCredential(ctx context.Context, userID, token string) (CommitStatus, error) {
	res, err := commitCredentialScript.Run(ctx, b.client,
		[]string{keyCredentialPool, keyCredentialHolders, keyCredentialUses, keyUserCredentials},
		userID, token,
	).Text()
	if err != nil {
		return 0, fmt.Errorf("commit credential: %w", err)
	}

	switch res {
	case "committed":
		return CommitCommitted, nil
	case "conflict":
		return CommitConflict, nil
	case "schema_missing":
		return CommitSchemaMissing, nil
	default:
		return 0, fmt.Errorf("commit credential: unexpected script result %q", res)
	}
}

// ClearPersonalCredential releases the user's personal credential.
func (b *RedisBackend) ClearPersonalCredential(ctx context.Context, userID string) error {
	err := clearCredentialScript.Run(ctx, b.client,
		[]string{keyUserCredentials, keyCredentialHolders},
		userID,
	).Err()
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Heartbeat refreshes the user's presence record.
func (b *RedisBackend) Heartbeat(ctx context.Context, userID string) error {
	if err := b.client.Set(ctx, keyPresencePrefix+userID, time.Now().UTC().Format(time.RFC3339), presenceTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// SubscribeForcedLogout subscribes to the user's forced-logout channel.
// Messages carry the revocation timestamp in RFC 3339; malformed messages
// are logged and dropped.
func (b *RedisBackend) SubscribeForcedLogout(ctx context.Context, userID string) (<-chan ForcedLogoutEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, logoutChannelPrefix+userID)

	// Force the subscription to be established before returning so a
	// revoke published right after login is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe forced logout: %w", err)
	}

	events := make(chan ForcedLogoutEvent, 1)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			at, err := time.Parse(time.RFC3339, msg.Payload)
			if err != nil {
				b.logger.Warn("malformed forced-logout payload, dropping",
					"user_id", userID, "payload", msg.Payload)
				continue
			}
			events <- ForcedLogoutEvent{ForceLogoutAt: at}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("pubsub close", "error", err)
		}
	}
	return events, cancel, nil
}
