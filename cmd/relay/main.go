// Monoklix Relay routes AI generation traffic for authenticated users.
//
// It sits between the UI and a fleet of generation proxy servers, providing:
//   - Least-busy server selection with random fallback
//   - Exclusive personal credential assignment from a shared pool
//   - Per-server generation slot admission with queueing
//   - Automatic failover to a backup server on network failures
//   - Session heartbeats and administrator-forced logout
//
// Usage:
//
//	# Start with default configuration
//	relay run
//
//	# Start with a custom configuration file
//	relay run --config /path/to/config.yaml
//
//	# Validate configuration without starting
//	relay validate
//
//	# Show version information
//	relay version
package main

func main() {
	Execute()
}
