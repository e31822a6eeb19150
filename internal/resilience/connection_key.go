package resilience

import "fmt"

// ConnectionBreakerName names the circuit breaker guarding one tool
// connection's calls, so a flaky external tool trips independently per
// (connectionId, toolName) pair rather than sharing a breaker across every
// tool call the engine makes.
func ConnectionBreakerName(connectionID, toolName string) string {
	return fmt.Sprintf("tool:%s:%s", connectionID, toolName)
}
