// Package lifecycle turns host events into sync service callbacks: OS
// signals for suspend and resume, and an HTTP probe for connectivity.
package lifecycle

// Listener receives host lifecycle events
type Listener interface {
	// OnSuspend runs before the host is backgrounded or terminated and
	// must not block on the network.
	OnSuspend()
	OnResume()
	OnConnectivityChange(online bool)
}
