package auth

// OnFlightJoined sets a callback that runs once a caller has attached to the
// refresh flight.
func OnFlightJoined(m *Manager, fn func()) {
	m.flightJoined = fn
}
