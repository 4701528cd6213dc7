package client

// IDsInFlight exposes the packet id manager's in-flight count to external tests.
func (e *EventLoop) IDsInFlight() int { return e.ids.InFlight() }
