package frame

// Direction indicates whether a frame was sent or received by a session.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}

// Event is the notification payload for one frame processed by a session.
// Frame is borrowed for the duration of the callback only.
type Event struct {
	SessionID string
	Direction Direction
	Frame     *Frame
}
