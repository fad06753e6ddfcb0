package domain

// EventKind enumerates the lifecycle transitions a room can go through:
// create, then any number of checkouts and archive-sign rotations, then a
// terminal close or destroyed. A room that closes without being destroyed
// keeps its durable record for later recovery.
type EventKind int

const (
	EventCreate EventKind = iota
	EventCheckout
	EventNewArchiveSign
	EventClose
	EventDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventCheckout:
		return "checkout"
	case EventNewArchiveSign:
		return "newarchivesign"
	case EventClose:
		return "close"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle transition emitted by a room.
type Event struct {
	Kind EventKind
	Name string

	// Info is set on EventCreate: the summary the room becomes visible
	// under, with Timestamp left for the registry to stamp.
	Info *RoomInfo

	// CheckoutTimestamp is set on EventCheckout, milliseconds since epoch.
	CheckoutTimestamp int64

	// Sign is set on EventNewArchiveSign.
	Sign string
}

// EventHandler consumes lifecycle events. A room dispatches every event it
// emits through a single handler so the lifecycle machine stays auditable
// in one place.
type EventHandler func(Event)
