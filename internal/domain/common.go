package domain

// Direction represents the directional exposure of an execution (LONG or SHORT).
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// IsValid reports whether the direction is one of the known values.
func (d Direction) IsValid() bool {
	return d == Long || d == Short
}

// Side represents whether an execution adds to or reduces inventory.
type Side string

const (
	SideOpen  Side = "OPEN"
	SideClose Side = "CLOSE"
)

// IsValid reports whether the side is one of the known values.
func (s Side) IsValid() bool {
	return s == SideOpen || s == SideClose
}

// EventType represents a trade lifecycle transition.
type EventType string

const (
	EventOpened       EventType = "opened"
	EventPartialClose EventType = "partial_close"
	EventClosed       EventType = "closed"
)
