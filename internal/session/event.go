package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventImageSaved    EventType = iota // a new frame entered the image history
	EventTargetStarted                  // a different target became active
	EventTargetEnded                    // the active target ended or was abandoned
	EventReset                          // the session was reset to defaults
)

var eventTypeNames = map[EventType]string{
	EventImageSaved:    "image_saved",
	EventTargetStarted: "target_started",
	EventTargetEnded:   "target_ended",
	EventReset:         "reset",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event carries a lifecycle transition to observers. Pointer fields are
// private copies and safe to retain.
type Event struct {
	Type      EventType
	At        int64 // epoch millis of the event that caused the transition
	SessionID string
	Image     *Image
	Target    *Target
	// Aborted marks a target that was dropped after the grace period
	// rather than ended by the automation tool.
	Aborted           bool
	Reason            string
	PreviousSessionID string
}
