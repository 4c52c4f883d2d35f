package domain

import "time"

// SyncStats holds statistics about one source sync pass.
type SyncStats struct {
	SourceID    int64
	SourceName  string
	Pages       int
	Fetched     int
	New         int
	Inserted    int
	HighestSeen int64
	Duration    time.Duration
}

// RunStats summarizes a full run across all tracked sources.
type RunStats struct {
	Sources   int
	Batches   int
	Succeeded int
	Failed    int
	NewPosts  int
	Duration  time.Duration
}

type EventType string

const (
	EventStart       EventType = "start"
	EventProgress    EventType = "progress"
	EventError       EventType = "error"
	EventEnd         EventType = "end"
	EventRepairStart EventType = "repair:start"
	EventRepairEnd   EventType = "repair:end"
)

// Event is a fire-and-forget notification about sync progress.
type Event struct {
	Type       EventType `json:"type"`
	Message    string    `json:"message,omitempty"`
	SourceID   int64     `json:"source_id,omitempty"`
	SourceName string    `json:"source_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewEvent(t EventType, message string) Event {
	return Event{Type: t, Message: message, Timestamp: time.Now().UTC()}
}
