package wal

import "github.com/ChuLiYu/molequeue/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the job journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventUpsert EventType = "UPSERT" // Job created or changed; carries the whole job
	EventRemove EventType = "REMOVE" // Job removed from the registry
)

// Event represents a WAL event record
type Event struct {
	Seq         uint64     `json:"seq"`           // Event sequence number (monotonically increasing)
	Type        EventType  `json:"type"`          // Event type
	MoleQueueID types.ID   `json:"moleQueueId"`   // Job the event applies to
	Job         *types.Job `json:"job,omitempty"` // Job after the change, upserts only
	Timestamp   int64      `json:"timestamp"`     // Unix millisecond timestamp
	Checksum    uint32     `json:"checksum"`      // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
