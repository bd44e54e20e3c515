package models

import "time"

// Lock is the exclusive-access marker for a session id. It is storage-layer
// metadata, never an event.
type Lock struct {
	LockedBy string    `json:"locked_by"`
	LockedAt time.Time `json:"locked_at"`
	PID      int       `json:"pid,omitempty"`
	Host     string    `json:"host,omitempty"`
}
