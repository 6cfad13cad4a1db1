package models

import "time"

// AuditEvent is an append-only record of a money- or security-relevant action.
// Written best-effort; never consumed for balance computation.
type AuditEvent struct {
	ID        int64          `json:"id" db:"id"`
	Actor     string         `json:"actor" db:"actor"`
	Action    string         `json:"action" db:"action"`
	Resource  string         `json:"resource" db:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
