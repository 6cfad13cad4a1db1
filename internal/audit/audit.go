package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/creatorpay/backend/internal/models"
)

// Logger appends audit_events rows. Writes are fire-and-forget: an insert
// failure is logged and never propagates into the financial operation that
// produced the event.
type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Record writes one audit event. Always mirrors the event to the process log;
// returns nothing so callers cannot couple their error path to it.
func (l *Logger) Record(ctx context.Context, actor, action, resource string, metadata map[string]any) {
	event := models.AuditEvent{
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))

	if l.db == nil {
		return
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		log.Printf("AUDIT: failed to marshal metadata for %s: %v", action, err)
		metaJSON = []byte("{}")
	}

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (actor, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.Actor, event.Action, event.Resource, metaJSON, event.CreatedAt); err != nil {
		log.Printf("AUDIT: failed to persist event %s on %s: %v", action, resource, err)
	}
}

// RecordError captures a failed operation.
func (l *Logger) RecordError(ctx context.Context, actor, action, resource string, opErr error) {
	l.Record(ctx, actor, action, resource, map[string]any{"error": opErr.Error()})
}
