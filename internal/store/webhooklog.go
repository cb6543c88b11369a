package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/contexthub/internal/types"
)

// WebhookLog is the durable, append-only record of received webhook
// events. It is an audit trail, separate from the in-flight queue job
// that processes each event.
type WebhookLog struct {
	db *sql.DB
}

func NewWebhookLog(db *sql.DB) *WebhookLog {
	return &WebhookLog{db: db}
}

// Append records a pending event.
func (l *WebhookLog) Append(ctx context.Context, rec *types.WebhookEventRecord) error {
	if rec.ID == "" {
		rec.ID = types.NewWebhookRecordID()
	}
	if rec.Status == "" {
		rec.Status = types.WebhookPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, platform, event_type, event_id, payload, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Platform), rec.EventType, rec.EventID, []byte(rec.Payload),
		string(rec.Status), rec.Attempts, rec.Error, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append webhook event: %w", err)
	}
	return nil
}

// Get returns the record, or (nil, nil) if absent.
func (l *WebhookLog) Get(ctx context.Context, id string) (*types.WebhookEventRecord, error) {
	var (
		rec                types.WebhookEventRecord
		platform, status   string
		payload            []byte
		processedAt        sql.NullInt64
		createdAt          int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, platform, event_type, event_id, payload, status, attempts, error, processed_at, created_at
		FROM webhook_events WHERE id = ?`, id,
	).Scan(&rec.ID, &platform, &rec.EventType, &rec.EventID, &payload,
		&status, &rec.Attempts, &rec.Error, &processedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook event: %w", err)
	}
	rec.Platform = types.Platform(platform)
	rec.Status = types.WebhookRecordStatus(status)
	rec.Payload = payload
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0).UTC()
		rec.ProcessedAt = &t
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

// MarkProcessed transitions the record to processed, clearing any
// previous failure.
func (l *WebhookLog) MarkProcessed(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = ?, error = '', processed_at = ? WHERE id = ?`,
		string(types.WebhookProcessed), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Attempts only ever grows; the
// queue's retry accounting is the source of the count.
func (l *WebhookLog) MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = ?, attempts = MAX(attempts, ?), error = ? WHERE id = ?`,
		string(types.WebhookFailed), attempts, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return nil
}

// CountByStatus returns how many records carry the given status.
func (l *WebhookLog) CountByStatus(ctx context.Context, status types.WebhookRecordStatus) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE status = ?`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
