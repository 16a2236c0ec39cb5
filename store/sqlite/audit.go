package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, r affiliate.AuditRecord) error {
	var detail any
	if len(r.Detail) > 0 {
		detail = r.Detail
	}
	detailJSON, err := toJSON(detail)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, target_id, actor_id, actor_kind, at, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Action), r.TargetID, r.ActorID, string(r.ActorKind), formatTime(r.At), detailJSON)
	return err
}

func (q *queries) QueryAudit(ctx context.Context, filter affiliate.AuditFilter) ([]affiliate.AuditRecord, error) {
	var w where
	if filter.TargetID != "" {
		w.add("target_id = ?", filter.TargetID)
	}
	if filter.ActorID != "" {
		w.add("actor_id = ?", filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		args := make([]any, len(filter.Actions))
		for i, a := range filter.Actions {
			args[i] = string(a)
		}
		w.add("action IN ("+placeholders(len(args))+")", args...)
	}
	if filter.From != nil {
		w.add("at >= ?", formatTime(*filter.From))
	}
	if filter.To != nil {
		w.add("at <= ?", formatTime(*filter.To))
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, action, target_id, actor_id, actor_kind, at, detail_json
		FROM audit_log`+w.String()+` ORDER BY at, rowid`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.AuditRecord
	for rows.Next() {
		var (
			r                affiliate.AuditRecord
			action, kind, at string
			detailJSON       sql.NullString
		)
		if err := rows.Scan(&r.ID, &action, &r.TargetID, &r.ActorID, &kind, &at, &detailJSON); err != nil {
			return nil, err
		}
		r.Action = affiliate.AuditAction(action)
		r.ActorKind = affiliate.ActorKind(kind)
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &r.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// OUTBOX
// =============================================================================

func (q *queries) EnqueueNotification(ctx context.Context, n affiliate.Notification) error {
	var payload any
	if len(n.Payload) > 0 {
		payload = n.Payload
	}
	payloadJSON, err := toJSON(payload)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO outbox (id, kind, target_id, recipient_id, payload_json, created_at, sent_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID, string(n.Kind), n.TargetID, nullPartner(n.RecipientID), payloadJSON,
		formatTime(n.CreatedAt), nullTime(n.SentAt), n.Attempts, nullString(n.LastError),
	)
	return err
}

func (q *queries) PendingNotifications(ctx context.Context, limit, maxAttempts int) ([]affiliate.Notification, error) {
	query := `
		SELECT id, kind, target_id, recipient_id, payload_json, created_at, sent_at, attempts, last_error
		FROM outbox
		WHERE sent_at IS NULL AND attempts < ?
		ORDER BY created_at, rowid`
	args := []any{maxAttempts}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.Notification
	for rows.Next() {
		var (
			n                                   affiliate.Notification
			kind, createdAt                     string
			recipient, payload, sentAt, lastErr sql.NullString
		)
		if err := rows.Scan(&n.ID, &kind, &n.TargetID, &recipient, &payload, &createdAt, &sentAt,
			&n.Attempts, &lastErr); err != nil {
			return nil, err
		}
		n.Kind = affiliate.NotificationKind(kind)
		n.RecipientID = scanPartner(recipient)
		n.LastError = lastErr.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &n.Payload); err != nil {
				return nil, err
			}
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if n.SentAt, err = scanNullTime(sentAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (q *queries) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET sent_at = ?, attempts = attempts + 1, last_error = NULL WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return err
	}
	return q.mustChange(ctx, res, "outbox", "notification", id)
}

func (q *queries) MarkNotificationFailed(ctx context.Context, id string, message string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?
	`, nullString(message), id)
	if err != nil {
		return err
	}
	return q.mustChange(ctx, res, "outbox", "notification", id)
}
