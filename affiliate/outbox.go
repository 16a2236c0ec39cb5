/*
outbox.go - Notifications written with the transition, delivered after it

PURPOSE:
  Email and message side effects must never run inside a unit of work and
  must never roll a transition back. Transitions enqueue a Notification
  through the same store handle as their state change; the Dispatcher
  delivers pending rows once the transaction has committed, either right
  after the operation or from the scheduler.

DELIVERY:
  - Each row is attempted until it succeeds or reaches MaxAttempts
  - Failures are recorded on the row and logged
  - A failed delivery never surfaces as the operation's error

SEE ALSO:
  - notify/: Notifier implementations (log, SendGrid email)
  - api/scheduler.go: periodic Flush
*/
package affiliate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifySaleSubmitted       NotificationKind = "sale_submitted"
	NotifySaleApproved        NotificationKind = "sale_approved"
	NotifySaleRejected        NotificationKind = "sale_rejected"
	NotifySaleRefunded        NotificationKind = "sale_refunded"
	NotifyContractSent        NotificationKind = "contract_sent"
	NotifyRenewalDue          NotificationKind = "renewal_due"
	NotifyRenewalApproved     NotificationKind = "renewal_approved"
	NotifyRenewalRejected     NotificationKind = "renewal_rejected"
	NotifyContractTerminated  NotificationKind = "contract_terminated"
	NotifyDBRecoverySucceeded NotificationKind = "db_recovery_succeeded"
	NotifyDBRecoveryFailed    NotificationKind = "db_recovery_failed"
)

// Notification is an outbox row. RecipientID nil means headquarters staff.
type Notification struct {
	ID          string
	Kind        NotificationKind
	TargetID    string
	RecipientID *PartnerID
	Payload     map[string]string
	CreatedAt   time.Time
	SentAt      *time.Time
	Attempts    int
	LastError   string
}

// Notifier delivers one notification. recipient is nil for headquarters
// notifications or when the partner no longer exists.
type Notifier interface {
	Notify(ctx context.Context, n Notification, recipient *Partner) error
}

// enqueue writes a notification through the unit of work's store handle.
func enqueue(ctx context.Context, o Outbox, at time.Time, kind NotificationKind, target string, recipient *PartnerID, payload map[string]string) error {
	n := Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		TargetID:    target,
		RecipientID: recipient,
		Payload:     payload,
		CreatedAt:   at.UTC(),
	}
	if err := o.EnqueueNotification(ctx, n); err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", kind, target, err)
	}
	return nil
}

// =============================================================================
// DISPATCHER
// =============================================================================

type Dispatcher struct {
	Store       Store
	Notifier    Notifier
	Logger      *slog.Logger
	Metrics     Metrics
	Now         func() time.Time
	BatchSize   int
	MaxAttempts int

	mu sync.Mutex
}

// Flush delivers one batch of pending notifications and returns how many
// were sent. Only store errors are returned.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending, err := d.Store.PendingNotifications(ctx, d.BatchSize, d.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("load pending notifications: %w", err)
	}

	sent := 0
	for _, n := range pending {
		var recipient *Partner
		if n.RecipientID != nil {
			recipient, err = d.Store.GetPartner(ctx, *n.RecipientID)
			if err != nil {
				return sent, fmt.Errorf("load recipient %s: %w", *n.RecipientID, err)
			}
		}

		if err := d.Notifier.Notify(ctx, n, recipient); err != nil {
			d.Logger.Warn("notification delivery failed",
				"notification_id", n.ID, "kind", n.Kind, "target", n.TargetID,
				"attempt", n.Attempts+1, "error", err)
			d.Metrics.NotificationDelivered("failed")
			if err := d.Store.MarkNotificationFailed(ctx, n.ID, err.Error()); err != nil {
				return sent, fmt.Errorf("mark notification %s failed: %w", n.ID, err)
			}
			continue
		}

		if err := d.Store.MarkNotificationSent(ctx, n.ID, d.Now().UTC()); err != nil {
			return sent, fmt.Errorf("mark notification %s sent: %w", n.ID, err)
		}
		d.Metrics.NotificationDelivered("sent")
		sent++
	}
	return sent, nil
}
