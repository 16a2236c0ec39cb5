/*
notify.go - Outbox notifiers

PURPOSE:
  Implementations of affiliate.Notifier used by the Dispatcher. Every
  outbox row is rendered into a subject and a plain-text body, then handed
  to a transport:
    - LogNotifier writes it to the structured log (development, tests)
    - EmailNotifier sends it with SendGrid, or logs it when no API key is
      configured
    - Multi fans out to several notifiers and fails if any of them fails

RECIPIENTS:
  A notification addressed to a partner goes to the partner's email.
  Headquarters notifications (recipient nil) go to the configured HQ
  address. A partner without an email falls back to HQ so nothing is lost.

SEE ALSO:
  - affiliate/outbox.go: enqueue and Dispatcher
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// RENDERING
// =============================================================================

var subjects = map[affiliate.NotificationKind]string{
	affiliate.NotifySaleSubmitted:       "Sale submitted for approval",
	affiliate.NotifySaleApproved:        "Sale approved",
	affiliate.NotifySaleRejected:        "Sale rejected",
	affiliate.NotifySaleRefunded:        "Sale refunded",
	affiliate.NotifyContractSent:        "Your partner contract is ready to sign",
	affiliate.NotifyRenewalDue:          "Your partner contract is due for renewal",
	affiliate.NotifyRenewalApproved:     "Contract renewal approved",
	affiliate.NotifyRenewalRejected:     "Contract renewal rejected",
	affiliate.NotifyContractTerminated:  "Partner contract terminated",
	affiliate.NotifyDBRecoverySucceeded: "Partner customer data recovered",
	affiliate.NotifyDBRecoveryFailed:    "Partner customer data recovery FAILED",
}

// Subject returns the email subject for a notification kind.
func Subject(kind affiliate.NotificationKind) string {
	if s, ok := subjects[kind]; ok {
		return s
	}
	return "Affiliate notification: " + string(kind)
}

// Body renders the payload as sorted "key: value" lines.
func Body(n affiliate.Notification, recipient *affiliate.Partner) string {
	var b strings.Builder
	if recipient != nil && recipient.Name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", recipient.Name)
	}
	fmt.Fprintf(&b, "%s (%s)\n\n", Subject(n.Kind), n.TargetID)

	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, n.Payload[k])
	}
	return b.String()
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n affiliate.Notification, recipient *affiliate.Partner) error {
	to := "hq"
	if recipient != nil {
		to = string(recipient.ID)
	}
	l.Logger.Info("notification",
		"notification_id", n.ID,
		"kind", n.Kind,
		"target", n.TargetID,
		"to", to,
		"subject", Subject(n.Kind))
	return nil
}

// =============================================================================
// EMAIL NOTIFIER
// =============================================================================

// Sender is the part of the SendGrid client the notifier uses.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	HQEmail   string
}

type EmailNotifier struct {
	cfg    EmailConfig
	client Sender // nil: console mode
	logger *slog.Logger
}

// NewEmailNotifier sends via SendGrid when cfg.APIKey is set, otherwise it
// only logs what would have been sent.
func NewEmailNotifier(cfg EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, logger: logger}
	if cfg.APIKey != "" {
		n.client = sendgrid.NewSendClient(cfg.APIKey)
		logger.Info("email notifier using SendGrid", "from", cfg.FromEmail)
	} else {
		logger.Warn("email notifier in console-only mode, set a SendGrid API key to deliver")
	}
	return n
}

// WithSender replaces the SendGrid client.
func (e *EmailNotifier) WithSender(s Sender) *EmailNotifier {
	e.client = s
	return e
}

func (e *EmailNotifier) Notify(_ context.Context, n affiliate.Notification, recipient *affiliate.Partner) error {
	toName, toEmail := "Headquarters", e.cfg.HQEmail
	if recipient != nil && recipient.Email != "" {
		toName, toEmail = recipient.Name, recipient.Email
	}
	if toEmail == "" {
		return fmt.Errorf("notification %s: no recipient address", n.ID)
	}

	subject := Subject(n.Kind)
	body := Body(n, recipient)

	if e.client == nil {
		e.logger.Info("email not sent (console mode)",
			"notification_id", n.ID, "to", toEmail, "subject", subject)
		return nil
	}

	from := mail.NewEmail(e.cfg.FromName, e.cfg.FromEmail)
	to := mail.NewEmail(toName, toEmail)
	message := mail.NewSingleEmail(from, subject, to, body, "")

	resp, err := e.client.Send(message)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}
	e.logger.Debug("email sent", "notification_id", n.ID, "to", toEmail, "status", resp.StatusCode)
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi delivers to every notifier and joins their errors.
type Multi []affiliate.Notifier

func (m Multi) Notify(ctx context.Context, n affiliate.Notification, recipient *affiliate.Partner) error {
	var errs []error
	for _, inner := range m {
		if err := inner.Notify(ctx, n, recipient); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
