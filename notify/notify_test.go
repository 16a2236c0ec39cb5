package notify_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/logger"
	"github.com/warp/affiliate-engine/notify"
)

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeSender) Send(m *mail.SGMailV3) (*rest.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, m)
	return &rest.Response{StatusCode: f.status, Body: "body"}, nil
}

func sampleNotification() affiliate.Notification {
	return affiliate.Notification{
		ID:       "n-1",
		Kind:     affiliate.NotifySaleApproved,
		TargetID: "s-1",
		Payload:  map[string]string{"status": "APPROVED", "amount": "2500000"},
	}
}

func TestBody_SortsPayloadAndGreets(t *testing.T) {
	body := notify.Body(sampleNotification(), &affiliate.Partner{Name: "Kim"})
	assert.Equal(t, "Hi Kim,\n\nSale approved (s-1)\n\namount: 2500000\nstatus: APPROVED\n", body)
}

func TestSubject_UnknownKind(t *testing.T) {
	assert.Equal(t, "Affiliate notification: custom", notify.Subject("custom"))
}

func TestEmailNotifier_SendsToPartner(t *testing.T) {
	// GIVEN: An email notifier with a fake SendGrid client
	// WHEN: Notifying a partner with an email address
	// THEN: One message goes to the partner with the rendered subject

	sender := &fakeSender{status: 202}
	n := notify.NewEmailNotifier(notify.EmailConfig{
		APIKey: "key", FromEmail: "desk@example.com", FromName: "Desk", HQEmail: "hq@example.com",
	}, logger.Discard()).WithSender(sender)

	partner := &affiliate.Partner{ID: "p-1", Name: "Kim", Email: "kim@example.com"}
	require.NoError(t, n.Notify(context.Background(), sampleNotification(), partner))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "Sale approved", msg.Subject)
	require.Len(t, msg.Personalizations, 1)
	assert.Equal(t, "kim@example.com", msg.Personalizations[0].To[0].Address)
}

func TestEmailNotifier_HQFallback(t *testing.T) {
	sender := &fakeSender{status: 202}
	n := notify.NewEmailNotifier(notify.EmailConfig{APIKey: "key", HQEmail: "hq@example.com"}, logger.Discard()).
		WithSender(sender)

	require.NoError(t, n.Notify(context.Background(), sampleNotification(), nil))
	require.NoError(t, n.Notify(context.Background(), sampleNotification(), &affiliate.Partner{ID: "p-2"}))

	require.Len(t, sender.sent, 2)
	for _, msg := range sender.sent {
		assert.Equal(t, "hq@example.com", msg.Personalizations[0].To[0].Address)
	}
}

func TestEmailNotifier_Errors(t *testing.T) {
	cfg := notify.EmailConfig{APIKey: "key", HQEmail: "hq@example.com"}

	n := notify.NewEmailNotifier(cfg, logger.Discard()).WithSender(&fakeSender{status: 500})
	assert.ErrorContains(t, n.Notify(context.Background(), sampleNotification(), nil), "status 500")

	n = notify.NewEmailNotifier(cfg, logger.Discard()).WithSender(&fakeSender{err: errors.New("dial tcp")})
	assert.ErrorContains(t, n.Notify(context.Background(), sampleNotification(), nil), "dial tcp")

	n = notify.NewEmailNotifier(notify.EmailConfig{APIKey: "key"}, logger.Discard()).WithSender(&fakeSender{status: 202})
	assert.ErrorContains(t, n.Notify(context.Background(), sampleNotification(), nil), "no recipient address")
}

func TestEmailNotifier_ConsoleMode(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewEmailNotifier(notify.EmailConfig{HQEmail: "hq@example.com"}, logger.NewWithWriter(&buf, "info", "json"))

	require.NoError(t, n.Notify(context.Background(), sampleNotification(), nil))
	assert.Contains(t, buf.String(), "console mode")
}

type failing struct{ err error }

func (f failing) Notify(context.Context, affiliate.Notification, *affiliate.Partner) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var buf bytes.Buffer
	m := notify.Multi{
		notify.LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))},
		failing{err: boom},
	}

	err := m.Notify(context.Background(), sampleNotification(), nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "kind=sale_approved", "log notifier still ran")
}
