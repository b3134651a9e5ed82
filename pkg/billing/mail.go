package billing

import (
	"context"
	"time"
)

// WelcomeEmail is sent once a subscription is created.
type WelcomeEmail struct {
	To       string
	Name     string
	PlanName string
	RenewsAt *time.Time
}

// Mailer delivers transactional billing emails.
type Mailer interface {
	SendWelcome(ctx context.Context, msg WelcomeEmail) error
}

// NoopMailer discards every message.
type NoopMailer struct{}

func (NoopMailer) SendWelcome(context.Context, WelcomeEmail) error { return nil }
