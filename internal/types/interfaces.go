package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ComposeRequest asks the Digest Composer for one user's content.
type ComposeRequest struct {
	UserID       string          `json:"user_id"`
	JobType      JobType         `json:"job_type"`
	Day          string          `json:"day,omitempty"`
	ContentFlags map[string]bool `json:"content_flags,omitempty"`
	IsTest       bool            `json:"is_test"`
}

// Content is a rendered message. A nil *Content from the composer means
// there is nothing to send.
type Content struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

// DigestComposer renders message content for a user.
type DigestComposer interface {
	Compose(ctx context.Context, req ComposeRequest) (*Content, error)
}

// SendInput is a fully rendered outbound message.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	HTMLBody    string
	TextBody    string
	ReferenceID string
}

// SenderIdentity is the From header of outbound mail.
type SenderIdentity struct {
	Address string
	Name    string
}

// Mailer delivers a rendered message and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, input SendInput) (string, error)
}
