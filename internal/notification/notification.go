// Package notification renders and delivers alert and one-time-password
// emails from the notification queue.
package notification

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/lvonguyen/alertforge/internal/queue"
)

// Job names on the notification queue.
const (
	JobOTPEmail   = "OtpEmail"
	JobAlertEmail = "AlertEmail"
)

// QueueName is the name of the notification queue.
const QueueName = "email"

// ErrTransport wraps delivery failures. They are retried.
var ErrTransport = errors.New("notification transport failure")

// OTPEmail is the payload of an OtpEmail job.
type OTPEmail struct {
	Email   string `json:"email"`
	OTPCode int    `json:"otpCode"`
}

// Validate checks the payload fields the renderer needs.
func (m OTPEmail) Validate() error {
	if err := validAddress(m.Email); err != nil {
		return err
	}
	if m.OTPCode < otpMin || m.OTPCode > otpMax {
		return fmt.Errorf("%w: otpCode %d is not a six-digit code", queue.ErrMalformedPayload, m.OTPCode)
	}
	return nil
}

// AlertEmail is the payload of an AlertEmail job.
type AlertEmail struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Tenant      string `json:"tenant"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	AlertID     string `json:"alertId,omitempty"`
}

// Validate checks the payload fields the renderer needs.
func (m AlertEmail) Validate() error {
	if err := validAddress(m.Email); err != nil {
		return err
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title is required", queue.ErrMalformedPayload)
	}
	return nil
}

func validAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: email is required", queue.ErrMalformedPayload)
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("%w: email %q: %v", queue.ErrMalformedPayload, addr, err)
	}
	return nil
}
