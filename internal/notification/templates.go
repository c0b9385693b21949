package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

const otpSubject = "Verify One Time Password"

// severity accent colors
var severityColors = map[string]string{
	"low":      "#28a745",
	"medium":   "#ffc107",
	"high":     "#dc3545",
	"critical": "#8B0000",
}

const defaultSeverityColor = "#007bff"

// SeverityColor returns the accent color for a severity, case-insensitively.
func SeverityColor(severity string) string {
	if c, ok := severityColors[strings.ToLower(strings.TrimSpace(severity))]; ok {
		return c
	}
	return defaultSeverityColor
}

const baseStyle = `
      body { background-color: #f9f9f9; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif; color: #333; margin: 0; padding: 0; }
      .container { max-width: 480px; margin: 0 auto; padding: 20px; background-color: #fff; border-radius: 8px; border: 1px solid #ddd; }
      p { line-height: 1.5; font-size: 14px; }`

var alertTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <title>Alert Notification</title>
    <style>` + baseStyle + `
      .alert-title { font-size: 20px; font-weight: bold; color: {{.Color}}; margin: 12px 0; }
      .alert-description { font-size: 14px; margin: 8px 0 16px 0; }
      .severity-badge { display: inline-block; padding: 6px 12px; border-radius: 6px; background-color: {{.Color}}; color: #fff; font-weight: bold; font-size: 12px; }
    </style>
  </head>
  <body>
    <div class="container">
      <p>Hello <strong>{{.Username}}</strong>,</p>
      <p class="severity-badge">{{.Badge}}</p>
      <p class="alert-title">{{.Title}}</p>
      <p class="alert-description">{{.Description}}</p>
      <p>Tenant: <strong>{{.Tenant}}</strong></p>
      <p>Please take the necessary actions if required.</p>
      <p>Best regards,<br/>Your Security Team</p>
    </div>
  </body>
</html>
`))

var otpTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <title>Email Verification</title>
    <style>` + baseStyle + `
      .otp { display: inline-block; font-size: 24px; font-weight: bold; color: #28a745; padding: 12px 24px; margin: 16px 0; border: 1px dashed #28a745; border-radius: 6px; letter-spacing: 2px; }
    </style>
  </head>
  <body>
    <div class="container">
      <p>Hello <strong>{{.Email}}</strong>,</p>
      <p>Use the OTP code below to verify your email address. It is valid for 5 minutes:</p>
      <div class="otp">{{.Code}}</div>
      <p>If you did not request this, please ignore this email.</p>
    </div>
  </body>
</html>
`))

// Rendered is a ready-to-send email.
type Rendered struct {
	To      string
	Subject string
	HTML    string
}

// RenderAlert renders an alert notification.
func RenderAlert(m AlertEmail) (*Rendered, error) {
	color := template.CSS(SeverityColor(m.Severity))
	var buf bytes.Buffer
	err := alertTemplate.Execute(&buf, struct {
		AlertEmail
		Color template.CSS
		Badge string
	}{m, color, strings.ToUpper(m.Severity)})
	if err != nil {
		return nil, fmt.Errorf("render alert email: %w", err)
	}
	return &Rendered{
		To:      m.Email,
		Subject: AlertSubject(m),
		HTML:    buf.String(),
	}, nil
}

// AlertSubject builds the alert email subject line.
func AlertSubject(m AlertEmail) string {
	return fmt.Sprintf("[ALERT] %s - Severity: %s at %s", m.Title, m.Severity, m.Tenant)
}

// RenderOTP renders a one-time-password email.
func RenderOTP(m OTPEmail) (*Rendered, error) {
	var buf bytes.Buffer
	err := otpTemplate.Execute(&buf, struct {
		Email string
		Code  int
	}{m.Email, m.OTPCode})
	if err != nil {
		return nil, fmt.Errorf("render otp email: %w", err)
	}
	return &Rendered{To: m.Email, Subject: otpSubject, HTML: buf.String()}, nil
}
