package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

type EmailConfig struct {
	SMTPServer string
	SMTPUser   string
	SMTPPass   string
	From       string
	To         []string
	Subject    string
}

type EmailChannel struct {
	cfg      EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(_ context.Context, alert Alert) error {
	if e.cfg.SMTPServer == "" || e.cfg.From == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	var auth smtp.Auth
	if e.cfg.SMTPUser != "" && e.cfg.SMTPPass != "" {
		host := strings.Split(e.cfg.SMTPServer, ":")[0]
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, host)
	}
	return e.sendMail(e.cfg.SMTPServer, auth, e.cfg.From, e.cfg.To, e.message(alert))
}

func (e *EmailChannel) message(alert Alert) []byte {
	subject := e.cfg.Subject
	if subject == "" {
		subject = "avsweep: infected file on " + alert.Host
	}
	body := fmt.Sprintf("Path: %s\nSignature: %s\nHost: %s\nBackend: %s\nRun: %s\nTime: %s\n",
		alert.Path, alert.Signature, alert.Host, alert.Backend, alert.RunID, alert.Timestamp.Format(time.RFC3339))
	return []byte(strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + strings.Join(e.cfg.To, ","),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n"))
}
