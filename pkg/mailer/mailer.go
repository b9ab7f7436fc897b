// Package mailer sends the notification emails the sharing and lifecycle
// engines trigger. Sending is fire-and-forget from the engines' perspective:
// a failure is logged, retried a bounded number of times, and never fails
// the triggering operation.
package mailer

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/datahaven-io/datahaven/pkg/config"
	"github.com/datahaven-io/datahaven/pkg/logutils"
)

const sendRetries = 2

// Notifier is what the engines depend on; tests substitute a recorder.
type Notifier interface {
	ProjectReleased(recipients []string, projectID, title string, deadline string) error
	InviteCreated(recipient, token string, role string) error
	AccessGranted(recipient, projectID string) error
}

type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

func New() *Mailer {
	cfg := config.GetConfig()
	return &Mailer{
		dialer: gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password),
		from:   cfg.SMTP.From,
	}
}

func (m *Mailer) send(subject, body string, recipients ...string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", recipients...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	var err error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		if err = m.dialer.DialAndSend(msg); err == nil {
			return nil
		}
		logutils.Log.Warnf("email send attempt %d failed: %v", attempt+1, err)
	}
	logutils.Log.Errorf("giving up on email %q to %v: %v", subject, recipients, err)
	return err
}

func (m *Mailer) ProjectReleased(recipients []string, projectID, title, deadline string) error {
	subject := fmt.Sprintf("Project %s is now available", projectID)
	body := fmt.Sprintf(
		"The project %q (%s) has been released for download.\n"+
			"Your download access expires on %s.\n", title, projectID, deadline)
	return m.send(subject, body, recipients...)
}

func (m *Mailer) InviteCreated(recipient, token, role string) error {
	body := fmt.Sprintf(
		"You have been invited as %s.\n"+
			"Use the following one-time token to activate your account within 7 days:\n\n%s\n", role, token)
	return m.send("You have been invited to datahaven", body, recipient)
}

func (m *Mailer) AccessGranted(recipient, projectID string) error {
	body := fmt.Sprintf("You have been granted access to project %s.\n", projectID)
	return m.send(fmt.Sprintf("Access to project %s", projectID), body, recipient)
}
