package utils

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"
)

// TaskAssignment is the payload of an assignment notification.
type TaskAssignment struct {
	To           string
	AssigneeName string
	AssignedBy   string
	ProjectTitle string
	TaskTitle    string
	DueDate      *time.Time
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	TaskAssigned(ctx context.Context, a TaskAssignment) error
}

// NoopNotifier is used when SMTP is not configured.
type NoopNotifier struct{}

func (NoopNotifier) TaskAssigned(context.Context, TaskAssignment) error { return nil }

// SMTPNotifier sends notifications through an SMTP relay.
type SMTPNotifier struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPNotifier(host string, port int, username, password, from string) *SMTPNotifier {
	return &SMTPNotifier{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (n *SMTPNotifier) TaskAssigned(ctx context.Context, a TaskAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := n.TaskAssignedMessage(a)
	if err != nil {
		return err
	}
	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

var taskAssignedTemplate = template.Must(template.New("task_assigned").Parse(`<!DOCTYPE html>
<html>
<body>
    <h2>Hi {{.AssigneeName}},</h2>
    <p>{{.AssignedBy}} assigned you a task in <strong>{{.ProjectTitle}}</strong>:</p>
    <h3>{{.TaskTitle}}</h3>
    <p>Due: {{.Due}}</p>
</body>
</html>`))

func renderTaskAssigned(a TaskAssignment) (string, error) {
	due := "No due date"
	if a.DueDate != nil {
		due = a.DueDate.Format("Jan 2, 2006")
	}

	var body bytes.Buffer
	if err := taskAssignedTemplate.Execute(&body, struct {
		TaskAssignment
		Due string
	}{a, due}); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return body.String(), nil
}

// TaskAssignedMessage renders the assignment email. Titles and names are
// user supplied and escaped by html/template.
func (n *SMTPNotifier) TaskAssignedMessage(a TaskAssignment) (*gomail.Message, error) {
	body, err := renderTaskAssigned(a)
	if err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", a.To)
	m.SetHeader("Subject", fmt.Sprintf("New task in %s: %s", a.ProjectTitle, a.TaskTitle))
	m.SetBody("text/html", body)
	return m, nil
}
