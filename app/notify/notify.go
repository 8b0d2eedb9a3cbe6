// Package notify delivers task completion and failure messages
// to configured email and webhook destinations.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/modeleval/modeleval/app/store"
)

// Notifier defines the sender subset of go-pkgz/notify used by Service.
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Params for notification service, all optional.
type Params struct {
	OnError            bool
	OnCompletion       bool
	ErrorTemplate      string // path to custom error template
	CompletionTemplate string // path to custom completion template
}

// SendersParams holds email and webhook destinations with transport settings.
type SendersParams struct {
	ToEmails     []string
	From         string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool
	TimeOut      time.Duration

	WebhookURLs    []string
	WebhookHeaders []string
}

// Service renders task messages and sends them to all destinations.
type Service struct {
	Params
	SendersParams
	email   Notifier
	webhook Notifier
}

const defaultTimeOut = 10 * time.Second

// NewService creates notification service for given destinations.
// Returns nil if no destinations defined, nil service is safe to use.
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 && len(sp.WebhookURLs) == 0 {
		return nil
	}
	if sp.TimeOut == 0 {
		sp.TimeOut = defaultTimeOut
	}

	res := Service{Params: p, SendersParams: sp}
	if len(sp.ToEmails) > 0 {
		res.email = notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			StartTLS:    sp.SMTPStartTLS,
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.TimeOut,
			ContentType: "text/html",
			Charset:     "UTF-8",
		})
	}
	if len(sp.WebhookURLs) > 0 {
		headers := sp.WebhookHeaders
		if len(headers) == 0 {
			headers = []string{"Content-Type:application/json,text/html"}
		}
		res.webhook = notify.NewWebhook(notify.WebhookParams{Timeout: sp.TimeOut, Headers: headers})
	}
	return &res
}

// IsOnError status enabling on-failure notification
func (s *Service) IsOnError() bool { return s != nil && s.OnError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s != nil && s.OnCompletion }

// Send delivers text with subject to all configured destinations.
// Partial failures reported but don't stop remaining destinations.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.email != nil {
		dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s",
			strings.Join(s.ToEmails, ","), url.QueryEscape(s.From), url.QueryEscape(subj))
		log.Printf("[DEBUG] send %q to %+v", subj, s.ToEmails)
		if err := s.email.Send(ctx, dest, text); err != nil {
			errs = append(errs, fmt.Errorf("failed to send email to %+v: %w", s.ToEmails, err))
		}
	}
	if s.webhook != nil {
		for _, u := range s.WebhookURLs {
			log.Printf("[DEBUG] send %q to webhook %s", subj, u)
			if err := s.webhook.Send(ctx, u, text); err != nil {
				errs = append(errs, fmt.Errorf("failed to send webhook to %s: %w", u, err))
			}
		}
	}
	return errors.Join(errs...)
}

// MakeErrorHTML creates html error message for a failed task
func (s *Service) MakeErrorHTML(task store.Task) (string, error) {
	tmpl := defaultErrorTemplate
	if s.ErrorTemplate != "" {
		data, err := os.ReadFile(s.ErrorTemplate) // nolint gosec
		if err == nil {
			tmpl = string(data)
		} else {
			log.Printf("[WARN] can't load error template from %s, %v", s.ErrorTemplate, err)
		}
	}
	return s.render(tmpl, task)
}

// MakeCompletionHTML creates html completion message for a finished task
func (s *Service) MakeCompletionHTML(task store.Task) (string, error) {
	tmpl := defaultCompletionTemplate
	if s.CompletionTemplate != "" {
		data, err := os.ReadFile(s.CompletionTemplate) // nolint gosec
		if err == nil {
			tmpl = string(data)
		} else {
			log.Printf("[WARN] can't load completion template from %s, %v", s.CompletionTemplate, err)
		}
	}
	return s.render(tmpl, task)
}

func (s *Service) render(tmpl string, task store.Task) (string, error) {
	host, _ := os.Hostname()
	data := struct {
		TaskID  string
		Type    string
		Model   string
		Status  string
		Message string
		Error   string
		TS      time.Time
		Host    string
	}{
		TaskID:  task.ID,
		Type:    task.Type.String(),
		Model:   task.Model,
		Status:  task.Status.String(),
		Message: task.Message,
		Error:   task.Error,
		TS:      time.Now(),
		Host:    host,
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err = t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

var defaultErrorTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Evaluation task failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Task: <span class="bold">{{.TaskID}}</span></li>
			<li>Type: <span class="bold">{{.Type}}</span></li>
			<li>Model: <span class="bold">{{.Model}}</span></li>
		</ul>

		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

var defaultCompletionTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Evaluation task completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Task: <span class="bold">{{.TaskID}}</span></li>
			<li>Type: <span class="bold">{{.Type}}</span></li>
			<li>Model: <span class="bold">{{.Model}}</span></li>
			<li>Result: <span class="bold">{{.Message}}</span></li>
		</ul>
	</body>
</html>
`
