// Package sendgrid delivers billing emails through SendGrid. Without an API
// key it only logs what would have been sent.
package sendgrid

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/subscription"
)

// Sender is the part of the SendGrid client the mailer uses.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Config configures the mailer.
type Config struct {
	APIKey    string
	FromEmail string
	FromName  string
	// AppURL is linked from the emails.
	AppURL string
	Logger subscription.Logger
}

// Mailer implements billing.Mailer.
type Mailer struct {
	sender   Sender
	from     *mail.Email
	appURL   string
	logger   subscription.Logger
	liveSend bool
}

var _ billing.Mailer = (*Mailer)(nil)

// New creates a mailer. An empty APIKey selects log-only mode.
func New(cfg Config) *Mailer {
	logger := cfg.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	m := &Mailer{
		from:   mail.NewEmail(cfg.FromName, cfg.FromEmail),
		appURL: strings.TrimRight(cfg.AppURL, "/"),
		logger: logger,
	}
	if cfg.APIKey != "" {
		m.sender = sendgrid.NewSendClient(cfg.APIKey)
		m.liveSend = true
		logger.Info("email delivery via sendgrid enabled")
	} else {
		logger.Warn("email delivery in log-only mode (set SENDGRID_API_KEY to send)")
	}
	return m
}

// WithSender replaces the SendGrid client. Used by tests.
func (m *Mailer) WithSender(s Sender) *Mailer {
	m.sender = s
	m.liveSend = s != nil
	return m
}

var (
	welcomeHTML = template.Must(template.New("welcome.html").Parse(`<html>
<body>
	<h2>Bem-vindo(a) ao Psicoid!</h2>
	<p>Olá {{.Name}},</p>
	<p>Sua assinatura do plano <strong>{{.PlanName}}</strong> está ativa.</p>
	{{- if .RenewsAt}}
	<p>Próxima renovação: {{.RenewsAt}}.</p>
	{{- end}}
	<p><a href="{{.AppURL}}">Acessar o Psicoid</a></p>
	<p>Obrigado,<br>Equipe Psicoid</p>
</body>
</html>`))

	welcomeText = texttemplate.Must(texttemplate.New("welcome.txt").Parse(`Olá {{.Name}},

Sua assinatura do plano {{.PlanName}} está ativa.
{{- if .RenewsAt}}
Próxima renovação: {{.RenewsAt}}.
{{- end}}

Acesse: {{.AppURL}}

Obrigado,
Equipe Psicoid
`))
)

type welcomeData struct {
	Name     string
	PlanName string
	RenewsAt string
	AppURL   string
}

// SendWelcome sends the subscription welcome email.
func (m *Mailer) SendWelcome(ctx context.Context, msg billing.WelcomeEmail) error {
	if msg.To == "" {
		return fmt.Errorf("%w: welcome email without recipient", subscription.ErrValidation)
	}

	data := welcomeData{
		Name:     msg.Name,
		PlanName: msg.PlanName,
		AppURL:   m.appURL,
	}
	if data.Name == "" {
		data.Name = msg.To
	}
	if msg.RenewsAt != nil {
		data.RenewsAt = msg.RenewsAt.Format("02/01/2006")
	}

	var html, plain bytes.Buffer
	if err := welcomeHTML.Execute(&html, data); err != nil {
		return fmt.Errorf("render welcome html: %w", err)
	}
	if err := welcomeText.Execute(&plain, data); err != nil {
		return fmt.Errorf("render welcome text: %w", err)
	}

	subject := fmt.Sprintf("Sua assinatura %s está ativa", msg.PlanName)
	return m.send(ctx, msg.To, msg.Name, subject, plain.String(), html.String())
}

func (m *Mailer) send(ctx context.Context, toEmail, toName, subject, plain, html string) error {
	if !m.liveSend {
		m.logger.Info("email not sent (log-only mode)",
			subscription.F("to", toEmail),
			subscription.F("subject", subject),
		)
		return nil
	}

	message := mail.NewSingleEmail(m.from, subject, mail.NewEmail(toName, toEmail), plain, html)
	response, err := m.sender.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		m.logger.Error("sendgrid rejected email",
			subscription.F("status", response.StatusCode),
			subscription.F("body", response.Body),
		)
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	m.logger.Info("email sent",
		subscription.F("to", toEmail),
		subscription.F("status", response.StatusCode),
	)
	return nil
}
