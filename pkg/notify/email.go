package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/beak-insights/BeakDashX/pkg/config"
)

// EmailSender delivers one plain text message to a list of recipients
type EmailSender interface {
	SendEmail(ctx context.Context, recipients []string, subject, body string) error
}

// NewEmailSender builds the sender selected by cfg.Provider
func NewEmailSender(ctx context.Context, cfg config.EmailConfig) (EmailSender, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "smtp":
		return NewSMTPSender(cfg), nil
	case "ses":
		return NewSESSender(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// SMTPSender sends mail through an SMTP relay
type SMTPSender struct {
	cfg  config.SMTPConfig
	from string
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg.SMTP, from: cfg.From}
}

// SendEmail implements EmailSender
func (s *SMTPSender) SendEmail(ctx context.Context, recipients []string, subject, body string) error {
	if s.cfg.Host == "" || s.from == "" {
		return fmt.Errorf("smtp host and sender address are required")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	msg := buildMessage(s.from, recipients, subject, body)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var auth smtp.Auth
	if s.cfg.Password != "" {
		username := s.cfg.Username
		if username == "" {
			username = s.from
		}
		auth = smtp.PlainAuth("", username, s.cfg.Password, s.cfg.Host)
	}

	switch strings.ToLower(s.cfg.Encryption) {
	case "tls", "ssl":
		return s.sendImplicitTLS(ctx, addr, auth, recipients, msg)
	case "starttls", "none", "":
		// smtp.SendMail upgrades with STARTTLS whenever the server offers it
		return smtp.SendMail(addr, auth, s.from, recipients, msg)
	default:
		return fmt.Errorf("unsupported smtp encryption %q", s.cfg.Encryption)
	}
}

func (s *SMTPSender) sendImplicitTLS(ctx context.Context, addr string, auth smtp.Auth, recipients []string, msg []byte) error {
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: s.cfg.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	defer c.Quit()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, r := range recipients {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to open message body: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	return w.Close()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.Bytes()
}

// SESAPI is the part of the SES client used by SESSender
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender sends mail through Amazon SES
type SESSender struct {
	client SESAPI
	from   string
}

// NewSESSender loads the default AWS configuration for the configured region
func NewSESSender(ctx context.Context, cfg config.EmailConfig) (*SESSender, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.SES.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.SES.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg.From), nil
}

// NewSESSenderWithClient wraps an existing SES client
func NewSESSenderWithClient(client SESAPI, from string) *SESSender {
	return &SESSender{client: client, from: from}
}

// SendEmail implements EmailSender
func (s *SESSender) SendEmail(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	input := &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: recipients},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(s.from),
	}
	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}
	return nil
}
