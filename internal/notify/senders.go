package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"dqalarm/internal/config"
	"dqalarm/internal/permanent"
)

// NewSender builds the configured transport.
// Params: notify config and logger for the log sender.
// Returns: sender or an error for an unknown kind.
func NewSender(cfg config.NotifyConfig, logger *slog.Logger) (Sender, error) {
	switch cfg.Sender {
	case config.SenderLog:
		return NewLogSender(logger), nil
	case config.SenderHTTP:
		return NewHTTPSender(cfg.HTTP), nil
	case config.SenderSMTP:
		return NewSMTPSender(cfg.SMTP), nil
	default:
		return nil, fmt.Errorf("unsupported notify sender %q", cfg.Sender)
	}
}

// LogSender writes emails to the logger instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return config.SenderLog }

// Send logs the email.
func (s *LogSender) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("notification",
		"to", email.To,
		"subject", email.Subject,
		"trigger", email.TriggerID,
		"alert_id", email.AlertID,
		"in_alarm", email.InAlarm,
	)
	return nil
}

// HTTPSender posts the email as JSON to a mail relay endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: relay sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates the relay sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	return &HTTPSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

func (s *HTTPSender) Name() string { return config.SenderHTTP }

// Send delivers the JSON payload.
// Returns: transport error, or a permanent error for client-side rejections.
func (s *HTTPSender) Send(ctx context.Context, email Email) error {
	body, err := json.Marshal(email)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode http notify payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	statusErr := unexpectedHTTPStatusError("http notify", response)
	if response.StatusCode >= 400 && response.StatusCode < 500 &&
		response.StatusCode != http.StatusRequestTimeout && response.StatusCode != http.StatusTooManyRequests {
		return permanent.Mark(statusErr)
	}
	return statusErr
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// SMTPSender delivers plain-text emails over SMTP, upgrading with STARTTLS when offered.
type SMTPSender struct {
	cfg config.SMTPNotifier
	now func() time.Time
}

// NewSMTPSender creates the SMTP sender.
func NewSMTPSender(cfg config.SMTPNotifier) *SMTPSender {
	return &SMTPSender{cfg: cfg, now: time.Now}
}

func (s *SMTPSender) Name() string { return config.SenderSMTP }

// Send runs one SMTP transaction.
// Returns: 5xx replies as permanent errors; everything else is retryable.
func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classifySMTPError("smtp greeting", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return classifySMTPError("smtp starttls", err)
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
				return classifySMTPError("smtp auth", err)
			}
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return classifySMTPError("smtp mail from", err)
	}
	if err := client.Rcpt(email.To); err != nil {
		return classifySMTPError("smtp rcpt to", err)
	}
	writer, err := client.Data()
	if err != nil {
		return classifySMTPError("smtp data", err)
	}
	if _, err := writer.Write(s.buildMessage(email)); err != nil {
		_ = writer.Close()
		return classifySMTPError("smtp write body", err)
	}
	if err := writer.Close(); err != nil {
		return classifySMTPError("smtp end data", err)
	}
	if err := client.Quit(); err != nil {
		return classifySMTPError("smtp quit", err)
	}
	return nil
}

func (s *SMTPSender) buildMessage(email Email) []byte {
	var buf bytes.Buffer
	header := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}
	header("From", s.cfg.From)
	header("To", email.To)
	header("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	header("X-DQ-Trigger", email.TriggerID)
	buf.WriteString("\r\n")
	body := strings.ReplaceAll(email.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

func classifySMTPError(step string, err error) error {
	wrapped := fmt.Errorf("%s: %w", step, err)
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 500 {
		return permanent.Mark(wrapped)
	}
	return wrapped
}
