package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"rental-hunter/models"
)

// EmailConfig configures the SMTP channel
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Password string
	To       []string
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// smtpAccount is the sending account shared by the email channel and
// landlord inquiries
type smtpAccount struct {
	addr     string
	host     string
	from     string
	password string
	send     sendMailFunc
	now      func() time.Time
}

func newSMTPAccount(host string, port int, from, password string) (*smtpAccount, error) {
	if from == "" || password == "" {
		return nil, fmt.Errorf("email sender and app password are required")
	}
	a := &smtpAccount{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     from,
		password: password,
		now:      time.Now,
	}
	a.send = a.sendMail
	return a, nil
}

// envelope is one outgoing plain-text message
type envelope struct {
	fromName string
	to       []string
	replyTo  string
	subject  string
	body     string
}

// Email sends listings as plain-text mail over SMTP with STARTTLS
type Email struct {
	*smtpAccount
	to []string
}

// NewEmail creates the email channel
func NewEmail(cfg EmailConfig) (*Email, error) {
	account, err := newSMTPAccount(cfg.Host, cfg.Port, cfg.From, cfg.Password)
	if err != nil {
		return nil, err
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("email recipients are required")
	}
	return &Email{smtpAccount: account, to: cfg.To}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, listing models.Listing, policy RenderPolicy) error {
	msg := Render(listing, policy)

	lines := append([]string{}, msg.Lines...)
	if msg.URL != "" {
		lines = append(lines, "", msg.URL)
	}
	if msg.ImageURL != "" {
		lines = append(lines, msg.ImageURL)
	}

	return e.deliver(ctx, "New rental: "+msg.Title, strings.Join(lines, "\n"))
}

func (e *Email) Test(ctx context.Context) error {
	body := fmt.Sprintf("This is a test email from Rental Hunter.\n\nIf you received this, your email configuration is working correctly!\n\nSMTP Server: %s\nFrom: %s", e.addr, e.from)
	return e.deliver(ctx, "Rental Hunter - Test Email", body)
}

func (e *Email) deliver(ctx context.Context, subject, body string) error {
	return e.sendEnvelope(ctx, envelope{fromName: "Rental Hunter", to: e.to, subject: subject, body: body})
}

func (a *smtpAccount) sendEnvelope(ctx context.Context, env envelope) error {
	auth := smtp.PlainAuth("", a.from, a.password, a.host)
	if err := a.send(ctx, a.addr, auth, a.from, env.to, a.compose(env)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// sendMail is smtp.SendMail bound to ctx: the connection is closed when ctx
// ends, so a timed out send never completes later.
func (a *smtpAccount) sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) (err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
	}()

	c, err := smtp.NewClient(conn, a.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: a.host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (a *smtpAccount) compose(env envelope) []byte {
	var b bytes.Buffer
	from := mail.Address{Name: env.fromName, Address: a.from}
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(env.to, ", "))
	if env.replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", env.replyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.subject))
	fmt.Fprintf(&b, "Date: %s\r\n", a.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(env.body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
