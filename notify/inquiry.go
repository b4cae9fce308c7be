package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"rental-hunter/models"
)

var (
	// ErrNoContactEmail is returned for listings without a landlord address
	ErrNoContactEmail = errors.New("listing has no contact email")
	// ErrRateLimited is returned once the hourly inquiry budget is spent
	ErrRateLimited = errors.New("inquiry rate limit reached")
)

// DefaultInquiriesPerHour caps landlord emails so the account is not flagged
const DefaultInquiriesPerHour = 20

const (
	defaultInquirySubject = "Rental Inquiry - {{.Title}}"
	defaultInquiryBody    = `Hello,

I am writing to express my interest in the property you have listed:

{{.Title}}
{{if .Source}}Listed on: {{.Source}}
{{end}}{{.URL}}

I would like to arrange a viewing at your earliest convenience. Please let me know if the property is still available and when would be a suitable time.

Kind regards,
{{.Name}}
{{if .Phone}}Phone: {{.Phone}}
{{end}}{{if .Email}}Email: {{.Email}}
{{end}}`
)

// InquiryConfig configures landlord inquiries. Subject and Body are
// text/template sources; see InquiryData for the fields they can use.
type InquiryConfig struct {
	Host       string
	Port       int
	From       string
	Password   string
	Name       string
	Phone      string
	ReplyTo    string
	Subject    string
	Body       string
	MaxPerHour int
}

// InquiryData is what inquiry templates render from
type InquiryData struct {
	Title  string
	URL    string
	Source string
	Price  string
	Name   string
	Phone  string
	Email  string
}

// Inquiry is a sent landlord email
type Inquiry struct {
	To      string
	Subject string
}

// Inquirer emails landlords about listings from the user's account
type Inquirer struct {
	account *smtpAccount
	name    string
	phone   string
	replyTo string
	subject *template.Template
	body    *template.Template
	limit   *hourlyLimit
}

// NewInquirer creates an inquiry sender
func NewInquirer(cfg InquiryConfig) (*Inquirer, error) {
	account, err := newSMTPAccount(cfg.Host, cfg.Port, cfg.From, cfg.Password)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("inquiry sender name is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultInquirySubject
	}
	if cfg.Body == "" {
		cfg.Body = defaultInquiryBody
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = DefaultInquiriesPerHour
	}
	if cfg.ReplyTo == "" {
		cfg.ReplyTo = cfg.From
	}

	subject, err := template.New("subject").Parse(cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid inquiry subject template: %w", err)
	}
	body, err := template.New("body").Parse(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid inquiry body template: %w", err)
	}

	return &Inquirer{
		account: account,
		name:    cfg.Name,
		phone:   cfg.Phone,
		replyTo: cfg.ReplyTo,
		subject: subject,
		body:    body,
		limit:   &hourlyLimit{max: cfg.MaxPerHour, now: func() time.Time { return account.now() }},
	}, nil
}

// LoadInquiryTemplate reads a template file whose first line may be
// "Subject: ...". The rest of the file is the body.
func LoadInquiryTemplate(path string) (subject, body string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read inquiry template: %w", err)
	}

	text := string(raw)
	first, rest, _ := strings.Cut(text, "\n")
	if line, ok := strings.CutPrefix(first, "Subject:"); ok {
		subject = strings.TrimSpace(line)
		text = rest
	}
	return subject, strings.TrimLeft(text, "\r\n"), nil
}

// Send emails the listing's contact. Only successful sends count against
// the hourly limit.
func (i *Inquirer) Send(ctx context.Context, listing models.Listing) (Inquiry, error) {
	to := strings.TrimSpace(listing.ContactEmail)
	if to == "" {
		return Inquiry{}, ErrNoContactEmail
	}
	if !i.limit.take() {
		return Inquiry{}, ErrRateLimited
	}

	subject, body, err := i.render(listing)
	if err != nil {
		i.limit.refund()
		return Inquiry{}, err
	}

	err = i.account.sendEnvelope(ctx, envelope{
		fromName: i.name,
		to:       []string{to},
		replyTo:  i.replyTo,
		subject:  subject,
		body:     body,
	})
	if err != nil {
		i.limit.refund()
		return Inquiry{}, fmt.Errorf("inquiry to %s: %w", to, err)
	}
	return Inquiry{To: to, Subject: subject}, nil
}

func (i *Inquirer) render(listing models.Listing) (subject, body string, err error) {
	data := InquiryData{
		Title:  listing.Title,
		URL:    listing.URL,
		Source: listing.SourceID,
		Name:   i.name,
		Phone:  i.phone,
		Email:  i.replyTo,
	}
	if listing.Price != nil {
		data.Price = fmt.Sprintf("€%.0f", *listing.Price)
	}

	var b strings.Builder
	if err := i.subject.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("failed to render inquiry subject: %w", err)
	}
	subject = strings.TrimSpace(b.String())

	b.Reset()
	if err := i.body.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("failed to render inquiry body: %w", err)
	}
	return subject, b.String(), nil
}

// hourlyLimit allows max sends per clock hour
type hourlyLimit struct {
	mu     sync.Mutex
	max    int
	count  int
	window time.Time
	now    func() time.Time
}

func (h *hourlyLimit) take() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hour := h.now().Truncate(time.Hour); !hour.Equal(h.window) {
		h.window = hour
		h.count = 0
	}
	if h.count >= h.max {
		return false
	}
	h.count++
	return true
}

func (h *hourlyLimit) refund() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count > 0 {
		h.count--
	}
}
