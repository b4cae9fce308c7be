package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rental-hunter/models"
)

// DefaultNtfyServer is the public ntfy instance
const DefaultNtfyServer = "https://ntfy.sh"

// ntfy priorities
const (
	NtfyPriorityMin     = 1
	NtfyPriorityDefault = 3
	NtfyPriorityHigh    = 4
	NtfyPriorityUrgent  = 5
)

// NtfyConfig configures the ntfy channel
type NtfyConfig struct {
	Server   string
	Topic    string
	Priority int
	Tags     []string
	Client   *http.Client

	// InquiryURL is the public base URL of the status server. When set,
	// notifications carry a button that asks it to email the landlord.
	InquiryURL string
}

// Ntfy publishes listings as push notifications through ntfy's JSON API
type Ntfy struct {
	server   string
	topic    string
	priority int
	tags     []string
	client   *http.Client
	inquiry  string
}

type ntfyMessage struct {
	Topic    string       `json:"topic"`
	Title    string       `json:"title"`
	Message  string       `json:"message"`
	Priority int          `json:"priority,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	Click    string       `json:"click,omitempty"`
	Attach   string       `json:"attach,omitempty"`
	Actions  []ntfyAction `json:"actions,omitempty"`
}

type ntfyAction struct {
	Action string `json:"action"`
	Label  string `json:"label"`
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Clear  bool   `json:"clear,omitempty"`
}

// NewNtfy creates the ntfy channel
func NewNtfy(cfg NtfyConfig) (*Ntfy, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("ntfy topic is required")
	}
	if cfg.Server == "" {
		cfg.Server = DefaultNtfyServer
	}
	if cfg.Priority == 0 {
		cfg.Priority = NtfyPriorityHigh
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"house"}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Ntfy{
		server:   strings.TrimRight(cfg.Server, "/"),
		topic:    cfg.Topic,
		priority: cfg.Priority,
		tags:     cfg.Tags,
		client:   cfg.Client,
		inquiry:  strings.TrimRight(cfg.InquiryURL, "/"),
	}, nil
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Send(ctx context.Context, listing models.Listing, policy RenderPolicy) error {
	msg := Render(listing, policy)
	payload := ntfyMessage{
		Topic:    n.topic,
		Title:    msg.Title,
		Message:  msg.Body(),
		Priority: n.priority,
		Tags:     n.tags,
		Click:    msg.URL,
		Attach:   msg.ImageURL,
	}
	if msg.URL != "" {
		payload.Actions = append(payload.Actions, ntfyAction{Action: "view", Label: "View Listing", URL: msg.URL})
	}
	if n.inquiry != "" {
		payload.Actions = append(payload.Actions, ntfyAction{
			Action: "http",
			Label:  "Send Email",
			URL:    InquiryURL(n.inquiry, listing.Identity()),
			Method: http.MethodPost,
			Clear:  true,
		})
	}
	return n.post(ctx, payload)
}

// InquiryURL is the status server route that emails the landlord of id
func InquiryURL(base string, id models.Identity) string {
	return strings.TrimRight(base, "/") + "/email/" + url.PathEscape(id.SourceID) + "/" + url.PathEscape(id.ExternalID)
}

// Alert pushes a short status message, used to report inquiry outcomes
func (n *Ntfy) Alert(ctx context.Context, title, message string) error {
	return n.post(ctx, ntfyMessage{
		Topic:    n.topic,
		Title:    title,
		Message:  message,
		Priority: NtfyPriorityDefault,
		Tags:     []string{"email"},
	})
}

func (n *Ntfy) Test(ctx context.Context) error {
	return n.post(ctx, ntfyMessage{
		Topic:    n.topic,
		Title:    "Rental Hunter",
		Message:  "Rental Hunter is connected!\n\nYou will receive notifications when new listings match your criteria.",
		Priority: NtfyPriorityDefault,
		Tags:     []string{"bell"},
	})
}

func (n *Ntfy) post(ctx context.Context, payload ntfyMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode ntfy message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.server, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ntfy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy error %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
