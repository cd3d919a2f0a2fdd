package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Notifier pushes trade and run notifications through Pushover. Delivery is
// best-effort: every decision lands in notification_events, and failures
// never propagate to the caller.
type Notifier struct {
	token      string
	user       string
	baseURL    string
	httpClient *http.Client
	store      *store.Store
}

// Config configures the notifier.
type Config struct {
	Token   string
	User    string
	BaseURL string // test override
}

// New builds the notifier. Missing credentials disable sends; decisions are
// still recorded as skipped.
func New(cfg Config, s *store.Store) *Notifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.pushover.net"
	}
	return &Notifier{
		token:      cfg.Token,
		user:       cfg.User,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		store:      s,
	}
}

// Enabled reports whether credentials are configured. Nil notifiers are
// permanently disabled.
func (n *Notifier) Enabled() bool {
	return n != nil && n.token != "" && n.user != ""
}

// Notify sends one message. action names what triggered it (trade_executed,
// run_failed, confirmation_expired). runID may be empty.
func (n *Notifier) Notify(ctx context.Context, action, title, message string, runID string) {
	if n == nil {
		return
	}
	event := &store.NotificationEvent{
		ID:      symbols.NewID("notif"),
		Channel: "pushover",
		Action:  action,
	}
	if runID != "" {
		event.RunID = &runID
	}

	if !n.Enabled() {
		event.Status = "skipped"
		n.record(ctx, event)
		return
	}

	if err := n.send(ctx, title, message); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Push notification failed")
		event.Status = "failed"
		msg := err.Error()
		event.ErrorText = &msg
		n.record(ctx, event)
		return
	}

	log.Debug().Str("action", action).Str("title", title).Msg("Push notification sent")
	event.Status = "sent"
	n.record(ctx, event)
}

func (n *Notifier) send(ctx context.Context, title, message string) error {
	form := url.Values{
		"token":   {n.token},
		"user":    {n.user},
		"title":   {title},
		"message": {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/1/messages.json", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pushover returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) record(ctx context.Context, event *store.NotificationEvent) {
	if n.store == nil {
		return
	}
	if err := n.store.InsertNotificationEvent(ctx, event); err != nil {
		log.Warn().Err(err).Msg("Failed to record notification event")
	}
}
