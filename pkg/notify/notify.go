// Package notify implements the notification dispatcher handed to a
// function invocation's context: a thin interface over an application's
// configured notification channel, with a logging-only default
// implementation for applications that haven't configured one.
package notify

import (
	"bytes"
	"context"
	"net/http"

	"github.com/cuemby/hyac/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher sends a single notification on an application's behalf.
type Dispatcher interface {
	Notify(ctx context.Context, event, message string) error
}

// LoggingDispatcher is the default Dispatcher for an application with no
// notification channel configured, or as a fallback when delivery fails:
// it records the notification in the runtime's own log stream rather than
// dropping it silently.
type LoggingDispatcher struct {
	appID  string
	logger zerolog.Logger
}

// NewLoggingDispatcher builds a Dispatcher that only logs.
func NewLoggingDispatcher(appID string, logger zerolog.Logger) *LoggingDispatcher {
	return &LoggingDispatcher{appID: appID, logger: logger}
}

func (d *LoggingDispatcher) Notify(_ context.Context, event, message string) error {
	d.logger.Info().Str("app_id", d.appID).Str("event", event).Msg(message)
	return nil
}

// WebhookDispatcher posts event notifications to an application's
// configured webhook URL, falling back to a LoggingDispatcher on delivery
// failure so a broken webhook never fails the handler invocation that
// triggered the notification.
type WebhookDispatcher struct {
	url      string
	client   *http.Client
	fallback Dispatcher
}

// NewWebhookDispatcher builds a Dispatcher for cfg, or nil if cfg has no
// webhook configured.
func NewWebhookDispatcher(cfg types.NotificationConfig, fallback Dispatcher) Dispatcher {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return fallback
	}
	return &WebhookDispatcher{url: cfg.WebhookURL, client: http.DefaultClient, fallback: fallback}
}

func (d *WebhookDispatcher) Notify(ctx context.Context, event, message string) error {
	body := []byte(`{"event":"` + jsonEscape(event) + `","message":"` + jsonEscape(message) + `"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return d.fallback.Notify(ctx, event, message)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return d.fallback.Notify(ctx, event, message)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return d.fallback.Notify(ctx, event, message)
	}
	return nil
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
