package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

// Notification defaults used when a push carries no usable payload.
const (
	DefaultTitle = "ふらのみ"
	DefaultBody  = "新しいお知らせがあります"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/icon-72x72.png"
	DefaultURL   = "/"
)

// Payload is the JSON body of a push message. All fields are optional.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon"`
	Badge string         `json:"badge"`
	Tag   string         `json:"tag"`
	Data  map[string]any `json:"data"`
}

// DefaultNotification returns the notification shown for an empty or
// unreadable push.
func DefaultNotification() worker.Notification {
	return worker.Notification{
		Title: DefaultTitle,
		NotificationOptions: worker.NotificationOptions{
			Body:  DefaultBody,
			Icon:  DefaultIcon,
			Badge: DefaultBadge,
			Data:  map[string]any{},
		},
	}
}

// ParsePayload merges a push payload over the defaults. ok is false when
// data was present but not a JSON object.
func ParsePayload(data []byte) (n worker.Notification, ok bool) {
	n = DefaultNotification()
	if len(data) == 0 {
		return n, true
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return n, false
	}
	if p.Title != "" {
		n.Title = p.Title
	}
	if p.Body != "" {
		n.Body = p.Body
	}
	if p.Icon != "" {
		n.Icon = p.Icon
	}
	if p.Badge != "" {
		n.Badge = p.Badge
	}
	n.Tag = p.Tag
	if p.Data != nil {
		n.Data = p.Data
	}
	return n, true
}

// TargetURL returns the page a notification click should open.
func TargetURL(n worker.Notification) string {
	if u, ok := n.Data["url"].(string); ok && u != "" {
		return u
	}
	return DefaultURL
}

// Handler displays pushed notifications and routes clicks to pages.
type Handler struct {
	platform worker.Platform
	logger   *slog.Logger
}

// NewHandler creates a Handler using the platform's notifications and
// clients.
func NewHandler(p worker.Platform, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{platform: p, logger: logger.With("component", "push")}
}

// Register installs the handler on w.
func (h *Handler) Register(w *worker.Worker) {
	w.OnPush(h.HandlePush)
	w.OnNotificationClick(h.HandleNotificationClick)
}

// HandlePush shows a notification for the push. The event stays open
// until the display call returns.
func (h *Handler) HandlePush(ev *worker.PushEvent) {
	n, ok := ParsePayload(ev.Data)
	outcome := "displayed"
	if !ok {
		h.logger.Warn("unreadable push payload, showing default notification", "bytes", len(ev.Data))
		outcome = "defaulted"
	}

	ev.WaitUntil(func(ctx context.Context) error {
		if h.platform.Notifications == nil {
			telemetry.RecordPushEvent(ctx, "failed")
			return errors.New("push: platform has no notifications")
		}
		if err := h.platform.Notifications.ShowNotification(ctx, n.Title, n.NotificationOptions); err != nil {
			telemetry.RecordPushEvent(ctx, "failed")
			return fmt.Errorf("showing notification: %w", err)
		}
		telemetry.RecordPushEvent(ctx, outcome)
		return nil
	})
}

// HandleNotificationClick closes the notification and brings its target
// page forward: an open window is focused and navigated, otherwise a new
// window is opened.
func (h *Handler) HandleNotificationClick(ev *worker.NotificationClickEvent) {
	target := TargetURL(ev.Notification)

	ev.WaitUntil(func(ctx context.Context) error {
		if h.platform.Notifications != nil {
			if err := h.platform.Notifications.Close(ctx, ev.Notification); err != nil {
				h.logger.Warn("failed to close notification", "error", err)
			}
		}
		if h.platform.Clients == nil {
			telemetry.RecordNotificationClick(ctx, "failed")
			return errors.New("push: platform has no clients")
		}

		action, err := h.focusOrOpen(ctx, target)
		telemetry.RecordNotificationClick(ctx, action)
		return err
	})
}

func (h *Handler) focusOrOpen(ctx context.Context, target string) (string, error) {
	clients, err := h.platform.Clients.MatchAll(ctx, worker.ClientQuery{
		Type:                worker.ClientTypeWindow,
		IncludeUncontrolled: true,
	})
	if err != nil {
		h.logger.Warn("failed to list clients, opening a window", "error", err)
	}

	for _, c := range clients {
		wc, ok := c.(worker.WindowClient)
		if !ok {
			continue
		}
		if err := wc.Focus(ctx); err != nil {
			return "failed", fmt.Errorf("focusing client %s: %w", wc.ID(), err)
		}
		if err := wc.Navigate(ctx, target); err != nil {
			return "failed", fmt.Errorf("navigating client %s: %w", wc.ID(), err)
		}
		return "navigated", nil
	}

	if _, err := h.platform.Clients.OpenWindow(ctx, target); err != nil {
		return "failed", fmt.Errorf("opening window: %w", err)
	}
	return "opened", nil
}
