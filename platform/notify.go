package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/furanomi/furanomi-sw/worker"
)

// sender is the part of a shoutrrr router the notifier uses.
type sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrNotifier displays notifications through shoutrrr services
// (ntfy, Slack, Telegram, ...).
type ShoutrrrNotifier struct {
	sender sender
	logger *slog.Logger
}

// NewShoutrrrNotifier creates a notifier delivering to every service URL.
func NewShoutrrrNotifier(urls []string, logger *slog.Logger) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, errors.New("no notification URLs configured")
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("creating notification sender: %w", err)
	}
	return newShoutrrrNotifier(s, logger), nil
}

func newShoutrrrNotifier(s sender, logger *slog.Logger) *ShoutrrrNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShoutrrrNotifier{sender: s, logger: logger.With("component", "notifier")}
}

// ShowNotification sends the notification to every configured service.
func (n *ShoutrrrNotifier) ShowNotification(_ context.Context, title string, opts worker.NotificationOptions) error {
	message := opts.Body
	if u, ok := opts.Data["url"].(string); ok && u != "" {
		message = strings.TrimSpace(message + "\n" + u)
	}
	errs := n.sender.Send(message, &types.Params{"title": title})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	n.logger.Debug("notification sent", "title", title)
	return nil
}

// Close is a no-op: delivered messages cannot be withdrawn.
func (n *ShoutrrrNotifier) Close(context.Context, worker.Notification) error {
	return nil
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) ShowNotification(_ context.Context, title string, opts worker.NotificationOptions) error {
	n.logger.Info("notification", "title", title, "body", opts.Body, "tag", opts.Tag)
	return nil
}

func (n *LogNotifier) Close(_ context.Context, notif worker.Notification) error {
	n.logger.Debug("notification closed", "title", notif.Title, "tag", notif.Tag)
	return nil
}

// Notifiers fans notifications out to several sinks. Every sink is
// tried; failures are joined.
type Notifiers []worker.Notifications

func (ns Notifiers) ShowNotification(ctx context.Context, title string, opts worker.NotificationOptions) error {
	var errs []error
	for _, n := range ns {
		if err := n.ShowNotification(ctx, title, opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ns Notifiers) Close(ctx context.Context, notif worker.Notification) error {
	var errs []error
	for _, n := range ns {
		if err := n.Close(ctx, notif); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ worker.Notifications = (*ShoutrrrNotifier)(nil)
	_ worker.Notifications = (*LogNotifier)(nil)
	_ worker.Notifications = Notifiers(nil)
)
