package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// DispatcherConfig tunes outbox delivery.
type DispatcherConfig struct {
	// TestUserID, when set, receives every message instead of its real chat.
	TestUserID string
	// DefaultChatID is used for messages recorded without a chat.
	DefaultChatID string
	BatchSize     int
	MaxLength     int
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Dispatcher drains the notification outbox. A message stays pending until
// every chunk of it was delivered, so a failed send is retried on the next
// run.
type Dispatcher struct {
	store    ports.Store
	notifier ports.Notifier
	cfg      DispatcherConfig
}

// NewDispatcher constructs the outbox dispatcher.
func NewDispatcher(store ports.Store, notifier ports.Notifier, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = MaxMessageLen
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Dispatcher{store: store, notifier: notifier, cfg: cfg}
}

func (d *Dispatcher) Name() string { return "dispatch" }

// Run delivers up to one batch of pending messages.
func (d *Dispatcher) Run(ctx context.Context, _ time.Time) error {
	pending, err := d.store.PendingNotifications(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}

	var failed int
	for _, n := range pending {
		chatID := n.ChatID
		if chatID == "" {
			chatID = d.cfg.DefaultChatID
		}
		if d.cfg.TestUserID != "" {
			chatID = d.cfg.TestUserID
		}
		if err := d.Deliver(ctx, chatID, n.Message); err != nil {
			failed++
			d.warn("notification delivery failed", "notification_id", n.ID, "trigger", n.Trigger, "error", err)
			continue
		}
		if err := d.store.MarkNotificationSent(ctx, n.ID, d.cfg.Clock().UTC()); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d notifications not delivered", failed, len(pending))
	}
	return nil
}

// Deliver sends message to chatID, split into Telegram-sized chunks.
func (d *Dispatcher) Deliver(ctx context.Context, chatID, message string) error {
	if d.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	for i, chunk := range Split(message, d.cfg.MaxLength) {
		if err := d.notifier.Send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("send chunk %d: %w", i+1, err)
		}
	}
	return nil
}

func (d *Dispatcher) warn(msg string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Warn(msg, args...)
	}
}

// LogNotifier writes messages to a logger. It stands in for Telegram when no
// bot token is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ ports.Notifier = LogNotifier{}

func (l LogNotifier) Send(_ context.Context, chatID, message string) error {
	if l.Logger != nil {
		l.Logger.Info("notification", "chat_id", chatID, "message", message)
	}
	return nil
}
