package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gregdel/pushover"

	"github.com/marcus-crane/signpost/config"
)

const deviceName = "signpost"

type Notifier interface {
	Notify(title, message string) error
}

// New returns a Pushover notifier, or one that only logs if Pushover isn't configured
func New(cfg config.PushoverConfig) Notifier {
	if cfg.Token == "" || cfg.Recipient == "" {
		slog.Info("Pushover is not configured, alerts will only be logged")
		return Noop{}
	}
	return &Pushover{
		app:       pushover.New(cfg.Token),
		recipient: pushover.NewRecipient(cfg.Recipient),
		now:       time.Now,
	}
}

type Pushover struct {
	app       *pushover.Pushover
	recipient *pushover.Recipient
	now       func() time.Time
}

func (p *Pushover) Notify(title, message string) error {
	msg := &pushover.Message{
		Message:    message,
		Title:      title,
		Priority:   pushover.PriorityHigh,
		Timestamp:  p.now().Unix(),
		DeviceName: deviceName,
	}
	_, err := p.app.SendMessage(msg, p.recipient)
	if err != nil {
		return fmt.Errorf("failed to send pushover notification: %w", err)
	}
	return nil
}

type Noop struct{}

func (Noop) Notify(title, message string) error {
	slog.Warn(title, slog.String("message", message))
	return nil
}
