// Package notify delivers best-effort notifications: live low-time warnings
// to websocket listeners and low-balance text messages to callers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"callmeter/internal/billing"
)

const (
	MessageLowTimeWarning = "lowTimeWarning"

	DefaultLowBalanceText = "Your calling balance is running low. Top up now to avoid being cut off."
)

var (
	ErrNoListeners   = errors.New("notify: no listeners for call")
	ErrHubClosed     = errors.New("notify: hub closed")
	ErrBroadcastFull = errors.New("notify: broadcast queue full")
)

type Broadcaster interface {
	Broadcast(msgType, callID string, data any) error
	Listeners(callID string) int
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LowTimeWarning is the payload of a lowTimeWarning message. AudioURL is the
// clip the listener plays to the callee.
type LowTimeWarning struct {
	CallID           string `json:"callId"`
	Caller           string `json:"caller"`
	RemainingMinutes int    `json:"remainingMinutes"`
	AudioURL         string `json:"audioUrl,omitempty"`
}

// Dispatcher implements billing.Notifier.
type Dispatcher struct {
	hub            Broadcaster
	sms            SMSSender
	audioURL       string
	lowBalanceText string
	logger         *slog.Logger
}

var _ billing.Notifier = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithWarningAudioURL(url string) Option {
	return func(d *Dispatcher) {
		d.audioURL = strings.TrimSpace(url)
	}
}

func WithLowBalanceText(text string) Option {
	return func(d *Dispatcher) {
		if t := strings.TrimSpace(text); t != "" {
			d.lowBalanceText = t
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDispatcher(hub Broadcaster, sms SMSSender, opts ...Option) (*Dispatcher, error) {
	if hub == nil {
		return nil, errors.New("notify: broadcaster must not be nil")
	}
	if sms == nil {
		return nil, errors.New("notify: sms sender must not be nil")
	}
	d := &Dispatcher{
		hub:            hub,
		sms:            sms,
		lowBalanceText: DefaultLowBalanceText,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// SendLowTimeWarning pushes a warning to the listeners of the call. It fails
// with ErrNoListeners when nobody is connected to hear it.
func (d *Dispatcher) SendLowTimeWarning(ctx context.Context, target billing.Target, remainingMinutes int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.hub.Listeners(target.CallID) == 0 {
		return ErrNoListeners
	}
	err := d.hub.Broadcast(MessageLowTimeWarning, target.CallID, LowTimeWarning{
		CallID:           target.CallID,
		Caller:           target.Caller,
		RemainingMinutes: remainingMinutes,
		AudioURL:         d.audioURL,
	})
	if err != nil {
		return fmt.Errorf("notify: low-time warning: %w", err)
	}
	d.logger.Debug("low-time warning queued", "call_id", target.CallID, "remaining_minutes", remainingMinutes)
	return nil
}

// SendLowBalanceMessage texts the caller a top-up reminder.
func (d *Dispatcher) SendLowBalanceMessage(ctx context.Context, caller string) error {
	if strings.TrimSpace(caller) == "" {
		return errors.New("notify: caller is required")
	}
	if err := d.sms.SendSMS(ctx, caller, d.lowBalanceText); err != nil {
		return fmt.Errorf("notify: low-balance message: %w", err)
	}
	return nil
}
