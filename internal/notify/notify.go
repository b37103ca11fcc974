// Package notify delivers operator alerts by email and webhook.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notifier sends one alert. Implementations must not retry internally.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipient, subject, body string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, recipient, subject, body string) error {
	return f(ctx, recipient, subject, body)
}

// Nop discards every alert.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string, string, string) error { return nil }

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify sends to all notifiers even if some fail.
func (m Multi) Notify(ctx context.Context, recipient, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch sends best-effort: a failure is logged and reported as false,
// never returned. A nil notifier is treated as Nop.
func Dispatch(ctx context.Context, log *zap.Logger, n Notifier, recipient, subject, body string) bool {
	if n == nil {
		return false
	}
	if err := n.Notify(ctx, recipient, subject, body); err != nil {
		log.Error("notify: failed to send alert",
			zap.String("subject", subject),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		return false
	}
	log.Info("notify: alert sent",
		zap.String("subject", subject),
		zap.String("recipient", recipient),
	)
	return true
}
