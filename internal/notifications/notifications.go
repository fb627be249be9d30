// Package notifications fans chat messages out to the configured channels.
package notifications

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

// Button is one inline choice attached to a message. Data comes back to the
// bot when the button is pressed.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Notifier pushes messages to a human.
type Notifier interface {
	Notify(ctx context.Context, text string) error
	// Ask sends a message with buttons; the answer arrives asynchronously.
	Ask(ctx context.Context, text string, buttons []Button) error
}

// Multi sends every message to all of its notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Ask(ctx context.Context, text string, buttons []Button) error {
	var errs []error
	for _, n := range m {
		if err := n.Ask(ctx, text, buttons); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the application log. It is always part of the
// fan-out so nothing pushed to chat is lost when Telegram is down or disabled.
type Log struct{}

func (Log) Notify(_ context.Context, text string) error {
	log.Info().Str("channel", "notify").Msg(text)
	return nil
}

func (Log) Ask(_ context.Context, text string, buttons []Button) error {
	data := make([]string, 0, len(buttons))
	for _, b := range buttons {
		data = append(data, b.Data)
	}
	log.Info().Str("channel", "ask").Str("buttons", strings.Join(data, ",")).Msg(text)
	return nil
}
