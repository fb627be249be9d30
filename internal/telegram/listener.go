package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Update is the part of a Telegram update the bot reads.
type Update struct {
	UpdateID int      `json:"update_id"`
	Message  *Message `json:"message"`
	Callback *struct {
		ID      string   `json:"id"`
		Data    string   `json:"data"`
		From    User     `json:"from"`
		Message *Message `json:"message"`
	} `json:"callback_query"`
}

type Message struct {
	Text string `json:"text"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From User `json:"from"`
}

type User struct {
	Username string `json:"username"`
}

// Handler answers commands and button presses. The returned text is sent
// back to the chat; an empty reply sends nothing.
type Handler interface {
	HandleCommand(ctx context.Context, text string) string
	HandleCallback(ctx context.Context, data string) string
}

const (
	pollTimeout = 50 // seconds, held open by Telegram
	retryDelay  = 5 * time.Second
	maxCommands = 4 // commands running at once
)

// Listen long-polls for updates until ctx is done. Updates from any chat
// other than the configured one are dropped without an answer. Commands run
// in the background so a slow one never holds up a button press; Listen
// waits for them before returning.
func (c *Client) Listen(ctx context.Context, h Handler) {
	log.Info().Msg("telegram listener started")
	// The long poll outlives the default client timeout.
	poller := *c
	poller.http = c.pollClient()
	offset := 0
	var commands errgroup.Group
	commands.SetLimit(maxCommands)

	for ctx.Err() == nil {
		var updates []Update
		err := poller.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         pollTimeout,
			"allowed_updates": []string{"message", "callback_query"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn().Err(err).Msg("telegram poll failed")
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			c.dispatch(ctx, h, u, &commands)
		}
	}
	commands.Wait()
	log.Info().Msg("telegram listener stopped")
}

func (c *Client) dispatch(ctx context.Context, h Handler, u Update, commands *errgroup.Group) {
	switch {
	case u.Callback != nil:
		cb := u.Callback
		if cb.Message == nil || cb.Message.Chat.ID != c.chatID {
			log.Warn().Str("user", cb.From.Username).Msg("unauthorized callback ignored")
			return
		}
		log.Info().Str("data", cb.Data).Msg("callback received")
		reply := h.HandleCallback(ctx, cb.Data)
		if err := c.answerCallback(ctx, cb.ID, ""); err != nil {
			log.Warn().Err(err).Msg("answer callback failed")
		}
		c.reply(ctx, reply)
	case u.Message != nil:
		m := u.Message
		if m.Chat.ID != c.chatID {
			log.Warn().Str("user", m.From.Username).Int64("chat", m.Chat.ID).Str("text", m.Text).Msg("unauthorized access attempt")
			return
		}
		text := strings.TrimSpace(m.Text)
		if !strings.HasPrefix(text, "/") {
			return
		}
		log.Info().Str("command", text).Msg("command received")
		commands.Go(func() error {
			c.reply(ctx, h.HandleCommand(ctx, text))
			return nil
		})
	}
}

func (c *Client) reply(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := c.Notify(ctx, text); err != nil {
		log.Error().Err(err).Msg("telegram reply failed")
	}
}
