package telegram

import (
	"context"

	"hodl_index/internal/notifications"
)

// Ask sends a message with one row of inline buttons.
func (c *Client) Ask(ctx context.Context, text string, buttons []notifications.Button) error {
	if err := c.limiter.Wait(ctx, "send", sendBurst, sendRate); err != nil {
		return err
	}
	keyboard := map[string]any{
		"inline_keyboard": [][]notifications.Button{buttons},
	}
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      c.chat(),
		"text":         text,
		"parse_mode":   "Markdown",
		"reply_markup": keyboard,
	}, nil)
}

func (c *Client) answerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}
