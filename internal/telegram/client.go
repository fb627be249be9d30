// Package telegram talks to the Telegram Bot API: plain notifications,
// messages with inline buttons and a long-poll listener for commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"hodl_index/internal/ratelimit"

	"github.com/rs/zerolog/log"
)

const DefaultBaseURL = "https://api.telegram.org"

// Telegram allows about one message per second into a single chat.
const (
	sendBurst = 3
	sendRate  = 1.0
)

// Client is bound to one bot token and one authorized chat.
type Client struct {
	token   string
	chatID  int64
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
}

type Options struct {
	Token   string
	ChatID  int64
	BaseURL string
	Timeout time.Duration
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		token:   opts.Token,
		chatID:  opts.ChatID,
		baseURL: opts.BaseURL,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: ratelimit.New(),
	}
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call posts a JSON payload to a Bot API method and decodes the result.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the token; never let it reach the log.
		return fmt.Errorf("telegram %s: request failed", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("telegram %s: status %d: decode: %w", method, resp.StatusCode, err)
	}
	if !ar.Ok {
		return fmt.Errorf("telegram %s: %s (code %d)", method, ar.Description, ar.ErrorCode)
	}
	if out != nil {
		return json.Unmarshal(ar.Result, out)
	}
	return nil
}

func (c *Client) chat() string {
	return strconv.FormatInt(c.chatID, 10)
}

// Notify sends a Markdown message to the authorized chat.
func (c *Client) Notify(ctx context.Context, text string) error {
	if err := c.limiter.Wait(ctx, "send", sendBurst, sendRate); err != nil {
		return err
	}
	log.Debug().Str("text", text).Msg("telegram notify")
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    c.chat(),
		"text":       text,
		"parse_mode": "Markdown",
	}, nil)
}

func (c *Client) pollClient() *http.Client {
	return &http.Client{Timeout: time.Duration(pollTimeout+10) * time.Second}
}
