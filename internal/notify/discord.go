package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DiscordAPI = "https://discord.com/api/v10"

	maxDiscordContent = 1900
	maxDiscordRetries = 4
	minRetryAfter     = 200 * time.Millisecond
)

var ErrDiscordRateLimited = errors.New("discord rate limit: max retries reached")

type DiscordSender interface {
	SendDM(ctx context.Context, token, userID, content string) error
}

// DiscordClient sends direct messages through the Discord REST API.
type DiscordClient struct {
	BaseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewDiscordClient() *DiscordClient {
	return &DiscordClient{
		BaseURL: DiscordAPI,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

type discordStatusError struct {
	op     string
	status int
	body   string
}

func (e *discordStatusError) Error() string {
	return fmt.Sprintf("discord %s failed: %d %s", e.op, e.status, e.body)
}

// SendDM opens the DM channel with the user and posts content, truncated to 1900 characters.
// HTTP 429 answers are retried after the advertised retry_after.
func (c *DiscordClient) SendDM(ctx context.Context, token, userID, content string) error {
	token, userID = strings.TrimSpace(token), strings.TrimSpace(userID)
	if token == "" {
		return errors.New("missing Discord bot token")
	}
	if userID == "" {
		return errors.New("missing recipient discord user id")
	}
	if content == "" {
		return nil
	}

	var channel struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, token, "/users/@me/channels", map[string]string{"recipient_id": userID}, "DM channel create", &channel); err != nil {
		return err
	}
	if channel.ID == "" {
		return errors.New("no channel id returned by Discord")
	}

	if runes := []rune(content); len(runes) > maxDiscordContent {
		content = string(runes[:maxDiscordContent])
	}
	return c.post(ctx, token, "/channels/"+channel.ID+"/messages", map[string]string{"content": content}, "message send", nil)
}

func (c *DiscordClient) post(ctx context.Context, token, path string, payload any, op string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for range maxDiscordRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("discord %s: %w", op, err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if err := sleep(ctx, retryAfter(data)); err != nil {
				return err
			}
			continue
		case resp.StatusCode >= 300:
			return &discordStatusError{op: op, status: resp.StatusCode, body: string(data)}
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode discord %s response: %w", op, err)
			}
		}
		return nil
	}
	return ErrDiscordRateLimited
}

func retryAfter(body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	d := time.Second
	if json.Unmarshal(body, &payload) == nil && payload.RetryAfter > 0 {
		d = time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return max(d, minRetryAfter)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
