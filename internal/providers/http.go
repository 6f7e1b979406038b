package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const maxBodySize = 16 << 20

// StatusError is an HTTP response with a status of 400 or more.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

// UnreachableError is returned when no candidate URL gave an HTTP response.
type UnreachableError struct {
	Provider string
	Attempts []string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s unreachable via any URL. Attempts: %s", e.Provider, strings.Join(e.Attempts, ", "))
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
}

// client sends requests to the first candidate base URL that answers.
type client struct {
	name    string
	cfg     Config
	http    *http.Client
	timeout time.Duration
	headers func(h http.Header)
}

func newClient(name string, cfg Config, hc *http.Client, timeout time.Duration, headers func(h http.Header)) *client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &client{name: name, cfg: cfg, http: hc, timeout: timeout, headers: headers}
}

func (c *client) do(ctx context.Context, r request) ([]byte, error) {
	if err := c.cfg.validate(c.name); err != nil {
		return nil, err
	}

	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	var attempts []string
	for _, base := range c.cfg.CandidateBases() {
		target := base + r.path
		if len(r.query) > 0 {
			target += "?" + r.query.Encode()
		}

		body, err := c.send(ctx, r.method, target, payload)
		if err == nil {
			return body, nil
		}
		var se *StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Debug().Err(err).Str("provider", c.name).Str("url", base+r.path).Msg("Server URL failed")
		attempts = append(attempts, fmt.Sprintf("%s %s -> %v", r.method, base+r.path, err))
	}
	return nil, &UnreachableError{Provider: c.name, Attempts: attempts}
}

func (c *client) send(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.headers(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			return nil, ue.Err
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Method: method, URL: stripQuery(target), StatusCode: resp.StatusCode}
	}
	return body, nil
}

// stripQuery keeps tokens out of error messages.
func stripQuery(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
