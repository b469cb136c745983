package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is a non-2xx reply from a collaborator.
type StatusError struct {
	Provider string
	Path     string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider=%s path=%s status=%d", e.Provider, e.Path, e.Status)
}

// Transient reports whether the request may succeed when retried.
func (e *StatusError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient classifies collaborator errors. Network errors, timeouts, an
// open breaker, 429 and 5xx are transient; other statuses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

type httpClient struct {
	name    string
	baseURL string
	client  *http.Client
	br      *MicroBreaker
}

func newHTTPClient(name, baseURL string, timeoutMs, failThreshold, openForMs int) httpClient {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if openForMs <= 0 {
		openForMs = 15000
	}

	return httpClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:      NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

// do sends body (when non-nil) as JSON and decodes a 2xx reply into out.
func (c httpClient) do(ctx context.Context, method, path string, body, out any) error {
	return c.br.run(func() error {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			rd = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return err
		}
		if res.StatusCode/100 != 2 {
			return &StatusError{Provider: c.name, Path: path, Status: res.StatusCode, Body: string(raw)}
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	}, IsTransient)
}
