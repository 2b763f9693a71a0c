// Package actuator invokes the remote endpoint that physically opens a
// door.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Error wraps a failed door call.  Timeout reports whether the call ran
// out of time rather than being refused.
type Error struct {
	Endpoint string
	Status   int
	timeout  bool
	cause    error
}

func (e *Error) Error() string {
	switch {
	case e.timeout:
		return fmt.Sprintf("actuator %s: timed out: %v", e.Endpoint, e.cause)
	case e.Status != 0:
		return fmt.Sprintf("actuator %s: unexpected status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("actuator %s: %v", e.Endpoint, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Timeout() bool { return e.timeout }

// HTTP calls the key's endpoint with the key's method and no body.  Any
// 2xx response is an acknowledgement.
type HTTP struct {
	client    *http.Client
	userAgent string
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	return &HTTP{client: client, userAgent: "keyman-server"}
}

func (a *HTTP) Invoke(ctx context.Context, endpoint, method string) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return &Error{Endpoint: endpoint, cause: err}
	}
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Endpoint: endpoint, timeout: isTimeout(ctx, err), cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Endpoint: endpoint, Status: resp.StatusCode}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Func adapts a plain function to the actuator interface.
type Func func(ctx context.Context, endpoint, method string) error

func (f Func) Invoke(ctx context.Context, endpoint, method string) error {
	return f(ctx, endpoint, method)
}

// Nop acknowledges every call without doing anything.  Used by the dev
// environment when no door hardware is reachable.
type Nop struct{}

func (Nop) Invoke(context.Context, string, string) error { return nil }
