// Package ephys tells the electrophysiology recording rig what the presenter
// is doing, so the recording carries the run id, the pattern file path and
// the start of every presentation group as timestamped text events.
package ephys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrUnavailable is returned when the recording rig does not accept a message.
var ErrUnavailable = errors.New("recording rig not reachable")

// DefaultTimeout bounds each message, matching the rig's own socket timeout.
const DefaultTimeout = 250 * time.Millisecond

// Notifier records run events on the recording rig.
type Notifier interface {
	RecordStart(ctx context.Context, runID, path string) error
	RecordPresentation(ctx context.Context, group string) error
}

// Client sends events to an Open Ephys GUI through its HTTP message endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
	tries   uint
	backoff time.Duration
}

// NewClient returns a client for the rig at baseURL, for example
// http://localhost:37497. A zero timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
		tries:   3,
		backoff: 50 * time.Millisecond,
	}
}

// RecordStart announces the pattern file of a new run.
func (c *Client) RecordStart(ctx context.Context, runID, path string) error {
	if err := c.Send(ctx, fmt.Sprintf("Pattern file saved at: %s.", path)); err != nil {
		return err
	}
	return c.Send(ctx, fmt.Sprintf("Pattern file uuid: %s.", runID))
}

// RecordPresentation announces the start of a presentation group.
func (c *Client) RecordPresentation(ctx context.Context, group string) error {
	return c.Send(ctx, "Starting presentation "+group)
}

// Send delivers one text event. Transport failures and 5xx answers are
// retried a few times; anything else fails at once.
func (c *Client) Send(ctx context.Context, msg string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.MaxInterval = 4 * c.backoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.put(ctx, msg)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.tries))
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnavailable, msg, err)
	}
	c.log.Debug("ephys message sent", slog.String("text", msg))
	return nil
}

func (c *Client) put(ctx context.Context, msg string) error {
	body, err := json.Marshal(map[string]string{"text": msg})
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/message", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// Nop is a Notifier for runs without a recording rig.
type Nop struct{}

func (Nop) RecordStart(context.Context, string, string) error { return nil }

func (Nop) RecordPresentation(context.Context, string) error { return nil }
