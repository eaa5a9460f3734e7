package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
	"github.com/svetliomitev/miniclouds-sub000/pkg/retry"
)

// StatsEventType is the SSE event name carrying a stats payload.
const StatsEventType = "stats"

// StatsStream subscribes to the server's event stream and decodes stats events.
type StatsStream struct {
	client     *Client
	httpClient *http.Client
	backoff    retry.Config
}

// NewStatsStream creates a stream bound to the client's server and token.
func NewStatsStream(c *Client) *StatsStream {
	return &StatsStream{
		client: c,
		httpClient: &http.Client{
			Timeout:   0, // No timeout for SSE
			Transport: c.httpClient.Transport,
		},
		backoff: retry.StreamConfig(),
	}
}

// WithBackoff overrides the reconnect policy.
func (s *StatsStream) WithBackoff(cfg retry.Config) *StatsStream {
	s.backoff = cfg
	return s
}

// Subscribe connects and returns a channel of stats. The channel is closed
// when ctx is done or the reconnect policy gives up.
func (s *StatsStream) Subscribe(ctx context.Context) <-chan protocol.Stats {
	out := make(chan protocol.Stats, 16)

	go func() {
		defer close(out)
		err := retry.Do(ctx, s.backoff, func() error {
			err := s.connect(ctx, out)
			if ctx.Err() != nil {
				return nil
			}
			return retry.Retryable(err)
		}, func(attempt int, wait time.Duration, err error) {
			logging.Warn("stats stream disconnected",
				logging.Err(err), logging.Int("attempt", attempt), logging.Duration("reconnect_in", wait))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error("stats stream stopped", logging.Err(err))
		}
	}()

	return out
}

func (s *StatsStream) connect(ctx context.Context, out chan<- protocol.Stats) error {
	url := s.client.baseURL + "/api/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.client.applyAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	logging.Info("stats stream connected", logging.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 && (eventType == "" || eventType == StatsEventType) {
				s.dispatch(ctx, data.String(), out)
			}
			eventType = ""
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}

func (s *StatsStream) dispatch(ctx context.Context, data string, out chan<- protocol.Stats) {
	var sr protocol.StatsResponse
	if err := json.Unmarshal([]byte(data), &sr); err != nil || sr.Stats == nil {
		// Bare stats object without the envelope.
		var st protocol.Stats
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			logging.Debug("stats event dropped (malformed)", logging.String("data", preview([]byte(data))))
			return
		}
		sr.Stats = &st
	}

	select {
	case out <- *sr.Stats:
	case <-ctx.Done():
	}
}
