package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamEvent is one event read from the SSE notification stream
type StreamEvent struct {
	Event string
	Data  json.RawMessage
}

// StreamOptions configures a Stream
type StreamOptions struct {
	// URL is the stream endpoint, e.g. https://host/realtime/events
	URL string
	// Token is the bearer token
	Token string

	// HTTPClient defaults to a client without timeout; SSE responses never
	// complete
	HTTPClient *http.Client

	// BackoffMin defaults to 1s, BackoffMax to 30s
	BackoffMin time.Duration
	BackoffMax time.Duration

	// OnEvent receives every stream event
	OnEvent func(StreamEvent)
}

// Stream reads the SSE notification stream, reconnecting with the same
// backoff schedule as the WebSocket client
type Stream struct {
	opts StreamOptions
}

// NewStream creates a stream reader. Run starts it.
func NewStream(opts StreamOptions) *Stream {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Stream{opts: opts}
}

// Run consumes the stream until the context is cancelled, reconnecting on
// failure. A successfully opened stream restarts the backoff schedule from
// the minimum, no matter how long the connection lasted.
func (s *Stream) Run(ctx context.Context) error {
	bo := newBackoff(s.opts.BackoffMin, s.opts.BackoffMax)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		opened, err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			bo.reset()
		}

		delay := bo.next()
		log.Warn().Err(err).Int("attempt", bo.attempts).Dur("retry_in", delay).Msg("Notification stream lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consume reads one connection's worth of the stream. The boolean reports
// whether the stream was actually opened, so the caller can reset its
// backoff even when the connection later drops.
func (s *Stream) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	return true, parseStream(bufio.NewScanner(resp.Body), s.opts.OnEvent)
}

// parseStream reads SSE frames off a scanner. An event is emitted at each
// blank line; comment lines (heartbeats) are ignored.
func parseStream(scanner *bufio.Scanner, onEvent func(StreamEvent)) error {
	var event StreamEvent
	var data strings.Builder

	flush := func() {
		if event.Event == "" && data.Len() == 0 {
			return
		}
		event.Data = json.RawMessage(data.String())
		if onEvent != nil {
			onEvent(event)
		}
		event = StreamEvent{}
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event: "):
			event.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	flush()
	return scanner.Err()
}
