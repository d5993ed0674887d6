package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"changedesk/internal/feed"
	"changedesk/internal/logging"
	"changedesk/internal/protocol"
	"changedesk/internal/retry"
	"changedesk/internal/taskerr"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = time.Second
)

type Options struct {
	URL      string
	Dialer   Dialer
	Feed     *feed.Feed
	Logger   *slog.Logger
	Attempts int
	Delay    time.Duration
	Sleep    func(context.Context, time.Duration) error

	// OnText receives every frame read from the stream.
	OnText func(string)

	// OnResync runs after a reconnect. Missed events are not replayed, so
	// the observer re-fetches here.
	OnResync func(context.Context) error
}

// Connector owns the observer side of the event stream: connect, read,
// reconnect with a bounded budget.
type Connector struct {
	opts   Options
	feed   *feed.Feed
	logger *slog.Logger
}

func NewConnector(opts Options) *Connector {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = RealDialer{}
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	f := opts.Feed
	if f == nil {
		f = feed.New(feed.DefaultSize)
	}
	return &Connector{opts: opts, feed: f, logger: logging.OrDiscard(opts.Logger).With("module", "stream")}
}

// Run blocks until ctx ends (nil) or the reconnect budget is spent
// (TransportError). The budget counts consecutive failed dials and resets on
// every successful connect.
func (c *Connector) Run(ctx context.Context) error {
	failures := 0
	connectedOnce := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		sock, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.logger.Warn("stream dial failed", "attempt", failures, "max_attempts", c.opts.Attempts, "err", err)
			c.feed.Add(feed.Entry{
				Message:  fmt.Sprintf("Connection attempt %d/%d failed", failures, c.opts.Attempts),
				Severity: protocol.SeverityWarning,
				Details:  err.Error(),
			})
			if failures >= c.opts.Attempts {
				c.feed.Add(feed.Entry{
					Message:  "Connection failed",
					Severity: protocol.SeverityError,
					Details:  fmt.Sprintf("gave up after %d attempts; refresh to see current state", failures),
				})
				return taskerr.Wrap(taskerr.KindTransport, "connect event stream", err)
			}
			if err := c.opts.Sleep(ctx, c.opts.Delay*time.Duration(failures)); err != nil {
				return nil
			}
			continue
		}

		if connectedOnce || failures > 0 {
			c.feed.Add(feed.Entry{Message: "Connection restored", Severity: protocol.SeveritySuccess})
			c.resync(ctx)
		} else {
			c.feed.Add(feed.Entry{Message: "Connection established", Severity: protocol.SeverityInfo})
		}
		connectedOnce = true
		failures = 0

		err = c.read(ctx, sock)
		_ = sock.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("stream lost", "err", err)
		c.feed.Add(feed.Entry{Message: "Connection lost, reconnecting", Severity: protocol.SeverityWarning, Details: errString(err)})
	}
}

func (c *Connector) read(ctx context.Context, sock Socket) error {
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			return err
		}
		if c.opts.OnText != nil {
			c.opts.OnText(text)
		}
	}
}

func (c *Connector) resync(ctx context.Context) {
	if c.opts.OnResync == nil {
		return
	}
	if err := c.opts.OnResync(ctx); err != nil {
		c.logger.Warn("resync failed", "err", err)
		c.feed.Add(feed.Entry{Message: "Resync after reconnect failed", Severity: protocol.SeverityError, Details: err.Error()})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsExhausted reports whether err is Run's give-up error.
func IsExhausted(err error) bool {
	return errors.Is(err, taskerr.ErrTransport)
}
