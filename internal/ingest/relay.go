package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultRelaySubject is the subject mesh nodes publish detection
	// lines on.
	DefaultRelaySubject = "meshmapper.detections"

	// relayPendingLines bounds the subscription's local delivery buffer.
	relayPendingLines = 1024
)

// RelaySource subscribes to a NATS subject carrying the compact relay wire
// format published by remote mesh nodes. Reconnection is delegated to the
// NATS client; the source only surfaces link-state transitions.
type RelaySource struct {
	id      string
	url     string
	subject string
	status  StatusFunc
	logger  *slog.Logger
}

// RelayOption configures a RelaySource.
type RelayOption func(r *RelaySource)

// WithRelayLogger sets the logger for the source.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *RelaySource) {
		r.logger = logger.With(
			slog.String("source", r.id),
			slog.String("subject", r.subject),
		)
	}
}

// WithRelayStatus sets the link-state callback.
func WithRelayStatus(fn StatusFunc) RelayOption {
	return func(r *RelaySource) {
		r.status = fn
	}
}

// NewRelaySource creates a relay source with a discard logger. An empty
// subject uses the default.
func NewRelaySource(id, url, subject string, options ...RelayOption) *RelaySource {
	if subject == "" {
		subject = DefaultRelaySubject
	}

	r := RelaySource{
		id:      id,
		url:     url,
		subject: subject,
		status:  func(string, bool) {},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// ID returns the relay link identifier. Lines carrying their own node field
// override it during normalization.
func (r *RelaySource) ID() string {
	return r.id
}

// Run connects, subscribes and delivers messages until ctx is cancelled.
func (r *RelaySource) Run(ctx context.Context, lines chan<- Line) error {
	nc, err := nats.Connect(r.url,
		nats.Name(r.id),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ConnectHandler(func(*nats.Conn) {
			r.logger.Info("relay link connected")
			r.status(r.id, true)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			r.logger.Info("relay link reconnected")
			r.status(r.id, true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				r.logger.Warn(fmt.Sprintf("relay link lost: %s", err.Error()))
			}
			r.status(r.id, false)
		}),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return fmt.Errorf("error connecting to relay: %w", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, relayPendingLines)
	sub, err := nc.ChanSubscribe(r.subject, msgs)
	if err != nil {
		return fmt.Errorf("error subscribing to %s: %w", r.subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			r.status(r.id, false)
			return ctx.Err()
		case msg := <-msgs:
			// A node may batch several relay lines in one message.
			for _, raw := range strings.Split(string(msg.Data), "\n") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}

				select {
				case lines <- Line{SourceID: r.id, Raw: []byte(raw)}:
				case <-ctx.Done():
					r.status(r.id, false)
					return ctx.Err()
				}
			}
		}
	}
}
