package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the receiver firmware's console speed.
	DefaultBaudRate = 115200

	// reconnectDelay is how long a serial source waits before reopening a
	// port after a failed open or a dropped connection.
	reconnectDelay = time.Second

	// serialBufferSize accommodates the largest direct JSON message plus
	// boot noise on the same line.
	serialBufferSize = 64 * 1024
)

// SerialSource reads newline-delimited messages from a directly-attached
// receiver on a serial port. A disconnected or absent port is not fatal: the
// source keeps retrying until its context is cancelled, so receivers may be
// plugged in and unplugged while the engine runs.
type SerialSource struct {
	id       string
	port     string
	baudRate int
	status   StatusFunc
	logger   *slog.Logger
}

// SerialOption configures a SerialSource.
type SerialOption func(s *SerialSource)

// WithSerialLogger sets the logger for the source.
func WithSerialLogger(logger *slog.Logger) SerialOption {
	return func(s *SerialSource) {
		s.logger = logger.With(
			slog.String("source", s.id),
			slog.String("port", s.port),
		)
	}
}

// WithSerialStatus sets the link-state callback.
func WithSerialStatus(fn StatusFunc) SerialOption {
	return func(s *SerialSource) {
		s.status = fn
	}
}

// NewSerialSource creates a serial source with a discard logger. A baud rate
// of zero or less uses the default.
func NewSerialSource(id, port string, baudRate int, options ...SerialOption) *SerialSource {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	s := SerialSource{
		id:       id,
		port:     port,
		baudRate: baudRate,
		status:   func(string, bool) {},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// ID returns the receiver identifier stamped on this source's lines.
func (s *SerialSource) ID() string {
	return s.id
}

// Run opens the port and delivers lines until ctx is cancelled, reopening
// after every failure.
func (s *SerialSource) Run(ctx context.Context, lines chan<- Line) error {
	for {
		err := s.readOnce(ctx, lines)
		if ctx.Err() != nil {
			s.status(s.id, false)
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn(fmt.Sprintf("serial link lost: %s", err.Error()))
		}
		s.status(s.id, false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// readOnce opens the port once and reads until the connection breaks or ctx
// is cancelled.
func (s *SerialSource) readOnce(ctx context.Context, lines chan<- Line) error {
	port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("error opening serial port: %w", err)
	}

	s.logger.Info("serial port opened")
	s.status(s.id, true)

	// Unblock the scanner's pending Read when the engine shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
			port.Close()
		}
	}()

	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 0, serialBufferSize), serialBufferSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		select {
		case lines <- Line{SourceID: s.id, Raw: []byte(line)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("error reading serial port: %w", err)
	}
	return errors.New("serial port closed")
}
