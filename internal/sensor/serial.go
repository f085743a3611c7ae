// Package sensor provides the sources of raw sensor events: a serial bridge
// to the detector board and a replay of recorded or synthetic storm files.
package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.bug.st/serial"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/observability"
)

// Bridge commands. Each is written as one newline-terminated line.
const (
	cmdPoll        = "POLL"
	cmdNoiseUp     = "NOISE+"
	cmdMaskOn      = "MASK 1"
	cmdMaskOff     = "MASK 0"
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

var (
	// ErrNotConnected is returned by commands sent while the serial link is down.
	ErrNotConnected = errors.New("sensor bridge not connected")
	// ErrWriteFailed is returned when a command is only partly written.
	ErrWriteFailed = errors.New("short write to sensor bridge")
)

// Port is the minimal view of a serial port the source needs.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens the serial device at path.
type PortOpener func(path string, mode *serial.Mode) (Port, error)

// OpenSerialPort opens a real serial device.
func OpenSerialPort(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return p, nil
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Path         string
	BaudRate     int
	PollInterval time.Duration
	// Open defaults to OpenSerialPort.
	Open PortOpener
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// SerialSource reads interrupt reports from a microcontroller bridge wired to
// the detector. The bridge writes one line per interrupt or poll result:
//
//	<reason>,<energy>,<distance>
//
// where reason is a name or register value and distance is a sensor code or
// "-". Lines starting with # are bridge log output. The source reconnects with
// exponential backoff when the link drops.
type SerialSource struct {
	path         string
	mode         *serial.Mode
	pollInterval time.Duration
	open         PortOpener
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
	events       chan domain.RawEvent

	mu        sync.Mutex
	port      Port
	onConnect func()
}

// NewSerialSource creates a SerialSource. Call Run to start reading.
func NewSerialSource(cfg SerialConfig, logger *slog.Logger, metrics *observability.Metrics) *SerialSource {
	if cfg.Open == nil {
		cfg.Open = OpenSerialPort
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &SerialSource{
		path: cfg.Path,
		mode: &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		pollInterval: cfg.PollInterval,
		open:         cfg.Open,
		clock:        cfg.Clock,
		logger:       logger,
		metrics:      metrics,
		events:       make(chan domain.RawEvent, 64),
	}
}

// OnConnect registers fn to be called each time the serial link opens. The
// bridge resets the detector when it starts, so register settings are lost
// on every reconnect.
func (s *SerialSource) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// Events returns the event channel. It is closed when Run returns.
func (s *SerialSource) Events() <-chan domain.RawEvent {
	return s.events
}

// Run keeps the serial link open and forwards parsed events until the
// context is cancelled.
func (s *SerialSource) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := initialBackoff
	for {
		port, err := s.open(s.path, s.mode)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("sensor bridge unavailable", "path", s.path, "error", err, "retry_in", backoff)
			if !sleepWithContext(ctx, s.clock, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			s.metrics.SensorReconnects.Inc()
			continue
		}

		s.logger.Info("sensor bridge connected", "path", s.path, "baud_rate", s.mode.BaudRate)
		backoff = initialBackoff
		s.mu.Lock()
		onConnect := s.onConnect
		s.mu.Unlock()
		if onConnect != nil {
			onConnect()
		}
		err = s.session(ctx, port)

		s.setPort(nil)
		if cerr := port.Close(); cerr != nil {
			s.logger.Debug("close serial port", "error", cerr)
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("sensor bridge disconnected", "path", s.path, "error", err)
		if !sleepWithContext(ctx, s.clock, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, maxBackoff)
		s.metrics.SensorReconnects.Inc()
	}
}

// session reads lines from port until it fails or ctx is done, polling the
// bridge every pollInterval.
func (s *SerialSource) session(ctx context.Context, port Port) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setPort(port)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	var poll <-chan time.Time
	if s.pollInterval > 0 {
		ticker := s.clock.NewTicker(s.pollInterval)
		defer ticker.Stop()
		poll = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErr:
			return err

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return io.EOF
				}
			}
			ev, ok := s.handleLine(line)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-poll:
			if err := s.send(cmdPoll); err != nil {
				s.logger.Warn("poll sensor failed", "error", err)
			}
		}
	}
}

func (s *SerialSource) handleLine(line string) (domain.RawEvent, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return domain.RawEvent{}, false
	case strings.HasPrefix(line, "#"):
		s.logger.Debug("sensor bridge", "message", strings.TrimSpace(line[1:]))
		return domain.RawEvent{}, false
	case line == "OK":
		return domain.RawEvent{}, false
	case strings.HasPrefix(line, "ERR"):
		s.logger.Warn("sensor bridge rejected command", "message", strings.TrimSpace(line[3:]))
		return domain.RawEvent{}, false
	}

	ev, err := ParseBridgeLine(line)
	if err != nil {
		s.logger.Warn("unreadable sensor line", "line", line, "error", err)
		s.metrics.SensorLineErrors.Inc()
		return domain.RawEvent{}, false
	}
	ev.Time = s.clock.Now()
	return ev, true
}

// ParseBridgeLine parses "<reason>,<energy>,<distance>". The returned event
// has no timestamp.
func ParseBridgeLine(line string) (domain.RawEvent, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return domain.RawEvent{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	reason, err := domain.ParseInterruptReason(parts[0])
	if err != nil {
		return domain.RawEvent{}, err
	}
	energy, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("parse energy %q: %w", parts[1], err)
	}
	dist, err := domain.ParseDistance(parts[2])
	if err != nil {
		return domain.RawEvent{}, err
	}
	return domain.RawEvent{Reason: reason, Energy: energy, Distance: dist}, nil
}

// RaiseNoiseFloor asks the bridge to step the sensor noise floor up one level.
func (s *SerialSource) RaiseNoiseFloor(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.send(cmdNoiseUp)
}

// SetMaskDisturber asks the bridge to mask or unmask disturber interrupts.
func (s *SerialSource) SetMaskDisturber(ctx context.Context, mask bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mask {
		return s.send(cmdMaskOn)
	}
	return s.send(cmdMaskOff)
}

func (s *SerialSource) setPort(p Port) {
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()
}

func (s *SerialSource) send(command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	line := command + "\n"
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
