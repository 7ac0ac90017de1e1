// Package dispatch sends messages and requests pairing codes through a
// session. Sends wait for the connection to open and are delayed by a random
// jitter so automated traffic is paced like a person typing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/musabulbul/kurumtakip/protocol"
	"github.com/musabulbul/kurumtakip/session"
)

var (
	// ErrAlreadyRegistered is returned when a pairing code is requested for a registered session.
	ErrAlreadyRegistered = errors.New("session already registered")
	// ErrOperationFailed wraps any unclassified protocol-client failure.
	ErrOperationFailed = errors.New("operation failed")
	// ErrInvalidRecipient is returned when a recipient has no address or digits.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrInvalidPhone is returned when a pairing phone number has no digits.
	ErrInvalidPhone = errors.New("invalid phone number")
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultPairingSettle  = 2500 * time.Millisecond
)

// Session is the part of a session the dispatcher needs.
type Session interface {
	ID() string
	State() session.State
	WaitForOpen(ctx context.Context, timeout time.Duration) error
	Client() protocol.Client
}

var _ Session = (*session.Session)(nil)

// Dispatcher runs the wait-then-send sequence.
type Dispatcher struct {
	connectTimeout time.Duration
	pairingSettle  time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConnectTimeout bounds how long a send waits for the session to open.
func WithConnectTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.connectTimeout = d
		}
	}
}

// WithPairingSettle sets the pause before a pairing code is requested.
func WithPairingSettle(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d >= 0 {
			x.pairingSettle = d
		}
	}
}

// WithSleep replaces the context-aware sleep used for delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(x *Dispatcher) {
		x.sleep = sleep
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Dispatcher) {
		x.logger = logger
	}
}

// WithTracer sets the tracer used for send and pairing spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(x *Dispatcher) {
		x.tracer = tracer
	}
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		connectTimeout: DefaultConnectTimeout,
		pairingSettle:  DefaultPairingSettle,
		sleep:          Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/musabulbul/kurumtakip/dispatch")
	}
	return d
}

// Send waits for s to be open, sleeps a random delay in
// [minSeconds, maxSeconds] and sends message to recipient. It returns the
// delay that was applied.
func (d *Dispatcher) Send(ctx context.Context, s Session, recipient, message string, minSeconds, maxSeconds float64) (delay time.Duration, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(attribute.String("session.id", s.ID())))
	defer func() {
		endSpan(span, err)
	}()

	to := NormalizeRecipient(recipient)
	if to == "" || to[0] == '@' {
		return 0, fmt.Errorf("%q: %w", recipient, ErrInvalidRecipient)
	}

	if s.State() != session.StateOpen {
		if err := s.WaitForOpen(ctx, d.connectTimeout); err != nil {
			return 0, err
		}
	}
	if s.State() != session.StateOpen {
		return 0, fmt.Errorf("session %s: %w", s.ID(), session.ErrNotConnected)
	}

	delay = RandomDelay(minSeconds, maxSeconds)
	span.SetAttributes(attribute.Int64("dispatch.delay_ms", delay.Milliseconds()))
	if err := d.sleep(ctx, delay); err != nil {
		return 0, err
	}

	if err := s.Client().SendMessage(ctx, to, message); err != nil {
		return delay, classify(err)
	}
	d.logger.Info("message sent", "session_id", s.ID(), "delay_ms", delay.Milliseconds())
	return delay, nil
}

// PairingCode requests a code linking phone to the session's device.
func (d *Dispatcher) PairingCode(ctx context.Context, s Session, phone string) (code string, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.pairing_code", trace.WithAttributes(attribute.String("session.id", s.ID())))
	defer func() {
		endSpan(span, err)
	}()

	digits := Digits(phone)
	if digits == "" {
		return "", fmt.Errorf("%q: %w", phone, ErrInvalidPhone)
	}
	client := s.Client()
	if client.IsRegistered() {
		return "", fmt.Errorf("session %s: %w", s.ID(), ErrAlreadyRegistered)
	}
	if err := d.sleep(ctx, d.pairingSettle); err != nil {
		return "", err
	}
	code, err = client.RequestPairingCode(ctx, digits)
	if err != nil {
		return "", classify(err)
	}
	d.logger.Info("pairing code issued", "session_id", s.ID())
	return code, nil
}

// classify keeps recognised error kinds and wraps everything else in ErrOperationFailed.
func classify(err error) error {
	switch {
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrConnectionTimeout),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrOperationFailed, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
