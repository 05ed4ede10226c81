package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Transport opens the connection of a streaming generation request. Implementations attach the
// bearer credential and return the response body, or an error for network failures, non-success
// responses and responses without a body. The body must stop blocking once ctx is cancelled.
type Transport interface {
	SendAndStream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error)
}

// Target is the message a Session writes into. The Session serializes all calls, and calls exactly
// one of Complete, Fail or Stop.
type Target interface {
	// Begin marks the message as streaming.
	Begin()
	// Append concatenates a token fragment to the message content.
	Append(fragment string)
	// Complete marks the message final.
	Complete()
	// Fail replaces the content with an error marker for reason and marks the message errored.
	Fail(reason string)
	// Stop keeps the content received so far and marks the message errored.
	Stop()
}

// State is the lifecycle state of a Session. Completed, Failed and Cancelled are terminal and
// absorbing.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

// Outcome is the terminal result of a Session.
type Outcome struct {
	State State
	// Reason is the user-facing failure message, set when State is StateFailed.
	Reason string
	// Err is the underlying error of a transport failure, if any.
	Err error
}

// Options tune a Session.
type Options struct {
	// IdleTimeout fails the session when no bytes arrive for this long. Zero disables it.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultIdleTimeout is the idle timeout clients use unless configured otherwise.
const DefaultIdleTimeout = 2 * time.Minute

var (
	// ErrUnexpectedEOS is reported when the stream ends without a done or error event.
	ErrUnexpectedEOS = errors.New("stream ended unexpectedly")
	// ErrIdleTimeout is reported when the stream stalls for longer than the idle timeout.
	ErrIdleTimeout = errors.New("stream idle timeout")
)

const (
	fallbackFailure = "Streaming failed."

	instrumentationName = "github.com/MegaGrindStone/nova-chat/internal/stream"
)

// Session owns exactly one generation request, from opening the connection to a terminal outcome.
type Session struct {
	transport Transport
	request   models.GenerationRequest
	target    Target
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	outcome Outcome
	tokens  int64
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

type sessionInstruments struct {
	tracer   trace.Tracer
	sessions metric.Int64Counter
	tokens   metric.Int64Counter
}

var instruments = sync.OnceValue(func() sessionInstruments {
	meter := otel.Meter(instrumentationName)
	// Instrument creation only fails on invalid names; the returned no-op instruments are usable.
	sessions, _ := meter.Int64Counter("nova.stream.sessions",
		metric.WithDescription("Stream sessions by terminal outcome"))
	tokens, _ := meter.Int64Counter("nova.stream.tokens",
		metric.WithDescription("Token events applied to transcript messages"))
	return sessionInstruments{
		tracer:   otel.Tracer(instrumentationName),
		sessions: sessions,
		tokens:   tokens,
	}
})

// New creates an idle Session for req bound to target. Nothing is sent until Events is ranged over.
func New(transport Transport, req models.GenerationRequest, target Target, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		transport: transport,
		request:   req,
		target:    target,
		opts:      opts,
		logger:    logger.With(slog.String("module", "stream")),
		done:      make(chan struct{}),
	}
}

// Start creates a Session and drives it in the background. Use Wait or Done to observe the outcome.
func Start(ctx context.Context, transport Transport, req models.GenerationRequest, target Target, opts Options) *Session {
	s := New(transport, req, target, opts)
	go func() {
		for range s.Events(ctx) {
		}
	}()
	return s
}

// Events opens the connection and yields every decoded event in arrival order, after it has been
// applied to the bound target. Iteration ends with the session's terminal outcome. Stopping the
// iteration early cancels the session. Only the first call drives the session; later calls yield
// nothing.
func (s *Session) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		if !s.begin(cancel) {
			return
		}

		ins := instruments()
		ctx, span := ins.tracer.Start(ctx, "stream.session", trace.WithAttributes(
			attribute.String("thread.id", string(s.request.ThreadID)),
			attribute.String("model", s.request.Model),
		))
		defer func() {
			out := s.Outcome()
			span.SetAttributes(attribute.String("outcome", out.State.String()))
			if out.State == StateFailed {
				span.SetStatus(codes.Error, out.Reason)
			}
			span.End()
		}()

		s.logger.Debug("Opening stream",
			slog.String("threadID", string(s.request.ThreadID)),
			slog.String("model", s.request.Model))

		// The idle timer also covers waiting for the response headers.
		var timer *time.Timer
		if s.opts.IdleTimeout > 0 {
			timer = time.AfterFunc(s.opts.IdleTimeout, func() { cancel(ErrIdleTimeout) })
			defer timer.Stop()
		}

		body, err := s.transport.SendAndStream(ctx, s.request)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		defer body.Close()
		// Closing the body unblocks a pending read once the session is cancelled or times out.
		stopClose := context.AfterFunc(ctx, func() { _ = body.Close() })
		defer stopClose()

		var r io.Reader = body
		if timer != nil {
			timer.Reset(s.opts.IdleTimeout)
			r = &idleReader{r: body, timer: timer, timeout: s.opts.IdleTimeout}
		}

		for ev, err := range Decode(ctx, r) {
			if err != nil {
				s.fail(ctx, err)
				return
			}
			if !s.apply(ctx, ev) {
				return
			}
			if !yield(ev) {
				s.Cancel()
				return
			}
		}
		s.fail(ctx, ErrUnexpectedEOS)
	}
}

// Cancel aborts the connection and resolves the session as cancelled. Content already appended to
// the target is kept. Cancel is a no-op once the session reached a terminal outcome.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.resolveLocked(Outcome{State: StateCancelled})
	s.target.Stop()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel(context.Canceled)
	}
}

// Wait blocks until the session reaches a terminal outcome or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done is closed when the session reaches a terminal outcome.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the terminal outcome, or a zero Outcome with the current state if the session is
// still running.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return Outcome{State: s.state}
	}
	return s.outcome
}

// Request returns the request the session was created for.
func (s *Session) Request() models.GenerationRequest {
	return s.request
}

func (s *Session) begin(cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = StateStreaming
	s.cancel = cancel
	s.target.Begin()
	return true
}

func (s *Session) apply(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return false
	}

	switch ev.Type {
	case EventToken:
		s.target.Append(ev.Value)
		s.tokens++
		instruments().tokens.Add(ctx, 1)
	case EventDone:
		s.resolveLocked(Outcome{State: StateCompleted})
		s.target.Complete()
	case EventError:
		reason := ev.Value
		if reason == "" {
			reason = fallbackFailure
		}
		s.resolveLocked(Outcome{State: StateFailed, Reason: reason})
		s.target.Fail(reason)
	}
	return true
}

// fail resolves a still-streaming session after err ended the stream. A cancellation from the
// caller's context counts as a cancel, not a failure.
func (s *Session) fail(ctx context.Context, err error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrIdleTimeout) {
		err = ErrIdleTimeout
	} else if ctx.Err() != nil {
		s.Cancel()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	reason := err.Error()
	if reason == "" {
		reason = fallbackFailure
	}
	s.logger.Warn("Stream failed",
		slog.String("threadID", string(s.request.ThreadID)),
		slog.String("err", err.Error()))
	s.resolveLocked(Outcome{State: StateFailed, Reason: reason, Err: err})
	s.target.Fail(reason)
}

func (s *Session) resolveLocked(out Outcome) {
	s.state = out.State
	s.outcome = out
	close(s.done)

	instruments().sessions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", out.State.String())))
	s.logger.Debug("Stream resolved",
		slog.String("threadID", string(s.request.ThreadID)),
		slog.String("outcome", out.State.String()),
		slog.Int64("tokens", s.tokens))
}

// Terminal reports whether st is absorbing.
func (st State) Terminal() bool {
	return st == StateCompleted || st == StateFailed || st == StateCancelled
}

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}
