// Package scheduler serializes vehicle commands: one call in flight, a
// cooldown between completed calls, per-kind coalescing of queued commands
// and exponential backoff when the vehicle API throttles or sleeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/vehicle"
)

// Kind identifies the vehicle verb a command maps to.
type Kind int

const (
	KindSetCurrent Kind = iota
	KindStartCharging
	KindStopCharging
)

func (k Kind) String() string {
	switch k {
	case KindSetCurrent:
		return "set_current"
	case KindStartCharging:
		return "start_charging"
	case KindStopCharging:
		return "stop_charging"
	default:
		return "unknown"
	}
}

// Command is one unit of work for the vehicle. Seq orders commands of the
// same kind; a queued command is replaced when a higher Seq arrives before it
// was dispatched.
type Command struct {
	Kind Kind
	Amps int
	Seq  uint64
}

// Outcome describes how a command left the scheduler.
type Outcome int

const (
	// OutcomeOK: the vehicle accepted the command.
	OutcomeOK Outcome = iota
	// OutcomeFailed: the vehicle refused or the failure is not retryable.
	OutcomeFailed
	// OutcomeRetrying: a transient failure; the command stays queued and
	// will be retried after the backoff delay.
	OutcomeRetrying
	// OutcomeSuperseded: a newer command of the same kind made this one
	// obsolete before it could complete.
	OutcomeSuperseded
	// OutcomeDiscarded: dropped while the scheduler was paused.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Result reports a command leaving the scheduler (or, for OutcomeRetrying,
// an attempt that failed transiently).
type Result struct {
	Command Command
	Outcome Outcome
	Err     error
	Attempt int
}

// ErrPaused is returned by Submit while the scheduler is paused.
var ErrPaused = errors.New("scheduler is paused")

// Options tune the scheduling behaviour.
type Options struct {
	Cooldown    time.Duration // minimum gap between completed calls
	BackoffBase time.Duration // first retry delay
	BackoffCap  time.Duration // retry delay ceiling
	CallTimeout time.Duration // per-call deadline
	Tick        time.Duration // dispatch loop granularity, defaults to 250ms
}

type entry struct {
	cmd      Command
	attempts int
}

// Scheduler owns the command queue. Completed and retried commands are
// reported through the report callback, which runs on the scheduler
// goroutine and must not block.
type Scheduler struct {
	client vehicle.Client
	opts   Options
	report func(Result)
	logger *logrus.Logger

	mu            sync.Mutex
	pending       map[Kind]*entry
	order         []Kind
	inFlight      *entry
	paused        bool
	failStreak    int
	lastCompleted time.Time
	notBefore     time.Time

	wake chan struct{}
	done chan doneMsg
}

type doneMsg struct {
	e   *entry
	err error
}

// New creates a scheduler. The report callback receives every result and is
// invoked from the scheduler goroutine.
func New(client vehicle.Client, opts Options, report func(Result), logger *logrus.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 250 * time.Millisecond
	}
	return &Scheduler{
		client:  client,
		opts:    opts,
		report:  report,
		logger:  logger,
		pending: make(map[Kind]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan doneMsg, 1),
	}
}

// Submit queues a command. When a command of the same kind is already
// waiting, the newer one replaces it and the displaced command is returned so
// the caller can settle its originator. Returns ErrPaused while paused.
func (s *Scheduler) Submit(cmd Command) (displaced *Command, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, ErrPaused
	}

	if old, ok := s.pending[cmd.Kind]; ok {
		prev := old.cmd
		s.pending[cmd.Kind] = &entry{cmd: cmd}
		s.logger.WithFields(logrus.Fields{
			"kind":    cmd.Kind.String(),
			"old_seq": prev.Seq,
			"new_seq": cmd.Seq,
		}).Debug("Queued command replaced by newer one")
		s.signal()
		return &prev, nil
	}

	s.pending[cmd.Kind] = &entry{cmd: cmd}
	s.order = append(s.order, cmd.Kind)
	s.signal()
	return nil, nil
}

// Cancel removes a queued command before it is dispatched. It reports
// whether the exact command (kind and sequence number) was still waiting;
// an in-flight or already-completed command cannot be cancelled and is left
// to report its result as usual. A cancelled command produces no Result.
func (s *Scheduler) Cancel(cmd Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[cmd.Kind]
	if !ok || e.cmd.Seq != cmd.Seq {
		return false
	}
	delete(s.pending, cmd.Kind)
	for i, kind := range s.order {
		if kind == cmd.Kind {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.WithFields(logrus.Fields{
		"kind": cmd.Kind.String(),
		"seq":  cmd.Seq,
	}).Debug("Queued command cancelled")
	return true
}

// Pause stops dispatching and empties the queue. The returned commands were
// still waiting and have not been sent. An in-flight call is left to finish;
// its result is reported as usual.
func (s *Scheduler) Pause() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	dropped := make([]Command, 0, len(s.order))
	for _, kind := range s.order {
		if e, ok := s.pending[kind]; ok {
			dropped = append(dropped, e.cmd)
		}
	}
	s.pending = make(map[Kind]*entry)
	s.order = nil
	return dropped
}

// Resume re-enables dispatching after a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.failStreak = 0
	s.notBefore = time.Time{}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		if e := s.takeDispatchable(time.Now()); e != nil {
			s.launch(ctx, e)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.done:
			s.handleDone(msg)
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// takeDispatchable pops the next command when the scheduler is allowed to
// send one: nothing in flight, not paused, cooldown and backoff satisfied.
func (s *Scheduler) takeDispatchable(now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight != nil || s.paused || len(s.order) == 0 {
		return nil
	}
	if !s.lastCompleted.IsZero() && now.Sub(s.lastCompleted) < s.opts.Cooldown {
		return nil
	}
	if now.Before(s.notBefore) {
		return nil
	}

	kind := s.order[0]
	s.order = s.order[1:]
	e := s.pending[kind]
	delete(s.pending, kind)
	if e == nil {
		return nil
	}
	e.attempts++
	s.inFlight = e
	return e
}

func (s *Scheduler) launch(ctx context.Context, e *entry) {
	s.logger.WithFields(logrus.Fields{
		"kind":    e.cmd.Kind.String(),
		"amps":    e.cmd.Amps,
		"seq":     e.cmd.Seq,
		"attempt": e.attempts,
	}).Debug("Dispatching vehicle command")

	go func() {
		cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
		err := s.issue(cctx, e.cmd)
		select {
		case s.done <- doneMsg{e: e, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) issue(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindSetCurrent:
		return s.client.SetChargingCurrent(ctx, cmd.Amps)
	case KindStartCharging:
		return s.client.StartCharging(ctx)
	case KindStopCharging:
		return s.client.StopCharging(ctx)
	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}

func (s *Scheduler) handleDone(msg doneMsg) {
	s.mu.Lock()
	s.inFlight = nil
	s.lastCompleted = time.Now()

	e, err := msg.e, msg.err
	_, newerPending := s.pending[e.cmd.Kind]

	var res Result
	switch {
	case err == nil:
		s.failStreak = 0
		res = Result{Command: e.cmd, Outcome: OutcomeOK, Attempt: e.attempts}

	case vehicle.IsTransient(err) && newerPending:
		// A fresher value is already queued; retrying the stale one
		// would only burn a cooldown slot.
		res = Result{Command: e.cmd, Outcome: OutcomeSuperseded, Err: err, Attempt: e.attempts}

	case vehicle.IsTransient(err) && s.paused:
		res = Result{Command: e.cmd, Outcome: OutcomeDiscarded, Err: err, Attempt: e.attempts}

	case vehicle.IsTransient(err):
		s.failStreak++
		delay := s.backoffDelay()
		s.notBefore = time.Now().Add(delay)
		s.pending[e.cmd.Kind] = e
		s.order = append([]Kind{e.cmd.Kind}, s.order...)
		s.logger.WithFields(logrus.Fields{
			"kind":    e.cmd.Kind.String(),
			"attempt": e.attempts,
			"delay":   delay.String(),
		}).WithError(err).Warn("Vehicle command failed transiently, backing off")
		res = Result{Command: e.cmd, Outcome: OutcomeRetrying, Err: err, Attempt: e.attempts}

	default:
		res = Result{Command: e.cmd, Outcome: OutcomeFailed, Err: err, Attempt: e.attempts}
	}
	s.mu.Unlock()

	if res.Outcome == OutcomeOK {
		s.logger.WithFields(logrus.Fields{
			"kind": res.Command.Kind.String(),
			"seq":  res.Command.Seq,
		}).Debug("Vehicle command completed")
	} else if res.Outcome == OutcomeFailed {
		s.logger.WithField("kind", res.Command.Kind.String()).WithError(err).Warn("Vehicle command failed")
	}

	s.report(res)
}

// backoffDelay doubles per consecutive transient failure, starting at
// BackoffBase, clamped to BackoffCap.
func (s *Scheduler) backoffDelay() time.Duration {
	d := s.opts.BackoffBase
	for i := 1; i < s.failStreak; i++ {
		d *= 2
		if d >= s.opts.BackoffCap {
			return s.opts.BackoffCap
		}
	}
	if d > s.opts.BackoffCap {
		d = s.opts.BackoffCap
	}
	return d
}
