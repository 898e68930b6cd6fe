// Package retry drives a single operation through an explicit retry state machine:
// Requesting -> (Backoff -> Requesting)* -> Succeeded | Failed.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/utils"
)

type State int

const (
	Requesting State = iota
	Backoff
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Backoff:
		return "backoff"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy describes how one class of failure is retried.
type Policy struct {
	Name string
	// BaseDelay is the first backoff delay. With Exponential set it doubles on
	// every further attempt, bounded by MaxDelay.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
	// MaxAttempts counts every request of this class, the first one included.
	MaxAttempts int
	// Jitter is a +/- fraction applied to each delay (0.3 = 30%).
	Jitter float64
}

// Delay returns the backoff before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	delay := p.BaseDelay
	if p.Exponential {
		for i := 1; i < retry; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				delay = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
	}
	return delay
}

// Classifier maps a failure to the policy that governs it. A nil policy means
// the error is terminal. A positive hint (e.g. from Retry-After) overrides the
// computed delay.
type Classifier func(err error) (policy *Policy, hint time.Duration)

// Transition is reported on every state change.
type Transition struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Result describes a finished run of the machine.
type Result struct {
	State    State
	Attempts int
	Err      error
}

type Machine struct {
	classify     Classifier
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *zap.Logger
	onTransition []func(Transition)
}

type Option func(*Machine)

// WithSleep replaces the wait used in the Backoff state.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Machine) { m.sleep = sleep }
}

// WithTransitionHook registers a callback invoked on every state change.
// Hooks run in registration order.
func WithTransitionHook(fn func(Transition)) Option {
	return func(m *Machine) { m.onTransition = append(m.onTransition, fn) }
}

func New(classify Classifier, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		classify: classify,
		sleep:    utils.WaitFor,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes op until it succeeds, fails terminally, exhausts the attempts of
// its policy or ctx is done. The returned error is the last error of op, or the
// context error when cancelled during backoff.
func (m *Machine) Run(ctx context.Context, op func(ctx context.Context) error) Result {
	state := Requesting
	attempts := 0
	perPolicy := make(map[string]int)
	var (
		lastErr error
		delay   time.Duration
	)

	for {
		switch state {
		case Requesting:
			if err := ctx.Err(); err != nil {
				lastErr = err
				state = m.transit(state, Failed, attempts, 0, err)
				continue
			}

			attempts++
			err := op(ctx)
			if err == nil {
				state = m.transit(state, Succeeded, attempts, 0, nil)
				continue
			}
			lastErr = err

			// Only the caller's context ends the run here. A deadline hit inside op,
			// such as an http.Client timeout, is left to the classifier.
			if ctx.Err() != nil {
				state = m.transit(state, Failed, attempts, 0, err)
				continue
			}

			policy, hint := m.classify(err)
			if policy == nil {
				state = m.transit(state, Failed, attempts, 0, err)
				continue
			}

			perPolicy[policy.Name]++
			if perPolicy[policy.Name] >= policy.MaxAttempts {
				m.logger.Warn("retry attempts exhausted",
					zap.String("policy", policy.Name),
					zap.Int("attempts", perPolicy[policy.Name]),
					zap.Error(err),
				)
				state = m.transit(state, Failed, attempts, 0, err)
				continue
			}

			delay = policy.Delay(perPolicy[policy.Name])
			if hint > 0 {
				delay = hint
				if policy.MaxDelay > 0 && delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
			}
			state = m.transit(state, Backoff, attempts, delay, err)

		case Backoff:
			m.logger.Debug("backing off",
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := m.sleep(ctx, delay); err != nil {
				lastErr = err
				state = m.transit(state, Failed, attempts, 0, err)
				continue
			}
			state = m.transit(state, Requesting, attempts, 0, nil)

		case Succeeded:
			return Result{State: Succeeded, Attempts: attempts}

		case Failed:
			return Result{State: Failed, Attempts: attempts, Err: lastErr}
		}
	}
}

func (m *Machine) transit(from, to State, attempt int, delay time.Duration, err error) State {
	for _, hook := range m.onTransition {
		hook(Transition{From: from, To: to, Attempt: attempt, Delay: delay, Err: err})
	}
	return to
}
