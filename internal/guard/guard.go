// Package guard decides whether a run may advance past or complete a step. The
// engine treats the evaluator as a black box: it asks, it gets clear or blocked.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
)

type Check struct {
	RunID      string            `json:"run_id"`
	RunCode    string            `json:"run_code"`
	StepIndex  int               `json:"step_index"`
	NodeID     string            `json:"node_id"`
	Transition domain.Transition `json:"transition"`
}

type Verdict struct {
	Clear  bool
	Reason string
}

func Clear() Verdict {
	return Verdict{Clear: true}
}

func Blocked(reason string) Verdict {
	return Verdict{Reason: strings.TrimSpace(reason)}
}

// Evaluator returns an error only when it could not reach a verdict.
type Evaluator interface {
	CheckStep(ctx context.Context, check Check) (Verdict, error)
}

type AllowAll struct{}

func (AllowAll) CheckStep(ctx context.Context, check Check) (Verdict, error) {
	return Clear(), nil
}

type Func func(ctx context.Context, check Check) (Verdict, error)

func (f Func) CheckStep(ctx context.Context, check Check) (Verdict, error) {
	return f(ctx, check)
}

// Chain consults evaluators in order and returns the first block or error.
type Chain []Evaluator

func (c Chain) CheckStep(ctx context.Context, check Check) (Verdict, error) {
	for _, ev := range c {
		if ev == nil {
			continue
		}
		verdict, err := ev.CheckStep(ctx, check)
		if err != nil {
			return Verdict{}, err
		}
		if !verdict.Clear {
			return verdict, nil
		}
	}
	return Clear(), nil
}

var ErrTimeout = errors.New("guard evaluation timed out")

type timeoutEvaluator struct {
	next    Evaluator
	timeout time.Duration
}

// WithTimeout bounds every call to next. A non-positive timeout returns next unchanged.
func WithTimeout(next Evaluator, timeout time.Duration) Evaluator {
	if timeout <= 0 {
		return next
	}
	return timeoutEvaluator{next: next, timeout: timeout}
}

func (t timeoutEvaluator) CheckStep(ctx context.Context, check Check) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	verdict, err := t.next.CheckStep(ctx, check)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Verdict{}, fmt.Errorf("%w after %s: %w", ErrTimeout, t.timeout, err)
	}
	return verdict, err
}
