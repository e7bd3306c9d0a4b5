// Package saga runs multi-step writes with a recorded undo per step.
//
// Steps execute in order. When a step fails, or the caller calls Compensate,
// the undo functions of every completed step run in reverse order. Undo
// failures are logged and do not stop the remaining undos.
package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type StepFunc func(ctx context.Context) error

type step struct {
	name string
	undo StepFunc
}

type Saga struct {
	name string
	log  *zap.Logger
	done []step
}

func New(name string, log *zap.Logger) *Saga {
	if log == nil {
		log = zap.NewNop()
	}
	return &Saga{name: name, log: log}
}

// Do runs do and, on success, records undo. On failure it compensates the
// steps completed so far and returns the step error.
func (s *Saga) Do(ctx context.Context, name string, do StepFunc, undo StepFunc) error {
	if err := do(ctx); err != nil {
		s.log.Warn("saga step failed",
			zap.String("saga", s.name),
			zap.String("step", name),
			zap.Error(err),
		)
		if cErr := s.Compensate(ctx); cErr != nil {
			return errors.Join(fmt.Errorf("%s: %w", name, err), cErr)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if undo != nil {
		s.done = append(s.done, step{name: name, undo: undo})
	}
	return nil
}

// Record registers undo for a write the caller already performed outside Do.
func (s *Saga) Record(name string, undo StepFunc) {
	if undo == nil {
		return
	}
	s.done = append(s.done, step{name: name, undo: undo})
}

// Compensate undoes every completed step in reverse order.
func (s *Saga) Compensate(ctx context.Context) error {
	var errs []error
	for i := len(s.done) - 1; i >= 0; i-- {
		st := s.done[i]
		if err := st.undo(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("saga compensation failed",
				zap.String("saga", s.name),
				zap.String("step", st.name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("undo %s: %w", st.name, err))
			continue
		}
		s.log.Info("saga step compensated", zap.String("saga", s.name), zap.String("step", st.name))
	}
	s.done = nil
	return errors.Join(errs...)
}

// Steps returns the names of completed steps that would be undone.
func (s *Saga) Steps() []string {
	out := make([]string, len(s.done))
	for i, st := range s.done {
		out[i] = st.name
	}
	return out
}
