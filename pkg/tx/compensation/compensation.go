// Package compensation records undo actions for steps that already took
// effect and replays them newest first when a later step fails.
package compensation

import (
	"context"
	"errors"
	"fmt"
)

type StepName string

const StepReserveInventory StepName = "reserve_inventory"

type Step struct {
	Name StepName
	Undo func(ctx context.Context) error
}

type Stack struct {
	steps []Step
}

func (s *Stack) Push(name StepName, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, Step{Name: name, Undo: undo})
}

func (s *Stack) Len() int {
	return len(s.steps)
}

// Unwind runs every undo in reverse order. All steps are attempted even if
// some fail; the failures are joined. The stack is empty afterwards.
func (s *Stack) Unwind(ctx context.Context) error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		if err := s.steps[i].Undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s #%d: %w", s.steps[i].Name, i, err))
		}
	}
	s.steps = nil
	return errors.Join(errs...)
}

// Fail unwinds the stack and returns cause, joined with any undo failures.
func (s *Stack) Fail(ctx context.Context, cause error) error {
	if err := s.Unwind(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
