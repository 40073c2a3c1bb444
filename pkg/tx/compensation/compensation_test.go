package compensation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwindRunsNewestFirst(t *testing.T) {
	var order []int
	var s Stack
	for i := 1; i <= 3; i++ {
		i := i
		s.Push(StepReserveInventory, func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	require.Equal(t, 3, s.Len())

	require.NoError(t, s.Unwind(context.Background()))
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Zero(t, s.Len())
}

func TestUnwindAttemptsEveryStep(t *testing.T) {
	boom := errors.New("boom")
	ran := 0
	var s Stack
	s.Push(StepReserveInventory, func(context.Context) error { ran++; return nil })
	s.Push(StepReserveInventory, func(context.Context) error { ran++; return boom })

	err := s.Unwind(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, ran)
}

func TestFailKeepsCause(t *testing.T) {
	cause := errors.New("cause")
	undoErr := errors.New("undo")

	var clean Stack
	clean.Push(StepReserveInventory, func(context.Context) error { return nil })
	assert.Same(t, cause, clean.Fail(context.Background(), cause))

	var dirty Stack
	dirty.Push(StepReserveInventory, func(context.Context) error { return undoErr })
	err := dirty.Fail(context.Background(), cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, undoErr)
}
