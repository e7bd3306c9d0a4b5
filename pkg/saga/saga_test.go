package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	ctx := context.Background()
	s := New("test", zap.NewNop())

	var undone []string
	record := func(name string) StepFunc {
		return func(context.Context) error {
			undone = append(undone, name)
			return nil
		}
	}
	ok := func(context.Context) error { return nil }

	require.NoError(t, s.Do(ctx, "a", ok, record("a")))
	require.NoError(t, s.Do(ctx, "b", ok, nil))
	require.NoError(t, s.Do(ctx, "c", ok, record("c")))
	assert.Equal(t, []string{"a", "c"}, s.Steps())

	boom := errors.New("boom")
	err := s.Do(ctx, "d", func(context.Context) error { return boom }, record("d"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"c", "a"}, undone)
	assert.Empty(t, s.Steps())
}

func TestSagaReportsUndoFailuresAndContinues(t *testing.T) {
	ctx := context.Background()
	s := New("test", nil)

	var undone []string
	undoErr := errors.New("undo failed")

	require.NoError(t, s.Do(ctx, "a", func(context.Context) error { return nil }, func(context.Context) error {
		undone = append(undone, "a")
		return nil
	}))
	require.NoError(t, s.Do(ctx, "b", func(context.Context) error { return nil }, func(context.Context) error {
		return undoErr
	}))

	err := s.Compensate(ctx)
	assert.ErrorIs(t, err, undoErr)
	assert.Equal(t, []string{"a"}, undone)
}

func TestSagaRecordRegistersExternalWrite(t *testing.T) {
	ctx := context.Background()
	s := New("record", zap.NewNop())

	var undone []string
	s.Record("external", func(context.Context) error {
		undone = append(undone, "external")
		return nil
	})
	s.Record("ignored", nil)
	assert.Equal(t, []string{"external"}, s.Steps())

	require.NoError(t, s.Compensate(ctx))
	assert.Equal(t, []string{"external"}, undone)
}
