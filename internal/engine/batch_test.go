package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writerFunc adapts a function to ArchiveWriter.
type writerFunc func(ctx context.Context, p UpdateProvider) error

func (f writerFunc) Update(ctx context.Context, p UpdateProvider) error { return f(ctx, p) }
func (f writerFunc) Extension() string                                   { return ".test" }

func TestRunBatch_WriterInitFailure(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1))
	set.CloseProduction()

	writer := &recordingWriter{initErr: errors.New("cannot create output")}
	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriterInit)
	assert.ErrorContains(t, err, "cannot create output")
	assert.Equal(t, 0, result.Committed)

	ref, _ := set.Item(0)
	assert.Equal(t, ItemPending, ref.State, "untouched items remain available for a retry")
}

func TestRunBatch_FatalErrorFailsInFlightItems(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1), bytesItem("B", 1))
	set.CloseProduction()

	writer := writerFunc(func(ctx context.Context, p UpdateProvider) error {
		info, _, err := p.GetNextItemInfo(ctx)
		if err != nil {
			return err
		}
		if _, err := p.GetItemProperties(ctx, info.Index); err != nil {
			return err
		}
		return errors.New("disk full")
	})

	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriterInit)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, "A", result.Failed[0].Name)
	assert.ErrorIs(t, result.Failed[0].Err, ErrAbandoned)
	assert.ErrorContains(t, result.Failed[0].Err, "disk full")

	ref, _ := set.Item(1)
	assert.Equal(t, ItemPending, ref.State)
}

func TestRunBatch_IndexViolationPropagates(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1))
	set.CloseProduction()

	adapter := NewAdapter(zap.NewNop(), set, true)

	// Another batch commits the same position behind this adapter's back.
	writer := writerFunc(func(ctx context.Context, p UpdateProvider) error {
		info, _, err := p.GetNextItemInfo(ctx)
		if err != nil {
			return err
		}
		require.NoError(t, set.MarkCommitted(info.Position))
		return p.SetItemResult(info.Index, OperationOK, nil)
	})

	_, err := RunBatch(t.Context(), writer, adapter)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndexConsistency)
	assert.NotErrorIs(t, err, ErrWriterInit)
}

func TestRunBatch_CancelledWhileWaiting(t *testing.T) {
	set := NewArchiveItemSet()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	_, err := RunBatch(ctx, &recordingWriter{}, NewAdapter(zap.NewNop(), set, true))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrWriterInit)
}

func TestRunBatch_UnsettledItemsAreReportedFailed(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1))
	set.CloseProduction()

	writer := writerFunc(func(ctx context.Context, p UpdateProvider) error {
		_, _, err := p.GetNextItemInfo(ctx)
		return err
	})

	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed[0].Err, ErrAbandoned)
	assert.Equal(t, 0, set.CommittedCount())
}
