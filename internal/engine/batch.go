package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// BatchResult summarizes one batch.
type BatchResult struct {
	Committed int
	// Failed lists the items that failed in this batch, by name, so the
	// collector can decide whether to queue them again.
	Failed []ItemRef
	// Exhausted is true when the batch ended because production was closed
	// and every item was claimed, rather than because of WithMaxItems.
	Exhausted bool
}

// RunBatch lets writer drain adapter. Per-item failures end up in the result;
// an error is returned only when the batch as a whole failed, in which case
// every item still in flight is reported as failed.
func RunBatch(ctx context.Context, writer ArchiveWriter, adapter *Adapter) (BatchResult, error) {
	err := writer.Update(ctx, adapter)
	if err != nil {
		adapter.Abandon(err)
		adapter.finish()

		if !isBatchLevel(err) {
			err = fmt.Errorf("%w: %w", ErrWriterInit, err)
		}
		return adapter.Result(), err
	}

	// A well-behaved writer settles every item; anything left is reported.
	if leftover := adapter.Abandon(errors.New("not settled by archive writer")); len(leftover) > 0 {
		adapter.logger.Warn("archive writer returned with items in flight", zap.Int("items", len(leftover)))
	}
	adapter.finish()

	return adapter.Result(), nil
}

func isBatchLevel(err error) bool {
	return errors.Is(err, ErrWriterInit) ||
		errors.Is(err, ErrIndexConsistency) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
