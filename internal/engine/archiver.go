package engine

import (
	"context"
	"io"
)

// OperationResult is the writer's verdict on one item.
type OperationResult int

const (
	OperationOK OperationResult = iota
	OperationFailed
)

func (r OperationResult) String() string {
	if r == OperationOK {
		return "ok"
	}
	return "failed"
}

// UpdateItemInfo describes the item the writer should add next.
type UpdateItemInfo struct {
	// Index is the item's index in the item set.
	Index int
	// NewData and NewProperties are always true: items are only ever added.
	NewData       bool
	NewProperties bool
	// Position is the in-archive position the item will occupy if committed.
	Position uint32
}

// UpdateProvider is the pull contract an archive writer drives from its own
// goroutine: it asks for the next item, its properties and its stream, then
// reports the outcome, until GetNextItemInfo reports no more items.
type UpdateProvider interface {
	SetTotal(total uint64)
	SetCompleted(completed uint64)

	// GetNextItemInfo blocks until an item is ready. It returns false once
	// the batch has no more items to offer.
	GetNextItemInfo(ctx context.Context) (UpdateItemInfo, bool, error)
	// GetItemProperties fails with ErrItemUnavailable when the item's source
	// cannot be opened; the item is then already failed and the writer should
	// move on to the next one.
	GetItemProperties(ctx context.Context, index int) (ItemProperties, error)
	// GetItemStream hands the item's byte stream to the writer, which must
	// close it.
	GetItemStream(ctx context.Context, index int) (io.ReadCloser, error)
	SetItemResult(index int, result OperationResult, cause error) error

	GetPassword() (string, bool)
	SetRatioInfo(inSize, outSize uint64)

	// Final reports whether the writer must close the archive once
	// GetNextItemInfo has returned false.
	Final() bool
}

// ArchiveWriter packs items pulled from an UpdateProvider into an archive.
// A writer stays open across non-final batches.
type ArchiveWriter interface {
	// Update drains provider. Per-item failures are reported through
	// SetItemResult; a returned error means the batch as a whole failed.
	Update(ctx context.Context, provider UpdateProvider) error

	// Extension returns the file extension for this archive type (e.g., ".tar.zst").
	Extension() string
}
