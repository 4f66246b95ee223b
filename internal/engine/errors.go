package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrItemUnavailable is recorded on an item whose source cannot be opened.
	ErrItemUnavailable = errors.New("item unavailable")
	// ErrStreamIO is recorded on an item whose stream failed mid-read.
	ErrStreamIO = errors.New("stream i/o error")
	// ErrWriterInit means the archive writer could not be engaged; the batch is lost.
	ErrWriterInit = errors.New("archive writer failure")
	// ErrIndexConsistency means an archive position was committed twice.
	ErrIndexConsistency = errors.New("archive index consistency violation")
	// ErrProductionClosed is returned by Append once production has completed.
	ErrProductionClosed = errors.New("item production already completed")
	// ErrAbandoned is recorded on items left in flight when a batch is abandoned.
	ErrAbandoned = errors.New("batch abandoned")
)

// ItemError ties a per-item failure to the item's name.
type ItemError struct {
	Name string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %q: %v", e.Name, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// IndexConsistencyError reports an archive position registered twice.
type IndexConsistencyError struct {
	Position uint32
}

func (e *IndexConsistencyError) Error() string {
	return fmt.Sprintf("%s: position %d already committed", ErrIndexConsistency, e.Position)
}

func (e *IndexConsistencyError) Unwrap() error {
	return ErrIndexConsistency
}
