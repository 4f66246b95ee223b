package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"
)

// SelectionPolicy decides which pending item an adapter claims next.
type SelectionPolicy int

const (
	// FirstReady claims pending items in discovery order.
	FirstReady SelectionPolicy = iota
	// LargestFirst claims the largest pending item, ties going to the
	// earliest discovered. Items of unknown size sort last.
	LargestFirst
)

func (p SelectionPolicy) String() string {
	switch p {
	case FirstReady:
		return "first_ready"
	case LargestFirst:
		return "largest_first"
	default:
		return "unknown"
	}
}

// ParseSelectionPolicy maps a config value to a policy. Empty selects FirstReady.
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch s {
	case "", "first_ready":
		return FirstReady, nil
	case "largest_first":
		return LargestFirst, nil
	default:
		return FirstReady, fmt.Errorf("unknown selection policy %q", s)
	}
}

type AdapterOption func(*Adapter)

// WithPassword makes the adapter ask the writer to encrypt the archive.
func WithPassword(password string) AdapterOption {
	return func(a *Adapter) {
		a.password = password
		a.hasPassword = password != ""
	}
}

func WithProgressSink(sink ProgressSink) AdapterOption {
	return func(a *Adapter) {
		if sink != nil {
			a.progress = sink
		}
	}
}

// WithMaxItems ends the batch once n items have been claimed. Zero means no
// limit: the batch runs until production is closed and drained.
func WithMaxItems(n int) AdapterOption {
	return func(a *Adapter) {
		a.maxItems = n
	}
}

// WithItemCallback calls fn once for every item of the batch that reaches
// Committed or Failed, outside the set's lock. fn may be called from the
// writer's goroutine and must not call back into the adapter.
func WithItemCallback(fn func(ItemRef)) AdapterOption {
	return func(a *Adapter) {
		if fn != nil {
			a.onItem = fn
		}
	}
}

func WithSelectionPolicy(p SelectionPolicy) AdapterOption {
	return func(a *Adapter) {
		a.policy = p
	}
}

// Adapter feeds one batch of items from an ArchiveItemSet to an archive
// writer. It implements UpdateProvider.
type Adapter struct {
	logger      *zap.Logger
	set         *ArchiveItemSet
	final       bool
	password    string
	hasPassword bool
	progress    ProgressSink
	policy      SelectionPolicy
	maxItems    int
	onItem      func(ItemRef)

	// The fields below are guarded by set.mu.
	cursor    int
	base      uint32
	claimed   int
	inFlight  map[int]struct{}
	committed int
	failed    []int
	exhausted bool

	total     atomic.Uint64
	completed atomic.Uint64
}

var _ UpdateProvider = (*Adapter)(nil)

// NewAdapter creates the adapter for one batch. Positions are allocated by
// the set, so they continue after earlier batches and never collide with
// adapters running at the same time.
func NewAdapter(logger *zap.Logger, set *ArchiveItemSet, final bool, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		logger:   logger,
		set:      set,
		final:    final,
		progress: NopProgress,
		onItem:   func(ItemRef) {},
		inFlight: make(map[int]struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	set.mu.Lock()
	a.cursor = set.firstAddIndex
	a.base = uint32(len(set.committed))
	set.mu.Unlock()

	return a
}

func (a *Adapter) Final() bool {
	return a.final
}

// Base returns how many positions were committed when the adapter was
// created. Without concurrent adapters it is the first position handed out.
func (a *Adapter) Base() uint32 {
	return a.base
}

func (a *Adapter) SetTotal(total uint64) {
	a.total.Store(total)
	a.progress.Progress(total, a.completed.Load())
}

func (a *Adapter) SetCompleted(completed uint64) {
	a.completed.Store(completed)
	a.progress.Progress(a.total.Load(), completed)
}

func (a *Adapter) SetRatioInfo(inSize, outSize uint64) {
	a.progress.Ratio(inSize, outSize)
}

func (a *Adapter) GetPassword() (string, bool) {
	return a.password, a.hasPassword
}

// GetNextItemInfo claims the next pending item. It blocks while nothing is
// pending and production is still open.
func (a *Adapter) GetNextItemInfo(ctx context.Context) (UpdateItemInfo, bool, error) {
	s := a.set

	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return UpdateItemInfo{}, false, err
		}

		if a.maxItems > 0 && a.claimed >= a.maxItems {
			return UpdateItemInfo{}, false, nil
		}

		if index := a.selectLocked(); index >= 0 {
			it := s.items[index]
			it.state = ItemInFlight
			it.owner = a
			it.position = s.reservePositionLocked()
			a.claimed++
			a.inFlight[index] = struct{}{}

			a.logger.Debug("claimed item",
				zap.Int("index", index),
				zap.String("name", it.Name),
				zap.Uint32("position", it.position),
			)

			return UpdateItemInfo{
				Index:         index,
				NewData:       true,
				NewProperties: true,
				Position:      it.position,
			}, true, nil
		}

		if s.closed {
			a.exhausted = true
			return UpdateItemInfo{}, false, nil
		}

		s.cond.Wait()
	}
}

// selectLocked returns the index of the pending item to claim, or -1.
func (a *Adapter) selectLocked() int {
	items := a.set.items

	for a.cursor < len(items) && items[a.cursor].state != ItemPending {
		a.cursor++
	}
	if a.cursor >= len(items) {
		return -1
	}

	if a.policy != LargestFirst {
		return a.cursor
	}

	best := a.cursor
	for i := a.cursor + 1; i < len(items); i++ {
		if items[i].state == ItemPending && items[i].Size > items[best].Size {
			best = i
		}
	}
	return best
}

// ownedLocked returns the item at index if this adapter holds it in flight.
func (a *Adapter) ownedLocked(index int) (*ArchiveItem, error) {
	if index < 0 || index >= len(a.set.items) {
		return nil, fmt.Errorf("item index %d out of range", index)
	}
	it := a.set.items[index]
	if it.owner != a {
		return nil, fmt.Errorf("item %d (%s) was not claimed by this batch", index, it.Name)
	}
	return it, nil
}

// GetItemProperties opens the item's source and returns its metadata. The
// opened stream is kept for GetItemStream.
func (a *Adapter) GetItemProperties(ctx context.Context, index int) (ItemProperties, error) {
	s := a.set

	s.mu.Lock()
	it, err := a.ownedLocked(index)
	if err == nil && it.state != ItemInFlight {
		err = fmt.Errorf("item %d (%s) is %s", index, it.Name, it.state)
	}
	var opened bool
	if err == nil {
		opened = it.stream != nil
	}
	s.mu.Unlock()
	if err != nil {
		return ItemProperties{}, err
	}

	if !opened {
		rc, size, err := it.Source.Open(ctx)
		if err != nil {
			itemErr := &ItemError{Name: it.Name, Err: fmt.Errorf("%w: %w", ErrItemUnavailable, err)}
			a.fail(index, itemErr)
			return ItemProperties{}, itemErr
		}

		s.mu.Lock()
		if it.state != ItemInFlight {
			// Abandoned while opening.
			s.mu.Unlock()
			_ = rc.Close()
			return ItemProperties{}, &ItemError{Name: it.Name, Err: it.err}
		}
		it.stream = rc
		if size != SizeUnknown {
			it.Size = size
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return ItemProperties{
		Name:       it.Name,
		Size:       it.Size,
		ModTime:    it.ModTime,
		Attributes: it.Attributes,
	}, nil
}

// GetItemStream hands the item's stream over to the writer. Read errors other
// than io.EOF fail the item with ErrStreamIO.
func (a *Adapter) GetItemStream(ctx context.Context, index int) (io.ReadCloser, error) {
	s := a.set

	s.mu.Lock()
	it, err := a.ownedLocked(index)
	if err == nil && it.state != ItemInFlight {
		err = fmt.Errorf("item %d (%s) is %s", index, it.Name, it.state)
	}
	var rc io.ReadCloser
	if err == nil {
		rc = it.stream
		it.stream = nil
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if rc == nil {
		var openErr error
		rc, _, openErr = it.Source.Open(ctx)
		if openErr != nil {
			itemErr := &ItemError{Name: it.Name, Err: fmt.Errorf("%w: %w", ErrItemUnavailable, openErr)}
			a.fail(index, itemErr)
			return nil, itemErr
		}
	}

	return &itemStream{rc: rc, adapter: a, index: index, name: it.Name}, nil
}

// SetItemResult settles an in-flight item. Settling an item twice is a no-op.
func (a *Adapter) SetItemResult(index int, result OperationResult, cause error) error {
	s := a.set

	s.mu.Lock()
	it, err := a.ownedLocked(index)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if it.state.Terminal() {
		s.mu.Unlock()
		return nil
	}

	var stream io.ReadCloser
	switch result {
	case OperationOK:
		if err := s.commitPositionLocked(it.position); err != nil {
			it.state = ItemFailed
			it.err = err
			delete(a.inFlight, index)
			a.failed = append(a.failed, index)
			ref := it.ref(index)
			s.mu.Unlock()
			a.onItem(ref)
			return err
		}
		it.state = ItemCommitted
		a.committed++
		delete(a.inFlight, index)
	default:
		if cause == nil {
			cause = errors.New("rejected by archive writer")
		}
		stream, _ = a.failLocked(index, &ItemError{Name: it.Name, Err: cause})
	}
	ref := it.ref(index)
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}

	if result == OperationOK {
		a.logger.Debug("committed item", zap.String("name", ref.Name), zap.Uint32("position", ref.Position))
	} else {
		a.logger.Warn("archive writer failed item", zap.String("name", ref.Name), zap.Error(cause))
	}
	a.onItem(ref)

	return nil
}

func (a *Adapter) fail(index int, err error) {
	s := a.set

	s.mu.Lock()
	stream, failed := a.failLocked(index, err)
	ref := s.items[index].ref(index)
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if !failed {
		return
	}

	a.logger.Warn("item failed", zap.Int("index", index), zap.Error(err))
	a.onItem(ref)
}

// failLocked moves an in-flight item to Failed and releases its position. It
// returns any stream the item still owned so the caller can close it outside
// the lock, and whether the item changed state.
func (a *Adapter) failLocked(index int, err error) (io.ReadCloser, bool) {
	it := a.set.items[index]
	if it.owner != a || it.state != ItemInFlight {
		return nil, false
	}

	it.state = ItemFailed
	it.err = err
	delete(a.inFlight, index)
	a.failed = append(a.failed, index)
	a.set.releasePositionLocked(it.position)

	stream := it.stream
	it.stream = nil
	return stream, true
}

// Abandon fails every item this adapter still holds in flight.
func (a *Adapter) Abandon(cause error) []ItemRef {
	if cause == nil {
		cause = ErrAbandoned
	} else if !errors.Is(cause, ErrAbandoned) {
		cause = fmt.Errorf("%w: %w", ErrAbandoned, cause)
	}

	s := a.set

	s.mu.Lock()
	indexes := make([]int, 0, len(a.inFlight))
	for index := range a.inFlight {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)

	var streams []io.ReadCloser
	refs := make([]ItemRef, 0, len(indexes))
	for _, index := range indexes {
		it := s.items[index]
		if stream, _ := a.failLocked(index, &ItemError{Name: it.Name, Err: cause}); stream != nil {
			streams = append(streams, stream)
		}
		refs = append(refs, it.ref(index))
	}
	s.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Close()
	}
	for _, ref := range refs {
		a.onItem(ref)
	}

	return refs
}

// finish closes the batch: the set's first-add marker moves past everything
// this adapter has scanned.
func (a *Adapter) finish() {
	s := a.set

	s.mu.Lock()
	for a.cursor < len(s.items) && s.items[a.cursor].state != ItemPending {
		a.cursor++
	}
	cursor := a.cursor
	s.mu.Unlock()

	s.advanceFirstAddIndex(cursor)
}

// Result summarizes the batch so far.
func (a *Adapter) Result() BatchResult {
	s := a.set

	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make([]ItemRef, len(a.failed))
	for i, index := range a.failed {
		failed[i] = s.items[index].ref(index)
	}

	return BatchResult{
		Committed: a.committed,
		Failed:    failed,
		Exhausted: a.exhausted,
	}
}

type itemStream struct {
	rc      io.ReadCloser
	adapter *Adapter
	index   int
	name    string
}

func (r *itemStream) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		streamErr := &ItemError{Name: r.name, Err: fmt.Errorf("%w: %w", ErrStreamIO, err)}
		r.adapter.fail(r.index, streamErr)
		return n, streamErr
	}
	return n, err
}

func (r *itemStream) Close() error {
	return r.rc.Close()
}
