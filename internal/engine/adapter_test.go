package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestAdapter_CommitOrderAndFinalClose(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 2*1024), bytesItem("B", 5*1024))
	set.CloseProduction()

	progress := &recordingProgress{}
	writer := &recordingWriter{}
	adapter := NewAdapter(zaptest.NewLogger(t), set, true, WithProgressSink(progress))

	result, err := RunBatch(t.Context(), writer, adapter)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, writer.names())
	assert.Equal(t, []uint32{0, 1}, writer.positions())
	assert.True(t, writer.closed, "final batch should close the archive")
	assert.Equal(t, 2, writer.closedAfter, "archive closed only after B settled")

	assert.Equal(t, 2, result.Committed)
	assert.Empty(t, result.Failed)
	assert.True(t, result.Exhausted)

	last := progress.last()
	assert.Equal(t, uint64(7*1024), last.completed)
	assert.Equal(t, uint64(7*1024), last.total)
	assert.Equal(t, uint64(7*1024), progress.in)
}

func TestAdapter_SourceFailsToOpen(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, ArchiveItem{Name: "A", Source: failingSource(errors.New("access denied")), Size: 10})
	set.CloseProduction()

	writer := &recordingWriter{}
	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.NoError(t, err)

	assert.Equal(t, 0, result.Committed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "A", result.Failed[0].Name)
	assert.Equal(t, ItemFailed, result.Failed[0].State)
	assert.ErrorIs(t, result.Failed[0].Err, ErrItemUnavailable)
	assert.ErrorContains(t, result.Failed[0].Err, "access denied")

	assert.Equal(t, 0, set.CommittedCount(), "no archive position consumed for A")
	assert.Empty(t, writer.entries)
}

func TestAdapter_FailedItemDoesNotConsumePosition(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set,
		ArchiveItem{Name: "A", Source: failingSource(errors.New("gone"))},
		bytesItem("B", 3),
		bytesItem("C", 4),
	)
	set.CloseProduction()

	writer := &recordingWriter{}
	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C"}, writer.names())
	assert.Equal(t, []uint32{0, 1}, writer.positions())
	assert.Equal(t, 2, result.Committed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "A", result.Failed[0].Name)
}

func TestAdapter_StreamErrorIsIsolated(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set,
		ArchiveItem{Name: "broken", Source: brokenSource("partial", errors.New("bad sector")), Size: 14},
		bytesItem("ok", 8),
	)
	set.CloseProduction()

	writer := &recordingWriter{}
	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, writer.names())
	assert.Equal(t, 1, result.Committed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "broken", result.Failed[0].Name)
	assert.ErrorIs(t, result.Failed[0].Err, ErrStreamIO)
	assert.ErrorContains(t, result.Failed[0].Err, "bad sector")
}

func TestAdapter_WriterRejectsItem(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1), bytesItem("B", 1))
	set.CloseProduction()

	writer := &recordingWriter{reject: map[string]error{"A": errors.New("entry too large")}}
	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.NoError(t, err)

	assert.Equal(t, []uint32{0}, writer.positions(), "B reuses the position A released")
	require.Len(t, result.Failed, 1)
	assert.ErrorContains(t, result.Failed[0].Err, "entry too large")
}

func TestAdapter_SequentialBatchesContinueNumbering(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1), bytesItem("B", 1))

	writer := &recordingWriter{}

	first := NewAdapter(zap.NewNop(), set, false, WithMaxItems(2))
	assert.Equal(t, uint32(0), first.Base())
	result, err := RunBatch(t.Context(), writer, first)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Committed)
	assert.False(t, result.Exhausted)
	assert.False(t, writer.closed, "non-final batch leaves the archive open")
	assert.Equal(t, 2, set.FirstAddIndex())

	appendAll(t, set, bytesItem("C", 1))
	set.CloseProduction()

	second := NewAdapter(zap.NewNop(), set, true)
	assert.Equal(t, uint32(2), second.Base())
	result, err = RunBatch(t.Context(), writer, second)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Committed)
	assert.True(t, result.Exhausted)
	assert.Equal(t, []string{"A", "B", "C"}, writer.names())
	assert.Equal(t, []uint32{0, 1, 2}, writer.positions())
	assert.Equal(t, 3, set.CommittedCount())
	assert.True(t, writer.closed)
}

func TestAdapter_GetNextItemInfoBlocksUntilAppend(t *testing.T) {
	set := NewArchiveItemSet()
	adapter := NewAdapter(zap.NewNop(), set, true)

	type claim struct {
		info UpdateItemInfo
		ok   bool
		err  error
	}
	claims := make(chan claim, 1)
	go func() {
		info, ok, err := adapter.GetNextItemInfo(context.Background())
		claims <- claim{info, ok, err}
	}()

	select {
	case <-claims:
		t.Fatal("GetNextItemInfo returned while the set was empty and production open")
	case <-time.After(50 * time.Millisecond):
	}

	appendAll(t, set, bytesItem("late", 4))

	select {
	case c := <-claims:
		require.NoError(t, c.err)
		assert.True(t, c.ok)
		assert.Equal(t, 0, c.info.Index)
		assert.True(t, c.info.NewData)
		assert.True(t, c.info.NewProperties)
	case <-time.After(time.Second):
		t.Fatal("GetNextItemInfo did not wake up after Append")
	}
}

func TestAdapter_GetNextItemInfoWakesOnCloseProduction(t *testing.T) {
	set := NewArchiveItemSet()
	adapter := NewAdapter(zap.NewNop(), set, true)

	done := make(chan bool, 1)
	go func() {
		_, ok, _ := adapter.GetNextItemInfo(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	set.CloseProduction()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("GetNextItemInfo did not return after CloseProduction")
	}
}

func TestAdapter_ExhaustedImmediatelyWhenClosed(t *testing.T) {
	set := NewArchiveItemSet()
	set.CloseProduction()

	_, ok, err := NewAdapter(zap.NewNop(), set, true).GetNextItemInfo(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_GetNextItemInfoHonorsContext(t *testing.T) {
	set := NewArchiveItemSet()
	adapter := NewAdapter(zap.NewNop(), set, true)

	ctx, cancel := context.WithCancel(t.Context())
	errs := make(chan error, 1)
	go func() {
		_, _, err := adapter.GetNextItemInfo(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("GetNextItemInfo ignored context cancellation")
	}
}

func TestAdapter_SetItemResultIsIdempotent(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1))
	adapter := NewAdapter(zap.NewNop(), set, true)

	info, ok, err := adapter.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, adapter.SetItemResult(info.Index, OperationOK, nil))
	require.NoError(t, adapter.SetItemResult(info.Index, OperationOK, nil))

	assert.Equal(t, 1, set.CommittedCount())
	assert.Equal(t, 1, adapter.Result().Committed)

	ref, ok := set.Item(info.Index)
	require.True(t, ok)
	assert.Equal(t, ItemCommitted, ref.State)

	// A later failure report cannot revisit a terminal item.
	require.NoError(t, adapter.SetItemResult(info.Index, OperationFailed, errors.New("late")))
	ref, _ = set.Item(info.Index)
	assert.Equal(t, ItemCommitted, ref.State)
}

func TestAdapter_RejectsForeignItems(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1))

	owner := NewAdapter(zap.NewNop(), set, false)
	other := NewAdapter(zap.NewNop(), set, false)

	info, ok, err := owner.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = other.GetItemProperties(t.Context(), info.Index)
	assert.ErrorContains(t, err, "not claimed by this batch")
	assert.Error(t, other.SetItemResult(info.Index, OperationOK, nil))
	assert.Error(t, other.SetItemResult(42, OperationOK, nil))
}

func TestAdapter_CommitOfTakenPositionIsAnInvariantViolation(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1))

	adapter := NewAdapter(zap.NewNop(), set, false)
	a, ok, err := adapter.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, set.MarkCommitted(a.Position))

	err = adapter.SetItemResult(a.Index, OperationOK, nil)
	require.ErrorIs(t, err, ErrIndexConsistency)
	var indexErr *IndexConsistencyError
	require.ErrorAs(t, err, &indexErr)
	assert.Equal(t, a.Position, indexErr.Position)

	ref, _ := set.Item(a.Index)
	assert.Equal(t, ItemFailed, ref.State)
	assert.Equal(t, 1, set.CommittedCount())
	assert.Zero(t, adapter.Result().Committed)
}

func TestAdapter_SkipsPositionsCommittedOutsideBatches(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1), bytesItem("B", 1))
	require.NoError(t, set.MarkCommitted(0))

	adapter := NewAdapter(zap.NewNop(), set, true)
	a, ok, err := adapter.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), a.Position)
}

func TestAdapter_OverlappingBatchesNeverShareAPosition(t *testing.T) {
	const items = 20

	set := NewArchiveItemSet()
	for i := range items {
		appendAll(t, set, bytesItem(fmt.Sprintf("evtx/%02d.evtx", i), 8))
	}
	set.CloseProduction()

	drain := func(adapter *Adapter) error {
		for {
			info, ok, err := adapter.GetNextItemInfo(t.Context())
			if err != nil || !ok {
				return err
			}
			if _, err := adapter.GetItemProperties(t.Context(), info.Index); err != nil {
				return err
			}
			rc, err := adapter.GetItemStream(t.Context(), info.Index)
			if err != nil {
				return err
			}
			_, err = io.Copy(io.Discard, rc)
			_ = rc.Close()
			if err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
			if err := adapter.SetItemResult(info.Index, OperationOK, nil); err != nil {
				return err
			}
		}
	}

	first := NewAdapter(zap.NewNop(), set, false)
	second := NewAdapter(zap.NewNop(), set, false)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, adapter := range []*Adapter{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = drain(adapter)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, items, first.Result().Committed+second.Result().Committed)
	assert.Equal(t, items, set.CommittedCount())

	positions := map[uint32]string{}
	for _, ref := range set.Items() {
		require.Equal(t, ItemCommitted, ref.State, ref.Name)
		prev, dup := positions[ref.Position]
		require.False(t, dup, "%s and %s share position %d", prev, ref.Name, ref.Position)
		positions[ref.Position] = ref.Name
		assert.Less(t, ref.Position, uint32(items))
	}
}

func TestAdapter_OverlappingBatchReusesReleasedPosition(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1), bytesItem("B", 1), bytesItem("C", 1))

	first := NewAdapter(zap.NewNop(), set, false)
	second := NewAdapter(zap.NewNop(), set, false)

	a, _, err := first.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	b, _, err := second.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.Position)
	assert.Equal(t, uint32(1), b.Position)

	require.NoError(t, first.SetItemResult(a.Index, OperationFailed, errors.New("sharing violation")))

	c, _, err := second.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), c.Position, "position of the failed item is free again")

	require.NoError(t, second.SetItemResult(b.Index, OperationOK, nil))
	require.NoError(t, second.SetItemResult(c.Index, OperationOK, nil))
	assert.Equal(t, 2, set.CommittedCount())
}

func TestAdapter_ItemCallbackOncePerSettledItem(t *testing.T) {
	set := NewArchiveItemSet()
	unavailable := bytesItem("locked.dat", 4)
	unavailable.Source = failingSource(errors.New("sharing violation"))
	appendAll(t, set, bytesItem("A", 2), unavailable, bytesItem("B", 3), bytesItem("C", 1), bytesItem("D", 1))

	var (
		mu      sync.Mutex
		settled = map[string][]ItemState{}
	)
	adapter := NewAdapter(zap.NewNop(), set, false, WithItemCallback(func(ref ItemRef) {
		mu.Lock()
		defer mu.Unlock()
		settled[ref.Name] = append(settled[ref.Name], ref.State)
	}))

	claim := func() UpdateItemInfo {
		t.Helper()
		info, ok, err := adapter.GetNextItemInfo(t.Context())
		require.NoError(t, err)
		require.True(t, ok)
		return info
	}

	a := claim()
	_, err := adapter.GetItemProperties(t.Context(), a.Index)
	require.NoError(t, err)
	require.NoError(t, adapter.SetItemResult(a.Index, OperationOK, nil))
	require.NoError(t, adapter.SetItemResult(a.Index, OperationOK, nil))

	locked := claim()
	_, err = adapter.GetItemProperties(t.Context(), locked.Index)
	require.ErrorIs(t, err, ErrItemUnavailable)

	b := claim()
	require.NoError(t, adapter.SetItemResult(b.Index, OperationFailed, errors.New("deflate failed")))

	claim()
	claim()
	adapter.Abandon(nil)
	adapter.Abandon(nil)

	assert.Equal(t, map[string][]ItemState{
		"A":          {ItemCommitted},
		"locked.dat": {ItemFailed},
		"B":          {ItemFailed},
		"C":          {ItemFailed},
		"D":          {ItemFailed},
	}, settled)
}

func TestAdapter_AbandonFailsInFlightItems(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set, bytesItem("A", 1), bytesItem("B", 1))
	adapter := NewAdapter(zap.NewNop(), set, false)

	info, ok, err := adapter.GetNextItemInfo(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = adapter.GetItemProperties(t.Context(), info.Index)
	require.NoError(t, err)

	abandoned := adapter.Abandon(nil)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "A", abandoned[0].Name)
	assert.Equal(t, ItemFailed, abandoned[0].State)
	assert.ErrorIs(t, abandoned[0].Err, ErrAbandoned)

	refs := set.Items()
	assert.Equal(t, ItemFailed, refs[0].State)
	assert.Equal(t, ItemPending, refs[1].State, "unclaimed items stay pending for a later batch")

	_, err = adapter.GetItemStream(t.Context(), info.Index)
	assert.Error(t, err)
}

func TestAdapter_LargestFirst(t *testing.T) {
	set := NewArchiveItemSet()
	appendAll(t, set,
		bytesItem("small", 1),
		bytesItem("big", 100),
		ArchiveItem{Name: "unknown", Source: BytesSource("zz"), Size: SizeUnknown},
		bytesItem("medium", 10),
		bytesItem("big-too", 100),
	)
	set.CloseProduction()

	writer := &recordingWriter{}
	_, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true, WithSelectionPolicy(LargestFirst)))
	require.NoError(t, err)

	assert.Equal(t, []string{"big", "big-too", "medium", "small", "unknown"}, writer.names())
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, writer.positions())
}

func TestParseSelectionPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SelectionPolicy
		wantErr bool
	}{
		{in: "", want: FirstReady},
		{in: "first_ready", want: FirstReady},
		{in: "largest_first", want: LargestFirst},
		{in: "random", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSelectionPolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestAdapter_PasswordIsForwarded(t *testing.T) {
	set := NewArchiveItemSet()
	set.CloseProduction()

	writer := &recordingWriter{}
	_, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true, WithPassword("s3cret")))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", writer.password)

	password, ok := NewAdapter(zap.NewNop(), set, true).GetPassword()
	assert.False(t, ok)
	assert.Empty(t, password)
}

func TestAdapter_ConcurrentClaimsAreExclusive(t *testing.T) {
	const (
		producers        = 4
		itemsPerProducer = 250
		adapters         = 8
	)

	set := NewArchiveItemSet()
	claims := make([]atomic.Int32, producers*itemsPerProducer)

	var producersWG sync.WaitGroup
	for p := range producers {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			for i := range itemsPerProducer {
				_, err := set.Append(bytesItem(fmt.Sprintf("p%d-%d", p, i), 1))
				assert.NoError(t, err)
			}
		}()
	}
	go func() {
		producersWG.Wait()
		set.CloseProduction()
	}()

	var adaptersWG sync.WaitGroup
	for range adapters {
		adaptersWG.Add(1)
		go func() {
			defer adaptersWG.Done()
			adapter := NewAdapter(zap.NewNop(), set, false)
			for {
				info, ok, err := adapter.GetNextItemInfo(context.Background())
				if !assert.NoError(t, err) || !ok {
					return
				}
				claims[info.Index].Add(1)
			}
		}()
	}
	adaptersWG.Wait()

	for i := range claims {
		assert.LessOrEqual(t, claims[i].Load(), int32(1), "item %d claimed more than once", i)
		assert.Equal(t, int32(1), claims[i].Load(), "item %d never claimed", i)
	}
}

func TestAdapter_EveryItemEndsTerminal(t *testing.T) {
	const producers, perProducer = 3, 100

	set := NewArchiveItemSet()
	writer := &recordingWriter{}

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				item := bytesItem(fmt.Sprintf("p%d/%03d", p, i), i%7)
				if i%10 == 0 {
					item.Source = failingSource(errors.New("locked"))
				}
				_, err := set.Append(item)
				assert.NoError(t, err)
			}
		}()
	}
	go func() {
		wg.Wait()
		set.CloseProduction()
	}()

	result, err := RunBatch(t.Context(), writer, NewAdapter(zap.NewNop(), set, true))
	require.NoError(t, err)

	refs := set.Items()
	require.Len(t, refs, producers*perProducer)

	committed, failed := 0, 0
	seen := make(map[uint32]bool)
	for _, ref := range refs {
		require.True(t, ref.State.Terminal(), "item %s is %s", ref.Name, ref.State)
		if ref.State == ItemCommitted {
			committed++
			assert.False(t, seen[ref.Position], "position %d reused", ref.Position)
			seen[ref.Position] = true
		} else {
			failed++
		}
	}

	assert.Equal(t, committed, result.Committed)
	assert.Equal(t, failed, len(result.Failed))
	assert.Equal(t, producers*perProducer/10, failed)
	assert.Equal(t, committed, set.CommittedCount())
}
