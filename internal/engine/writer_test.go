package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingWriter is a minimal archive writer driving the provider contract
// the way the real archivers do.
type recordingWriter struct {
	mu          sync.Mutex
	entries     []recordedEntry
	completed   uint64
	closed      bool
	closedAfter int
	password    string
	initErr     error
	reject      map[string]error
}

type recordedEntry struct {
	Name     string
	Position uint32
	Data     string
}

func (w *recordingWriter) Extension() string { return ".rec" }

func (w *recordingWriter) Update(ctx context.Context, p UpdateProvider) error {
	if w.initErr != nil {
		return w.initErr
	}
	if password, ok := p.GetPassword(); ok {
		w.password = password
	}

	var total uint64
	for {
		info, ok, err := p.GetNextItemInfo(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		props, err := p.GetItemProperties(ctx, info.Index)
		if err != nil {
			if errors.Is(err, ErrItemUnavailable) {
				continue
			}
			return err
		}
		if props.Size > 0 {
			total += uint64(props.Size)
			p.SetTotal(total)
		}

		rc, err := p.GetItemStream(ctx, info.Index)
		if err != nil {
			if errors.Is(err, ErrItemUnavailable) {
				continue
			}
			return err
		}
		data, readErr := io.ReadAll(rc)
		_ = rc.Close()

		if readErr == nil {
			readErr = w.reject[props.Name]
		}
		if readErr != nil {
			if err := p.SetItemResult(info.Index, OperationFailed, readErr); err != nil {
				return err
			}
			continue
		}

		if err := p.SetItemResult(info.Index, OperationOK, nil); err != nil {
			return err
		}

		w.mu.Lock()
		w.completed += uint64(len(data))
		w.entries = append(w.entries, recordedEntry{Name: props.Name, Position: info.Position, Data: string(data)})
		w.mu.Unlock()

		p.SetCompleted(w.completed)
		p.SetRatioInfo(w.completed, w.completed/2)
	}

	if p.Final() {
		w.mu.Lock()
		w.closed = true
		w.closedAfter = len(w.entries)
		w.mu.Unlock()
	}
	return nil
}

func (w *recordingWriter) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, len(w.entries))
	for i, e := range w.entries {
		names[i] = e.Name
	}
	return names
}

func (w *recordingWriter) positions() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	positions := make([]uint32, len(w.entries))
	for i, e := range w.entries {
		positions[i] = e.Position
	}
	return positions
}

type progressCall struct {
	total, completed uint64
}

type recordingProgress struct {
	mu    sync.Mutex
	calls []progressCall
	in    uint64
	out   uint64
}

func (r *recordingProgress) Progress(total, completed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, progressCall{total: total, completed: completed})
}

func (r *recordingProgress) Ratio(in, out uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in, r.out = in, out
}

func (r *recordingProgress) last() progressCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return progressCall{}
	}
	return r.calls[len(r.calls)-1]
}

func failingSource(err error) Source {
	return SourceFunc(func(context.Context) (io.ReadCloser, int64, error) {
		return nil, SizeUnknown, err
	})
}

// brokenReader yields prefix then fails.
type brokenReader struct {
	r   io.Reader
	err error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, b.err
	}
	return n, err
}

func brokenSource(prefix string, err error) Source {
	return SourceFunc(func(context.Context) (io.ReadCloser, int64, error) {
		return io.NopCloser(&brokenReader{r: strings.NewReader(prefix), err: err}), int64(len(prefix) * 2), nil
	})
}

func bytesItem(name string, size int) ArchiveItem {
	data := strings.Repeat("x", size)
	return ArchiveItem{Name: name, Source: BytesSource(data), Size: int64(size)}
}

func appendAll(t *testing.T, set *ArchiveItemSet, items ...ArchiveItem) {
	t.Helper()
	for _, it := range items {
		_, err := set.Append(it)
		require.NoError(t, err)
	}
}
