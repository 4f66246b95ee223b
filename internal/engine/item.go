package engine

import (
	"io"
	"time"
)

// SizeUnknown marks an item whose size is only known once its source is opened.
const SizeUnknown int64 = -1

// ItemState is the lifecycle state of an archive item.
type ItemState int

const (
	ItemPending ItemState = iota
	ItemInFlight
	ItemCommitted
	ItemFailed
)

func (s ItemState) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemInFlight:
		return "in_flight"
	case ItemCommitted:
		return "committed"
	case ItemFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s ItemState) Terminal() bool {
	return s == ItemCommitted || s == ItemFailed
}

// ArchiveItem is one logical file or stream to be written into an archive.
// Exported fields are set by the producer before Append; the rest is owned by
// the item set.
type ArchiveItem struct {
	// Name is the entry name inside the archive.
	Name string
	// Source opens the item's bytes.
	Source Source
	// Size is the declared byte length, or SizeUnknown.
	Size       int64
	ModTime    time.Time
	Attributes map[string]string

	state    ItemState
	position uint32
	owner    *Adapter
	stream   io.ReadCloser
	err      error
}

// ItemRef is a point-in-time view of an item held by an ArchiveItemSet.
type ItemRef struct {
	Index    int
	Name     string
	Size     int64
	State    ItemState
	Position uint32
	Err      error
	// Attributes is shared with the item and must not be modified.
	Attributes map[string]string
}

func (it *ArchiveItem) ref(index int) ItemRef {
	return ItemRef{
		Index:      index,
		Name:       it.Name,
		Size:       it.Size,
		State:      it.state,
		Position:   it.position,
		Err:        it.err,
		Attributes: it.Attributes,
	}
}

// ItemProperties is what an archive writer needs to emit an entry header.
type ItemProperties struct {
	Name       string
	Size       int64
	ModTime    time.Time
	Attributes map[string]string
}
