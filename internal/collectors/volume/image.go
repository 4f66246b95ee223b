package volume

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/spf13/afero"
)

const DefaultSectorSize = 512

var imageSpecRegexp = regexp.MustCompile(`^([^,]+)(?:,offset=([0-9]+))?(?:,size=([0-9]+))?(?:,sector=([0-9]+))?(?:,part=([0-9]+))?$`)

// ImageSpec locates a byte range in a disk image or device:
// "path[,offset=N][,size=N][,sector=N][,part=N]". Offset is where the disk
// starts in the file. Part selects a partition (1-based) from the partition
// table found there, otherwise Size bytes are read (zero means up to the end).
type ImageSpec struct {
	Path       string
	Offset     int64
	Size       int64
	SectorSize int64
	Partition  int
}

func ParseImageSpec(s string) (ImageSpec, error) {
	m := imageSpecRegexp.FindStringSubmatch(s)
	if m == nil {
		return ImageSpec{}, fmt.Errorf("invalid image specification %q", s)
	}

	spec := ImageSpec{Path: m[1], SectorSize: DefaultSectorSize}

	var err error
	parse := func(field, value string) int64 {
		if value == "" || err != nil {
			return 0
		}
		var n int64
		n, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			err = fmt.Errorf("invalid %s in image specification %q: %w", field, s, err)
		}
		return n
	}

	spec.Offset = parse("offset", m[2])
	spec.Size = parse("size", m[3])
	if sector := parse("sector", m[4]); sector > 0 {
		spec.SectorSize = sector
	}
	spec.Partition = int(parse("part", m[5]))
	if err != nil {
		return ImageSpec{}, err
	}

	if m[4] != "" && spec.SectorSize%DefaultSectorSize != 0 {
		return ImageSpec{}, fmt.Errorf("sector size %d is not a multiple of %d", spec.SectorSize, DefaultSectorSize)
	}

	return spec, nil
}

func (s ImageSpec) String() string {
	out := s.Path
	if s.Offset != 0 {
		out += ",offset=" + strconv.FormatInt(s.Offset, 10)
	}
	if s.Size != 0 {
		out += ",size=" + strconv.FormatInt(s.Size, 10)
	}
	if s.SectorSize != DefaultSectorSize {
		out += ",sector=" + strconv.FormatInt(s.SectorSize, 10)
	}
	if s.Partition != 0 {
		out += ",part=" + strconv.Itoa(s.Partition)
	}
	return out
}

// Extent is the resolved byte range of an ImageSpec.
type Extent struct {
	Offset int64
	Length int64
}

// Resolve opens the image and computes the byte range the spec designates.
func (s ImageSpec) Resolve(fs afero.Fs) (Extent, error) {
	f, err := fs.Open(s.Path)
	if err != nil {
		return Extent{}, fmt.Errorf("failed to open image %s: %w", s.Path, err)
	}
	defer f.Close()

	// Devices report a zero size in stat, seeking works for both.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return Extent{}, fmt.Errorf("failed to size image %s: %w", s.Path, err)
	}

	if s.Offset > end {
		return Extent{}, fmt.Errorf("offset %d is past the end of %s (%d bytes)", s.Offset, s.Path, end)
	}

	if s.Partition > 0 {
		part, err := findPartition(f, s.Offset, s.SectorSize, s.Partition)
		if err != nil {
			return Extent{}, fmt.Errorf("failed to locate partition %d of %s: %w", s.Partition, s.Path, err)
		}
		if part.Offset+part.Length > end {
			return Extent{}, fmt.Errorf("partition %d of %s extends past the end of the image", s.Partition, s.Path)
		}
		return part, nil
	}

	length := end - s.Offset
	if s.Size > 0 {
		if s.Size > length {
			return Extent{}, fmt.Errorf("size %d exceeds the %d bytes available in %s", s.Size, length, s.Path)
		}
		length = s.Size
	}

	if length == 0 {
		return Extent{}, errors.New("image range is empty")
	}

	return Extent{Offset: s.Offset, Length: length}, nil
}
