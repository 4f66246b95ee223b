package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	mbrTableOffset    = 446
	mbrEntrySize      = 16
	mbrEntries        = 4
	mbrSignature      = 0xAA55
	mbrTypeProtective = 0xEE

	gptSignature  = "EFI PART"
	maxGPTEntries = 1024
)

// findPartition reads the partition table of the disk starting at base and
// returns the extent of partition number (1-based). Both MBR primary
// partitions and GPT are understood.
func findPartition(r io.ReaderAt, base, sectorSize int64, number int) (Extent, error) {
	mbr := make([]byte, DefaultSectorSize)
	if _, err := r.ReadAt(mbr, base); err != nil {
		return Extent{}, fmt.Errorf("failed to read master boot record: %w", err)
	}

	if binary.LittleEndian.Uint16(mbr[510:]) != mbrSignature {
		return Extent{}, fmt.Errorf("no partition table found")
	}

	if mbr[mbrTableOffset+4] == mbrTypeProtective {
		return findGPTPartition(r, base, sectorSize, number)
	}

	if number > mbrEntries {
		return Extent{}, fmt.Errorf("MBR has only %d primary partitions", mbrEntries)
	}

	entry := mbr[mbrTableOffset+(number-1)*mbrEntrySize:][:mbrEntrySize]
	if entry[4] == 0 {
		return Extent{}, fmt.Errorf("partition entry %d is empty", number)
	}

	start := int64(binary.LittleEndian.Uint32(entry[8:]))
	sectors := int64(binary.LittleEndian.Uint32(entry[12:]))

	return Extent{
		Offset: base + start*sectorSize,
		Length: sectors * sectorSize,
	}, nil
}

func findGPTPartition(r io.ReaderAt, base, sectorSize int64, number int) (Extent, error) {
	header := make([]byte, 92)
	if _, err := r.ReadAt(header, base+sectorSize); err != nil {
		return Extent{}, fmt.Errorf("failed to read GPT header: %w", err)
	}

	if !bytes.Equal(header[:8], []byte(gptSignature)) {
		return Extent{}, fmt.Errorf("protective MBR without a GPT header")
	}

	entriesLBA := int64(binary.LittleEndian.Uint64(header[72:]))
	count := int(binary.LittleEndian.Uint32(header[80:]))
	entrySize := int64(binary.LittleEndian.Uint32(header[84:]))

	if entrySize < 128 || count > maxGPTEntries {
		return Extent{}, fmt.Errorf("malformed GPT header: %d entries of %d bytes", count, entrySize)
	}
	if number > count {
		return Extent{}, fmt.Errorf("GPT has only %d partition entries", count)
	}

	entry := make([]byte, entrySize)
	if _, err := r.ReadAt(entry, base+entriesLBA*sectorSize+int64(number-1)*entrySize); err != nil {
		return Extent{}, fmt.Errorf("failed to read GPT entry %d: %w", number, err)
	}

	if bytes.Equal(entry[:16], make([]byte, 16)) {
		return Extent{}, fmt.Errorf("partition entry %d is empty", number)
	}

	first := int64(binary.LittleEndian.Uint64(entry[32:]))
	last := int64(binary.LittleEndian.Uint64(entry[40:]))
	if last < first {
		return Extent{}, fmt.Errorf("partition entry %d ends before it starts", number)
	}

	return Extent{
		Offset: base + first*sectorSize,
		Length: (last - first + 1) * sectorSize,
	}, nil
}
