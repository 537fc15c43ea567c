// Package mmapring implements the bit-exact, crash-survivable mmap ring
// buffer format used by the mmap_hybrid pre-detection-buffer strategy.
// The layout is fixed and must match byte-for-byte: file header magic
// 0x4E564D4D, entry header magic 0x4D4D5056, 4 KB-aligned slots, max
// payload 262144 bytes.
//
// Grounded on golang.org/x/sys/unix's mmap binding as used by
// thinkski-frameserver (unix.Mmap/unix.Munmap over a real fd),
// generalized from a V4L2 frame buffer to this ring's slot layout.
package mmapring

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// FileHeaderMagic is the fixed file-header magic.
	FileHeaderMagic uint32 = 0x4E564D4D
	// EntryHeaderMagic is the fixed entry-header magic.
	EntryHeaderMagic uint32 = 0x4D4D5056

	// FileHeaderVersion is the only version this package writes/accepts.
	FileHeaderVersion uint32 = 1

	// SlotAlignment is the fixed 4 KB slot alignment.
	SlotAlignment = 4096

	// MaxPayloadSize is the fixed maximum entry payload.
	MaxPayloadSize = 262144

	// StreamNameSize is the fixed width of the stream_name field.
	StreamNameSize = 256

	// fileHeaderRawSize is the on-disk size of the packed file header:
	// magic(4) + version(4) + entry_count(4) + head(4) + tail(4) +
	// total_size(8) + data_offset(8) + stream_name(256) = 292. The data
	// offset rounds it up to the slot alignment so entry slots start at a
	// 4KB boundary.
	fileHeaderRawSize = 4 + 4 + 4 + 4 + 4 + 8 + 8 + StreamNameSize

	// entryHeaderRawSize is magic(4)+data_size(4)+pts(8)+dts(8)+
	// stream_index(4)+flags(4)+timestamp(8) = 40 bytes, before payload.
	entryHeaderRawSize = 4 + 4 + 8 + 8 + 4 + 4 + 8
)

// slotSize is the 4KB-aligned size of one entry slot (header + max payload).
func slotSize() int64 {
	raw := int64(entryHeaderRawSize + MaxPayloadSize)
	return alignUp(raw, SlotAlignment)
}

func alignUp(n, align int64) int64 {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}

// FileHeader mirrors the packed, little-endian on-disk layout.
type FileHeader struct {
	Magic      uint32
	Version    uint32
	EntryCount uint32
	Head       uint32
	Tail       uint32
	TotalSize  uint64
	DataOffset uint64
	StreamName [StreamNameSize]byte
}

// EntryHeader mirrors the packed entry header, immediately followed on
// disk by DataSize bytes of payload.
type EntryHeader struct {
	Magic       uint32
	DataSize    uint32
	PTS         int64
	DTS         int64
	StreamIndex int32
	Flags       uint32
	Timestamp   int64
}

// Flag bits carried in EntryHeader.Flags.
const FlagKeyframe uint32 = 1 << 0

// Ring is a crash-survivable, file-backed packet ring mapped with
// mmap(PROT_READ|PROT_WRITE, MAP_SHARED).
type Ring struct {
	mu         sync.Mutex
	file       *os.File
	data       []byte
	entryCount uint32
	slotSize   int64
	dataOffset int64
	head       uint32
	tail       uint32
	streamName string
}

// Create allocates a new ring file at path sized for entryCount slots.
func Create(path, streamName string, entryCount uint32) (*Ring, error) {
	ss := slotSize()
	dataOffset := alignUp(fileHeaderRawSize, SlotAlignment)
	totalSize := dataOffset + ss*int64(entryCount)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating mmap ring file: %w", err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing mmap ring file: %w", err)
	}

	r, err := mapFile(f, totalSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.entryCount = entryCount
	r.slotSize = ss
	r.dataOffset = dataOffset
	r.streamName = streamName
	r.writeHeader()
	r.sync()
	return r, nil
}

// Open maps an existing ring file, validating the file header magic.
func Open(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mmap ring file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting mmap ring file: %w", err)
	}
	r, err := mapFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	hdr := r.readHeader()
	if hdr.Magic != FileHeaderMagic {
		r.Close()
		return nil, fmt.Errorf("mmap ring file header magic mismatch: got %#x", hdr.Magic)
	}
	r.entryCount = hdr.EntryCount
	r.dataOffset = int64(hdr.DataOffset)
	r.slotSize = slotSize()
	r.head = hdr.Head
	r.tail = hdr.Tail
	r.streamName = trimNul(hdr.StreamName[:])
	return r, nil
}

func mapFile(f *os.File, size int64) (*Ring, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	return &Ring{file: f, data: data}, nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (r *Ring) writeHeader() {
	var name [StreamNameSize]byte
	copy(name[:], r.streamName)
	hdr := FileHeader{
		Magic:      FileHeaderMagic,
		Version:    FileHeaderVersion,
		EntryCount: r.entryCount,
		Head:       r.head,
		Tail:       r.tail,
		TotalSize:  uint64(len(r.data)),
		DataOffset: uint64(r.dataOffset),
		StreamName: name,
	}
	putFileHeader(r.data, &hdr)
}

func (r *Ring) readHeader() FileHeader {
	return getFileHeader(r.data)
}

func putFileHeader(buf []byte, hdr *FileHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Version)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.EntryCount)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.Head)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.Tail)
	binary.LittleEndian.PutUint64(buf[20:28], hdr.TotalSize)
	binary.LittleEndian.PutUint64(buf[28:36], hdr.DataOffset)
	copy(buf[36:36+StreamNameSize], hdr.StreamName[:])
}

func getFileHeader(buf []byte) FileHeader {
	var hdr FileHeader
	hdr.Magic = binary.LittleEndian.Uint32(buf[0:4])
	hdr.Version = binary.LittleEndian.Uint32(buf[4:8])
	hdr.EntryCount = binary.LittleEndian.Uint32(buf[8:12])
	hdr.Head = binary.LittleEndian.Uint32(buf[12:16])
	hdr.Tail = binary.LittleEndian.Uint32(buf[16:20])
	hdr.TotalSize = binary.LittleEndian.Uint64(buf[20:28])
	hdr.DataOffset = binary.LittleEndian.Uint64(buf[28:36])
	copy(hdr.StreamName[:], buf[36:36+StreamNameSize])
	return hdr
}

func putEntryHeader(buf []byte, hdr *EntryHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.DataSize)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(hdr.PTS))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(hdr.DTS))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(hdr.StreamIndex))
	binary.LittleEndian.PutUint32(buf[28:32], hdr.Flags)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(hdr.Timestamp))
}

func getEntryHeader(buf []byte) EntryHeader {
	var hdr EntryHeader
	hdr.Magic = binary.LittleEndian.Uint32(buf[0:4])
	hdr.DataSize = binary.LittleEndian.Uint32(buf[4:8])
	hdr.PTS = int64(binary.LittleEndian.Uint64(buf[8:16]))
	hdr.DTS = int64(binary.LittleEndian.Uint64(buf[16:24]))
	hdr.StreamIndex = int32(binary.LittleEndian.Uint32(buf[24:28]))
	hdr.Flags = binary.LittleEndian.Uint32(buf[28:32])
	hdr.Timestamp = int64(binary.LittleEndian.Uint64(buf[32:40]))
	return hdr
}

func (r *Ring) slotOffset(index uint32) int64 {
	return r.dataOffset + int64(index)*r.slotSize
}

// Entry is a decoded ring entry.
type Entry struct {
	Header  EntryHeader
	Payload []byte
}

// Write appends one entry to the ring, overwriting the oldest slot when
// full. Returns an error if len(payload) exceeds MaxPayloadSize.
func (r *Ring) Write(pts, dts int64, streamIndex int32, keyframe bool, timestamp int64, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("mmapring: payload size %d exceeds max %d", len(payload), MaxPayloadSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var flags uint32
	if keyframe {
		flags |= FlagKeyframe
	}
	hdr := EntryHeader{
		Magic:       EntryHeaderMagic,
		DataSize:    uint32(len(payload)),
		PTS:         pts,
		DTS:         dts,
		StreamIndex: streamIndex,
		Flags:       flags,
		Timestamp:   timestamp,
	}

	off := r.slotOffset(r.tail)
	putEntryHeader(r.data[off:off+entryHeaderRawSize], &hdr)
	copy(r.data[off+entryHeaderRawSize:], payload)

	r.tail = (r.tail + 1) % r.entryCount
	if r.tail == r.head {
		// Full: advance head to drop the oldest (FIFO eviction).
		r.head = (r.head + 1) % r.entryCount
	}
	r.writeHeader()
	return nil
}

// ReadAll returns all valid entries from head to tail in FIFO order.
// Entries whose magic doesn't match are skipped.
func (r *Ring) ReadAll() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []Entry
	if r.entryCount == 0 {
		return entries
	}

	i := r.head
	for {
		if i == r.tail && len(entries) > 0 {
			break
		}
		off := r.slotOffset(i)
		hdr := getEntryHeader(r.data[off : off+entryHeaderRawSize])
		if hdr.Magic == EntryHeaderMagic && hdr.DataSize <= MaxPayloadSize {
			payload := make([]byte, hdr.DataSize)
			copy(payload, r.data[off+entryHeaderRawSize:off+entryHeaderRawSize+int64(hdr.DataSize)])
			entries = append(entries, Entry{Header: hdr, Payload: payload})
		}
		i = (i + 1) % r.entryCount
		if i == r.tail {
			break
		}
	}
	return entries
}

// Count returns the number of occupied slots.
func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entryCount == 0 {
		return 0
	}
	if r.tail >= r.head {
		return int(r.tail - r.head)
	}
	return int(r.entryCount-r.head) + int(r.tail)
}

// sync flushes dirty pages to disk.
func (r *Ring) sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Sync exposes sync for callers that want an explicit flush point.
func (r *Ring) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sync()
}

// Close unmaps and closes the backing file.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
