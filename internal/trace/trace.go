// Package trace records the lowering of a kernel as a binary log: one entry
// per emitted instruction, label and comment. Entries are written at
// atomically reserved offsets so several hosts may share one log.
//
// Each entry is laid out as:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes text length
//   - 8 bytes sequence number
//   - source bytes
//   - text bytes
package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindInst
	KindLabel
	KindComment
)

func (k Kind) String() string {
	switch k {
	case KindInst:
		return "inst"
	case KindLabel:
		return "label"
	case KindComment:
		return "comment"
	}
	return "invalid"
}

// Sink is the storage a Writer appends to.
type Sink interface {
	io.WriterAt
	io.Closer
}

// Writer appends entries to a Sink.
type Writer struct {
	sink   Sink
	offset atomic.Int64
	seq    atomic.Uint64
}

func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

// Create truncates filename and returns a Writer over it.
func Create(filename string) (*Writer, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

func encodeHeader(kind Kind, source string, text []byte, seq uint64) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(text)))
	binary.LittleEndian.PutUint64(header[8:16], seq)
	return header
}

func decodeHeader(header [headerSize]byte) (kind Kind, sourceLength uint16, textLength uint32, seq uint64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	textLength = binary.LittleEndian.Uint32(header[4:8])
	seq = binary.LittleEndian.Uint64(header[8:16])
	return
}

// Record appends one entry.
func (w *Writer) Record(kind Kind, source, text string) error {
	if kind == KindInvalid {
		return errors.New("trace: invalid entry kind")
	}
	if len(source) > 0xffff {
		return fmt.Errorf("trace: source name of %d bytes", len(source))
	}
	entry := encodeHeader(kind, source, []byte(text), w.seq.Add(1)-1)
	entry = append(entry, source...)
	entry = append(entry, text...)

	size := int64(len(entry))
	off := w.offset.Add(size) - size
	_, err := w.sink.WriteAt(entry, off)
	return err
}

func (w *Writer) Close() error {
	return w.sink.Close()
}

// Buffer is an in-memory Sink.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(b.data)) {
		b.data = append(b.data, make([]byte, end-int64(len(b.data)))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of the written log.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Entry is one decoded log entry.
type Entry struct {
	Seq    uint64
	Kind   Kind
	Source string
	Text   string
}

type SearchOptions struct {
	// Only return entries for the given sources.
	Sources []string
	// Only return entries of the given kinds.
	Kinds []Kind
	// Limit returns at most the first Limit matching entries.
	Limit int
}

type indexEntry struct {
	offset int64
	seq    uint64
	kind   Kind
}

// Reader indexes a log for ordered iteration.
type Reader struct {
	r       io.ReaderAt
	index   map[string][]indexEntry
	sources []string
}

func NewReader(r io.ReaderAt, indexReader io.Reader) (*Reader, error) {
	ret := &Reader{r: r, index: make(map[string][]indexEntry)}
	if err := ret.indexAll(indexReader); err != nil {
		return nil, fmt.Errorf("trace: index log: %w", err)
	}
	return ret, nil
}

func (r *Reader) indexAll(in io.Reader) error {
	br := bufio.NewReader(in)
	var header [headerSize]byte
	var offset int64
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header: %w", err)
		}
		kind, sourceLength, textLength, seq := decodeHeader(header)
		if kind == KindInvalid {
			return fmt.Errorf("invalid header at offset %d", offset)
		}
		source := make([]byte, sourceLength)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		if _, err := br.Discard(int(textLength)); err != nil {
			return fmt.Errorf("skip text: %w", err)
		}
		name := string(source)
		if _, ok := r.index[name]; !ok {
			r.sources = append(r.sources, name)
		}
		r.index[name] = append(r.index[name], indexEntry{offset: offset, seq: seq, kind: kind})
		offset += headerSize + int64(sourceLength) + int64(textLength)
	}
}

// Sources returns the source names in order of first appearance.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// Search calls fn for every matching entry in sequence order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	var matched []indexEntry
	names := make(map[int64]string)
	for source, entries := range r.index {
		if len(opts.Sources) > 0 && !slices.Contains(opts.Sources, source) {
			continue
		}
		for _, e := range entries {
			if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.kind) {
				continue
			}
			matched = append(matched, e)
			names[e.offset] = source
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	for _, e := range matched {
		var header [headerSize]byte
		if _, err := r.r.ReadAt(header[:], e.offset); err != nil {
			return err
		}
		kind, sourceLength, textLength, seq := decodeHeader(header)
		text := make([]byte, textLength)
		if _, err := r.r.ReadAt(text, e.offset+headerSize+int64(sourceLength)); err != nil {
			return err
		}
		if err := fn(Entry{Seq: seq, Kind: kind, Source: names[e.offset], Text: string(text)}); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every entry in sequence order.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of entries matching opts.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	n := 0
	err := r.Search(opts, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Open indexes the log stored in filename.
func Open(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open: %w", err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}
