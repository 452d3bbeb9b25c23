// Package filelog is an append-only, segment-file binlog.Replicator for
// cmd/server: entries are length-prefixed and rolled into a new segment
// file every maxPerSeg appends (defaultMaxEntriesPerSegment unless
// changed), the same way a value log rolls rather than letting a single
// file grow unbounded.
package filelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nicktill/tinyagg/pkg/binlog"
	"github.com/nicktill/tinyagg/pkg/store"
)

const defaultMaxEntriesPerSegment = 4096

// Replicator is a segment-file-backed binlog.Replicator.
type Replicator struct {
	dir          string
	maxPerSeg    int
	mu           sync.Mutex
	f            *os.File
	w            *bufio.Writer
	segStart     uint64 // LogIndex of the first entry in the current segment
	entriesInSeg int
	closed       bool
	signal       chan struct{}
}

// Open opens or creates a segment-file log rooted at dir.
func Open(dir string) (*Replicator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filelog: mkdir: %w", err)
	}
	r := &Replicator{dir: dir, maxPerSeg: defaultMaxEntriesPerSegment, signal: make(chan struct{})}
	if err := r.openSegment(1); err != nil {
		return nil, err
	}
	return r, nil
}

func segmentName(startIndex uint64) string {
	return fmt.Sprintf("segment-%020d-%s.log", startIndex, uuid.NewString()[:8])
}

func (r *Replicator) openSegment(startIndex uint64) error {
	f, err := os.OpenFile(filepath.Join(r.dir, segmentName(startIndex)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filelog: open segment: %w", err)
	}
	r.f = f
	r.w = bufio.NewWriter(f)
	r.segStart = startIndex
	r.entriesInSeg = 0
	return nil
}

// AppendEntry implements binlog.Replicator.
func (r *Replicator) AppendEntry(ctx context.Context, entry binlog.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entriesInSeg >= r.maxPerSeg {
		if err := r.w.Flush(); err != nil {
			return fmt.Errorf("filelog: flush: %w", err)
		}
		if err := r.f.Close(); err != nil {
			return fmt.Errorf("filelog: close segment: %w", err)
		}
		if err := r.openSegment(entry.LogIndex); err != nil {
			return err
		}
	}
	if err := writeEntry(r.w, entry); err != nil {
		return fmt.Errorf("filelog: write entry: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("filelog: flush: %w", err)
	}
	r.entriesInSeg++
	old := r.signal
	r.signal = make(chan struct{})
	close(old)
	return nil
}

// Notify implements binlog.Replicator.
func (r *Replicator) Notify() {
	r.mu.Lock()
	old := r.signal
	r.signal = make(chan struct{})
	r.mu.Unlock()
	close(old)
}

// Reader implements binlog.Replicator.
func (r *Replicator) Reader(fromIndex uint64) (binlog.Reader, error) {
	return &reader{rep: r, fromIndex: fromIndex}, nil
}

// Close implements binlog.Replicator.
func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	old := r.signal
	r.signal = make(chan struct{})
	close(old)
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.f.Close()
}

func (r *Replicator) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("filelog: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // zero-padded start index sorts correctly as a string
	return names, nil
}

type reader struct {
	rep       *Replicator
	fromIndex uint64
	segNames  []string
	segIdx    int
	cur       *bufio.Reader
	curFile   *os.File
	started   bool
}

func (r *reader) advanceSegment() (bool, error) {
	if r.curFile != nil {
		r.curFile.Close()
		r.curFile = nil
		r.cur = nil
	}
	names, err := r.rep.segmentFiles()
	if err != nil {
		return false, err
	}
	r.segNames = names
	r.segIdx++
	if r.segIdx >= len(r.segNames) {
		return false, nil
	}
	f, err := os.Open(filepath.Join(r.rep.dir, r.segNames[r.segIdx]))
	if err != nil {
		return false, fmt.Errorf("filelog: open segment for read: %w", err)
	}
	r.curFile = f
	r.cur = bufio.NewReader(f)
	return true, nil
}

// Next implements binlog.Reader.
func (r *reader) Next(ctx context.Context) (binlog.LogEntry, error) {
	if !r.started {
		r.started = true
		r.segIdx = -1
		if ok, err := r.advanceSegment(); err != nil {
			return binlog.LogEntry{}, err
		} else if !ok {
			return r.waitOrEOF()
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return binlog.LogEntry{}, err
		}
		entry, err := readEntry(r.cur)
		if err == io.EOF {
			if ok, aerr := r.advanceSegment(); aerr != nil {
				return binlog.LogEntry{}, aerr
			} else if ok {
				continue
			}
			return r.waitOrEOF()
		}
		if err != nil {
			return binlog.LogEntry{}, fmt.Errorf("filelog: read entry: %w", err)
		}
		if entry.LogIndex <= r.fromIndex {
			continue
		}
		return entry, nil
	}
}

func (r *reader) waitOrEOF() (binlog.LogEntry, error) {
	r.rep.mu.Lock()
	closed := r.rep.closed
	r.rep.mu.Unlock()
	if closed {
		return binlog.LogEntry{}, io.EOF
	}
	return binlog.LogEntry{}, binlog.ErrWaitRecord
}

// Close implements binlog.Reader.
func (r *reader) Close() error {
	if r.curFile != nil {
		return r.curFile.Close()
	}
	return nil
}

// writeEntry serializes one LogEntry as a length-prefixed record:
// LogIndex(8) Term(8) NumDims(4) [Idx(4) KeyLen(4) Key]... ValueLen(4) Value
func writeEntry(w io.Writer, e binlog.LogEntry) error {
	body := encodeEntry(e)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func encodeEntry(e binlog.LogEntry) []byte {
	size := 8 + 8 + 4
	for _, d := range e.Dimensions {
		size += 4 + 4 + len(d.Key)
	}
	size += 4 + len(e.Value)
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], e.LogIndex)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.Term)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Dimensions)))
	off += 4
	for _, d := range e.Dimensions {
		binary.LittleEndian.PutUint32(buf[off:], d.Idx)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(d.Key)))
		off += 4
		copy(buf[off:], d.Key)
		off += len(d.Key)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
	off += 4
	copy(buf[off:], e.Value)
	return buf
}

func readEntry(r *bufio.Reader) (binlog.LogEntry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return binlog.LogEntry{}, err
	}
	body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return binlog.LogEntry{}, err
	}
	return decodeEntry(body)
}

func decodeEntry(buf []byte) (binlog.LogEntry, error) {
	if len(buf) < 20 {
		return binlog.LogEntry{}, fmt.Errorf("filelog: truncated entry")
	}
	e := binlog.LogEntry{}
	off := 0
	e.LogIndex = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Term = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	ndims := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	e.Dimensions = make([]store.Dimension, ndims)
	for i := 0; i < ndims; i++ {
		idx := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		klen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		key := string(buf[off : off+klen])
		off += klen
		e.Dimensions[i] = store.Dimension{Idx: idx, Key: key}
	}
	vlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	e.Value = buf[off : off+vlen]
	return e, nil
}
