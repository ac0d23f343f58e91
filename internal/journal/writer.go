// Package journal persists every published broadcast frame to an append-only
// compressed log for offline inspection. The journal is a write-only ops
// artefact and is never replayed to clients.
package journal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ActiveSegment is the name of the segment currently being appended to.
const ActiveSegment = "journal.jsonl.sz"

const archiveSuffix = ".jsonl.zst"

// Record is one journal line describing a published frame.
type Record struct {
	CapturedAt string `json:"captured_at"`
	Topic      string `json:"topic"`
	Event      string `json:"event"`
	PayloadB64 string `json:"payload_b64"`
}

// Writer streams broadcast records into a snappy-framed JSONL segment and
// re-compresses finished segments with zstd on rotation.
type Writer struct {
	mu           sync.Mutex
	dir          string
	segmentBytes int64
	maxArchives  int
	now          func() time.Time
	file         *os.File
	stream       *snappy.Writer
	written      int64
	closed       bool
}

// NewWriter prepares the journal directory and opens the active segment.
func NewWriter(dir string, segmentBytes int64, maxArchives int, clock func() time.Time) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	if segmentBytes <= 0 {
		return nil, fmt.Errorf("journal segment size must be positive")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	writer := &Writer{
		dir:          dir,
		segmentBytes: segmentBytes,
		maxArchives:  maxArchives,
		now:          clock,
	}
	if err := writer.openSegmentLocked(); err != nil {
		return nil, err
	}
	return writer, nil
}

// Directory exposes the directory backing the journal.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Append writes a single record to the active segment, rotating first when
// the segment has reached its size budget.
func (w *Writer) Append(topic, event string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("journal not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal closed")
	}

	//1.- Encode payload bytes as base64 so the JSONL stream stays line-safe.
	record := Record{
		CapturedAt: captured.Format(time.RFC3339Nano),
		Topic:      topic,
		Event:      event,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	//2.- Rotate before the write so a segment never exceeds its budget mid-line.
	if w.written+int64(len(line))+1 > w.segmentBytes && w.written > 0 {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	if _, err := w.stream.Write(line); err != nil {
		return err
	}
	if _, err := w.stream.Write([]byte("\n")); err != nil {
		return err
	}
	w.written += int64(len(line)) + 1
	return w.stream.Flush()
}

// Close flushes the active segment and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var firstErr error
	if err := w.stream.Close(); err != nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *Writer) openSegmentLocked() error {
	file, err := os.Create(filepath.Join(w.dir, ActiveSegment))
	if err != nil {
		return err
	}
	w.file = file
	w.stream = snappy.NewBufferedWriter(file)
	w.written = 0
	return nil
}

// rotateLocked archives the active segment as zstd and starts a fresh one.
func (w *Writer) rotateLocked() error {
	if err := w.stream.Close(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	active := filepath.Join(w.dir, ActiveSegment)
	stamp := w.now().UTC().Format("20060102T150405.000000000Z")
	archive := filepath.Join(w.dir, "journal-"+stamp+archiveSuffix)
	if err := recompressSegment(active, archive); err != nil {
		return err
	}
	if err := os.Remove(active); err != nil {
		return err
	}
	if err := w.pruneArchivesLocked(); err != nil {
		return err
	}
	return w.openSegmentLocked()
}

// pruneArchivesLocked keeps at most maxArchives compressed segments, oldest out first.
func (w *Writer) pruneArchivesLocked() error {
	if w.maxArchives <= 0 {
		return nil
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var archives []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "journal-") && strings.HasSuffix(name, archiveSuffix) {
			archives = append(archives, name)
		}
	}
	//1.- Timestamped names sort lexicographically in age order.
	sort.Strings(archives)
	for len(archives) > w.maxArchives {
		if err := os.Remove(filepath.Join(w.dir, archives[0])); err != nil {
			return err
		}
		archives = archives[1:]
	}
	return nil
}

// recompressSegment converts a finished snappy segment into a zstd archive.
func recompressSegment(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(encoder, snappy.NewReader(in)); err != nil {
		encoder.Close()
		out.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
