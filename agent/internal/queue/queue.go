package queue

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/valyala/fastjson"

	"github.com/obsidianstack/emitter/agent/internal/atomicfile"
	"github.com/obsidianstack/emitter/pkg/types"
)

// ErrCorrupt means the queue file exists but is not a JSON array of records.
// The queue refuses to treat such a file as empty.
var ErrCorrupt = errors.New("queue file is corrupt")

// Queue is an ordered, file-backed list of records that could not be
// delivered. The file holds one compact JSON array; every mutation rewrites
// it with atomicfile.Write, so a crash leaves either the old or the new
// contents.
//
// All methods serialize on one mutex. Anything that removes entries must go
// through the same Queue value.
type Queue struct {
	mu   sync.Mutex
	path string

	writeFile func(path string, data []byte, perm os.FileMode) error // injectable for tests
}

// Open returns the queue stored at path. A missing or empty file is an empty
// queue; an unparseable one fails with ErrCorrupt.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path, writeFile: atomicfile.Write}
	if _, err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Path returns the backing file location.
func (q *Queue) Path() string { return q.path }

// Append adds r to the end of the queue.
func (q *Queue) Append(r types.Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.load()
	if err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	enc, _ := r.MarshalJSON() // validated above
	raw = append(raw, enc)

	if err := q.store(raw); err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	return nil
}

// ReadAll returns every queued record in submission order. It does not
// remove anything.
func (q *Queue) ReadAll() ([]types.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.load()
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	out := make([]types.Record, 0, len(raw))
	for i, b := range raw {
		r, err := types.ParseRecord(b)
		if err != nil {
			return nil, fmt.Errorf("queue: read entry %d: %w: %w", i, ErrCorrupt, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Len returns the number of queued records.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.load()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return len(raw), nil
}

// TrimFront removes the n oldest records. Records appended since the caller
// read the queue stay in place, since they sit behind the removed prefix.
func (q *Queue) TrimFront(n int) error {
	if n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.load()
	if err != nil {
		return fmt.Errorf("queue: trim: %w", err)
	}
	if n > len(raw) {
		n = len(raw)
	}
	if err := q.store(raw[n:]); err != nil {
		return fmt.Errorf("queue: trim: %w", err)
	}
	return nil
}

// load returns the encoded entries in file order. Callers hold q.mu, except
// Open which runs before the Queue is shared.
func (q *Queue) load() ([][]byte, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, q.path, err)
	}
	items, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: top level is not an array", ErrCorrupt, q.path)
	}

	raw := make([][]byte, 0, len(items))
	for i, item := range items {
		rec, err := types.FromValue(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: entry %d: %w", ErrCorrupt, q.path, i, err)
		}
		enc, err := rec.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: entry %d: %w", ErrCorrupt, q.path, i, err)
		}
		raw = append(raw, enc)
	}
	return raw, nil
}

// store writes entries as one JSON array, replacing the file atomically.
func (q *Queue) store(raw [][]byte) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range raw {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return q.writeFile(q.path, buf.Bytes(), 0o600)
}
