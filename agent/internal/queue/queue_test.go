package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/obsidianstack/emitter/pkg/types"
)

func payload(msg string, ts int, bug bool) types.Record {
	return types.NewRecord(
		types.Field{Key: "message", Value: msg},
		types.Field{Key: "timestamp", Value: ts},
		types.Field{Key: "bug", Value: bug},
	)
}

func openTemp(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return q
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	q := openTemp(t)

	got, err := q.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadAll() = %d records, want 0", len(got))
	}
	if _, err := os.Stat(q.Path()); !os.IsNotExist(err) {
		t.Errorf("Open created the backing file (stat err = %v)", err)
	}
}

func TestOpen_EmptyFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestOpen_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `[{"message":"foo"`},
		{"object", `{"message":"foo"}`},
		{"array of scalars", `[1,2]`},
		{"nested array", `[{"a":[1]}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data.json")
			if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Open(path)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Open() error = %v, want ErrCorrupt", err)
			}
			// The corrupt file is left alone.
			data, _ := os.ReadFile(path)
			if string(data) != tc.content {
				t.Errorf("file rewritten to %q", data)
			}
		})
	}
}

func TestAppend_WritesOrderedArray(t *testing.T) {
	q := openTemp(t)

	if err := q.Append(payload("bar", 2002, false)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := q.Append(payload("biz", 2003, true)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	data, err := os.ReadFile(q.Path())
	if err != nil {
		t.Fatalf("read queue file: %v", err)
	}
	want := `[{"message":"bar","timestamp":2002,"bug":false},{"message":"biz","timestamp":2003,"bug":true}]`
	if string(data) != want {
		t.Errorf("queue file =\n%s\nwant\n%s", data, want)
	}
}

func TestAppend_SurvivesReopen(t *testing.T) {
	q := openTemp(t)
	for i := 0; i < 3; i++ {
		if err := q.Append(payload(fmt.Sprint("m", i), i, false)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	reopened, err := Open(q.Path())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	got, err := reopened.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadAll() = %d records, want 3", len(got))
	}
	for i, r := range got {
		if !r.Equal(payload(fmt.Sprint("m", i), i, false)) {
			t.Errorf("record %d = %s", i, r)
		}
	}
}

func TestAppend_FaultLeavesExistingEntries(t *testing.T) {
	q := openTemp(t)
	if err := q.Append(payload("first", 1, false)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	before, _ := os.ReadFile(q.Path())

	diskFull := errors.New("no space left on device")
	q.writeFile = func(string, []byte, os.FileMode) error { return diskFull }

	if err := q.Append(payload("second", 2, false)); !errors.Is(err, diskFull) {
		t.Fatalf("Append() error = %v, want write failure", err)
	}

	after, _ := os.ReadFile(q.Path())
	if string(after) != string(before) {
		t.Errorf("queue file changed after failed append:\n%s\nwant\n%s", after, before)
	}
}

func TestAppend_RejectsInvalidRecord(t *testing.T) {
	q := openTemp(t)
	bad := types.NewRecord(types.Field{Key: "x", Value: []int{1}})

	if err := q.Append(bad); !errors.Is(err, types.ErrUnsupportedValue) {
		t.Fatalf("Append() error = %v, want ErrUnsupportedValue", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestAppend_ConcurrentAppendsAllLand(t *testing.T) {
	q := openTemp(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := q.Append(payload("c", i, false)); err != nil {
				t.Errorf("Append(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := q.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != n {
		t.Fatalf("ReadAll() = %d records, want %d", len(got), n)
	}
	seen := make(map[int64]bool)
	for _, r := range got {
		v, _ := r.Get("timestamp")
		seen[v.(int64)] = true
	}
	if len(seen) != n {
		t.Errorf("distinct timestamps = %d, want %d", len(seen), n)
	}
}

func TestTrimFront(t *testing.T) {
	q := openTemp(t)
	for i := 0; i < 4; i++ {
		if err := q.Append(payload("t", i, false)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if err := q.TrimFront(3); err != nil {
		t.Fatalf("TrimFront() error = %v", err)
	}
	got, _ := q.ReadAll()
	if len(got) != 1 || !got[0].Equal(payload("t", 3, false)) {
		t.Fatalf("after TrimFront(3) = %v", got)
	}

	if err := q.TrimFront(10); err != nil {
		t.Fatalf("TrimFront(10) error = %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
	if err := q.TrimFront(0); err != nil {
		t.Errorf("TrimFront(0) error = %v", err)
	}
}

func TestAppend_EscapesStringsAsJSON(t *testing.T) {
	q := openTemp(t)
	want := []types.Record{
		types.NewRecord(types.Field{Key: "msg", Value: "bell\a"}),
		types.NewRecord(types.Field{Key: "msg", Value: "quote\"\x7f"}),
		types.NewRecord(types.Field{Key: "msg\x01", Value: "tab\t\\ nul\x00"}),
		types.NewRecord(types.Field{Key: "msg", Value: "keep"}),
	}
	for _, r := range want {
		if err := q.Append(r); err != nil {
			t.Fatalf("Append(%q) error = %v", r.String(), err)
		}
	}

	assertValidFile := func() {
		t.Helper()
		data, err := os.ReadFile(q.Path())
		if err != nil {
			t.Fatalf("read queue file: %v", err)
		}
		if !json.Valid(data) {
			t.Fatalf("queue file is not valid JSON: %q", data)
		}
	}
	assertValidFile()

	got, err := q.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ReadAll() = %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("record %d = %q, want %q", i, got[i].String(), want[i].String())
		}
	}

	// TrimFront rewrites the remainder from what it read back.
	if err := q.TrimFront(1); err != nil {
		t.Fatalf("TrimFront() error = %v", err)
	}
	assertValidFile()
	got, err = q.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	for i, r := range got {
		if !r.Equal(want[i+1]) {
			t.Errorf("after trim, record %d = %q, want %q", i, r.String(), want[i+1].String())
		}
	}
}

func TestAppend_RejectsInvalidUTF8(t *testing.T) {
	q := openTemp(t)
	bad := types.NewRecord(types.Field{Key: "msg", Value: "tab\t\xff\""})
	if err := q.Append(bad); !errors.Is(err, types.ErrUnsupportedValue) {
		t.Fatalf("Append() error = %v, want ErrUnsupportedValue", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestTrimFront_KeepsForeignEscapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	// Written by another tool, using \u escapes for everything.
	in := `[{"a":"x"},{"m":"A\u0007\"\/"}]`
	if err := os.WriteFile(path, []byte(in), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := q.TrimFront(1); err != nil {
		t.Fatalf("TrimFront() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	if want := `[{"m":"A\u0007\"/"}]`; string(data) != want {
		t.Errorf("file = %s, want %s", data, want)
	}
}
