package trace

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
)

func readBuffer(t *testing.T, buf *Buffer) *Reader {
	t.Helper()
	data := buf.Bytes()
	r, err := NewReader(bytes.NewReader(data), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestRecord(t *testing.T) {
	buf := new(Buffer)
	w := NewWriter(buf)
	if err := w.Record(KindComment, "k0", "let x = 1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Record(KindInst, "k0", "mov (1) r1.0<0>:d 1:d"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var seen []Entry
	if err := readBuffer(t, buf).Each(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(seen))
	}
	if seen[0].Kind != KindComment || seen[0].Text != "let x = 1" || seen[0].Source != "k0" {
		t.Fatalf("unexpected first entry %+v", seen[0])
	}
	if seen[1].Kind != KindInst || seen[1].Seq != 1 {
		t.Fatalf("unexpected second entry %+v", seen[1])
	}
}

func TestRecordInvalidKind(t *testing.T) {
	w := NewWriter(new(Buffer))
	if err := w.Record(KindInvalid, "k", "x"); err == nil {
		t.Fatalf("expected error for invalid kind")
	}
}

func TestSearch(t *testing.T) {
	buf := new(Buffer)
	w := NewWriter(buf)
	for _, src := range []string{"a", "b", "a", "b", "a"} {
		if err := w.Record(KindInst, src, src); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := w.Record(KindLabel, "a", "L0_loop"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r := readBuffer(t, buf)

	if got := r.Sources(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected sources %v", got)
	}
	n, err := r.Count(SearchOptions{Sources: []string{"a"}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 entries for a, got %d", n)
	}
	n, err = r.Count(SearchOptions{Kinds: []Kind{KindLabel}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 label, got %d", n)
	}
	n, err = r.Count(SearchOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected limit of 3, got %d", n)
	}
}

func TestConcurrentWriters(t *testing.T) {
	buf := new(Buffer)
	w := NewWriter(buf)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := w.Record(KindInst, "k", "add"); err != nil {
					t.Errorf("Record: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	var last uint64
	count := 0
	if err := readBuffer(t, buf).Each(func(e Entry) error {
		if count > 0 && e.Seq <= last {
			t.Fatalf("entries out of order: %d after %d", e.Seq, last)
		}
		last = e.Seq
		count++
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 800 {
		t.Fatalf("expected 800 entries, got %d", count)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lower.trace")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Record(KindComment, "kernel", "hello"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, closer, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closer.Close()
	n, err := r.Count(SearchOptions{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}
