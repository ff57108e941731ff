package logging

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLineRingKeepsOrder(t *testing.T) {
	r := NewLineRing(3)
	_, _ = r.Write([]byte("a\n"))
	_, _ = r.Write([]byte("b\n"))

	if got := string(r.Bytes()); got != "a\nb\n" {
		t.Errorf("expected %q, got %q", "a\nb\n", got)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 records, got %d", r.Len())
	}
}

func TestLineRingOverwritesOldest(t *testing.T) {
	r := NewLineRing(3)
	for _, s := range []string{"1\n", "2\n", "3\n", "4\n", "5\n"} {
		_, _ = r.Write([]byte(s))
	}

	if got := string(r.Bytes()); got != "3\n4\n5\n" {
		t.Errorf("expected %q, got %q", "3\n4\n5\n", got)
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 records, got %d", r.Len())
	}
}

func TestLineRingSplitsMultiRecordWrites(t *testing.T) {
	r := NewLineRing(10)
	n, err := r.Write([]byte("x\ny\nz"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected n=5, got %d", n)
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 records, got %d", r.Len())
	}
}

func TestLineRingDumpToFile(t *testing.T) {
	r := NewLineRing(8)
	_, _ = r.Write([]byte("dump_test_data\n"))

	path := filepath.Join(t.TempDir(), "dump.jsonl")
	if err := r.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if string(data) != "dump_test_data\n" {
		t.Errorf("unexpected dump %q", data)
	}
}

func TestLineRingConcurrent(t *testing.T) {
	r := NewLineRing(2000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = r.Write([]byte("x\n"))
			}
		}()
	}
	wg.Wait()

	if r.Len() != 1000 {
		t.Errorf("expected 1000 records, got %d", r.Len())
	}
}
