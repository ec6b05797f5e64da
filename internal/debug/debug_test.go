package debug

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// decodeEntries walks a buffer produced by the wire format documented on
// the package and returns the source tag of every entry in order, for
// tests that only need to check what got written and in what order.
func decodeEntries(t *testing.T, data []byte) []string {
	t.Helper()

	var sources []string
	off := 0
	for off < len(data) {
		if off+16 > len(data) {
			t.Fatalf("truncated header at offset %d", off)
		}
		sourceLen := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		dataLen := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 16
		if off+sourceLen > len(data) {
			t.Fatalf("truncated source at offset %d", off)
		}
		sources = append(sources, string(data[off:off+sourceLen]))
		off += sourceLen + dataLen
	}
	return sources
}

func TestWriteAppendsASingleEntry(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	Write("test", "hello, world")

	sources := decodeEntries(t, mem.Bytes())
	if len(sources) != 1 || sources[0] != "test" {
		t.Fatalf("sources = %v, want [test]", sources)
	}
}

func TestWriteToFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.trace")

	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	Write("test", "hello, world")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sources := decodeEntries(t, data)
	if len(sources) != 1 || sources[0] != "test" {
		t.Fatalf("sources = %v, want [test]", sources)
	}
}

func TestWriteOrderingIsPreserved(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	for i := 0; i < 10; i++ {
		Writef(fmt.Sprintf("test-%d", i), "hello, world %d", i)
	}

	sources := decodeEntries(t, mem.Bytes())
	if len(sources) != 10 {
		t.Fatalf("got %d entries, want 10", len(sources))
	}
	for i, s := range sources {
		if want := fmt.Sprintf("test-%d", i); s != want {
			t.Fatalf("sources[%d] = %q, want %q", i, s, want)
		}
	}
}

func TestWithSourceTagsEveryEntry(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	src := WithSource("kvm")
	src.Writef("vCPU exit reason=%s", "Halt")
	src.Write("second entry")

	sources := decodeEntries(t, mem.Bytes())
	if len(sources) != 2 || sources[0] != "kvm" || sources[1] != "kvm" {
		t.Fatalf("sources = %v, want [kvm kvm]", sources)
	}
}

func TestConcurrentWritesDoNotCorruptEntries(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 10 {
				Writef("test", "hello, world %d/%d", i, j)
			}
		}(i)
	}
	wg.Wait()

	sources := decodeEntries(t, mem.Bytes())
	if len(sources) != 40 {
		t.Fatalf("got %d entries, want 40", len(sources))
	}
	for _, s := range sources {
		if s != "test" {
			t.Fatalf("unexpected source %q", s)
		}
	}
}

func BenchmarkWriteString(b *testing.B) {
	if _, err := OpenMemory(); err != nil {
		b.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	for b.Loop() {
		Write("test", "hello, world")
	}
}
