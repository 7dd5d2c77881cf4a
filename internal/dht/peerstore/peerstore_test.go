package peerstore

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.txt")

	content := "1.2.3.4 6881\nnot-a-line\n5.6.7.8 6882\n9.9.9.9 not-a-port\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New(path, MinCapacity, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestLoad_MissingFileStartsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.txt"), MinCapacity, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestAddStore_DedupesByEndpoint(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "bootstrap.txt"), MinCapacity, nil)

	addr := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	s.AddStore(addr)
	s.AddStore(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881})

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (duplicate not permitted)", s.Len())
	}
}

func TestAddStore_RejectsIPv6(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "bootstrap.txt"), MinCapacity, nil)

	ok := s.AddStore(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 6881})
	if ok {
		t.Fatal("AddStore accepted an IPv6 address")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestAddStore_BoundedAtCapacity(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "bootstrap.txt"), MinCapacity, nil)

	for i := 0; i < MinCapacity+10; i++ {
		s.AddStore(&net.UDPAddr{IP: net.IPv4(10, 0, byte(i>>8), byte(i)), Port: 1000 + i})
	}

	if s.Len() != MinCapacity {
		t.Fatalf("Len = %d, want %d (bounded)", s.Len(), MinCapacity)
	}
}

func TestSave_SkipsBelowFullnessThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.txt")
	s := New(path, MinCapacity, nil)

	s.AddStore(&net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1})

	if err := s.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("Save wrote a file despite being far below the fullness threshold")
	}
}

func TestSave_WritesAtomicallyOnceFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.txt")
	s := New(path, MinCapacity, nil)

	for i := 0; i < MinCapacity; i++ {
		s.AddStore(&net.UDPAddr{IP: net.IPv4(10, 0, byte(i>>8), byte(i)), Port: 1000 + i})
	}

	if err := s.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != MinCapacity {
		t.Fatalf("wrote %d lines, want %d", len(lines), MinCapacity)
	}

	// No leftover temp files.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".peerstore-") {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "bootstrap.txt"), MinCapacity, nil)
	s.AddStore(&net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1})

	snap := s.Snapshot()
	snap[0] = nil

	if s.Snapshot()[0] == nil {
		t.Fatal("mutating the snapshot affected the store's internal state")
	}
}
