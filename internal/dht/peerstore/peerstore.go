// Package peerstore persists the bootstrap contact list to a flat text
// file, one "ipv4-dotted port" line per contact, shaped after the
// bootstrap-node bookkeeping of opd-ai-toxcore's BootstrapManager but
// trimmed to the literal on-disk format spec.md §4.4/§6 specifies.
package peerstore

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// MinCapacity is the floor spec.md §4.4 requires ("bounded, ≥ 500
// entries").
const MinCapacity = 500

// fullnessThreshold is the fraction of capacity that must be reached
// before a rewrite is triggered, avoiding repeated near-empty writes on a
// freshly started node.
const fullnessThreshold = 0.9

// Store holds the bootstrap contact list in memory and mirrors it to a
// flat text file on disk.
type Store struct {
	path     string
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*net.UDPAddr
}

// New returns a Store backed by path, with a capacity no smaller than
// MinCapacity. If logger is nil, logs are discarded.
func New(path string, capacity int, logger *slog.Logger) *Store {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{path: path, capacity: capacity, logger: logger}
}

// Load reads the bootstrap file, skipping lines that fail to parse. A
// missing or unreadable file is not an error: spec.md §7 requires the
// store to log a warning and proceed empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		s.logger.Warn("peerstore: failed to open bootstrap file, starting empty", "path", s.path, "error", err)
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	skipped := 0
	for scanner.Scan() && len(s.entries) < s.capacity {
		addr, ok := parseLine(scanner.Text())
		if !ok {
			skipped++
			continue
		}
		s.entries = append(s.entries, addr)
	}

	if skipped > 0 {
		s.logger.Warn("peerstore: skipped malformed bootstrap lines", "count", skipped)
	}
	s.logger.Info("peerstore: loaded bootstrap contacts", "count", len(s.entries), "path", s.path)
	return nil
}

func parseLine(line string) (*net.UDPAddr, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return nil, false
	}

	ip := net.ParseIP(fields[0]).To4()
	if ip == nil {
		return nil, false
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil || port <= 0 || port > 65535 {
		return nil, false
	}

	return &net.UDPAddr{IP: ip, Port: port}, true
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// AddStore removes any prior entry with the same endpoint, then appends
// addr, bounding the store at capacity by dropping the oldest entry when
// full. It returns false if addr is an IPv4-less address.
func (s *Store) AddStore(addr *net.UDPAddr) bool {
	if addr.IP.To4() == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if sameEndpoint(e, addr) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}

	s.entries = append(s.entries, addr)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
	return true
}

// Len returns the current number of stored contacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns a copy of the current contact list.
func (s *Store) Snapshot() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*net.UDPAddr, len(s.entries))
	copy(out, s.entries)
	return out
}

// Save atomically rewrites the bootstrap file, but only once the store has
// reached fullnessThreshold of capacity — per spec.md §4.4, this delay
// avoids clobbering a useful on-disk list with an early, still-empty
// in-memory one.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if float64(len(s.entries)) < fullnessThreshold*float64(s.capacity) {
		return nil
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".peerstore-*.tmp")
	if err != nil {
		s.logger.Warn("peerstore: failed to create temp file for save", "error", err)
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, addr := range s.entries {
		if _, err := fmt.Fprintf(w, "%s %d\n", addr.IP.String(), addr.Port); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			s.logger.Warn("peerstore: failed writing bootstrap file", "error", err)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("peerstore: failed to rename bootstrap file into place", "error", err)
		return err
	}

	s.logger.Info("peerstore: saved bootstrap contacts", "count", len(s.entries), "path", s.path)
	return nil
}
