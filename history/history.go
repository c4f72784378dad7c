// Package history persists conversation records as a JSON array with
// bounded FIFO retention.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	fileName = "chat_histories.json"

	// MaxRecords caps on-disk retention; the oldest records beyond the cap
	// are trimmed on save.
	MaxRecords = 1000

	// TimeLayout is the on-disk timestamp format, local time.
	TimeLayout = "2006-01-02 15:04:05"
)

// Record is one persisted conversation. Plain value object; it holds no
// references into engine state.
type Record struct {
	Topic       string `json:"topic"`
	Model1      string `json:"model1"`
	Model2      string `json:"model2"`
	API1        string `json:"api1"`
	API2        string `json:"api2"`
	Rounds      int    `json:"rounds"`
	ChatContent string `json:"chat_content"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Kind        string `json:"kind"` // chat, discussion, debate, batch
}

// AgentLabels returns the provider/model labels participating in the record.
func (r Record) AgentLabels() []string {
	var labels []string
	if r.API1 != "" || r.Model1 != "" {
		labels = append(labels, r.API1+"/"+r.Model1)
	}
	if r.API2 != "" || r.Model2 != "" {
		labels = append(labels, r.API2+"/"+r.Model2)
	}
	return labels
}

// identity is the replace-in-place key: same kind and same set of agents.
func (r Record) identity() string {
	labels := r.AgentLabels()
	sort.Strings(labels)
	return r.Kind + "|" + strings.Join(labels, "|")
}

// FormatTime renders a timestamp in the on-disk layout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Store owns all history records. Mutex-guarded; safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	records []Record
}

// New creates a store backed by chat_histories.json under dataDir and
// loads any existing records. A malformed file is logged and left on disk;
// the store starts empty.
func New(dataDir string) *Store {
	s := &Store{path: filepath.Join(dataDir, fileName)}
	s.load()
	return s
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("history file unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		slog.Warn("history file malformed, starting empty", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

// Add inserts a record. A record whose kind and agent set match an
// existing one replaces it in place, preserving the original position;
// otherwise it appends.
func (s *Store) Add(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.identity()
	for i := range s.records {
		if s.records[i].identity() == key {
			s.records[i] = record
			return
		}
	}
	s.records = append(s.records, record)
}

// Save trims to the newest MaxRecords and writes atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	if len(s.records) > MaxRecords {
		s.records = append([]Record(nil), s.records[len(s.records)-MaxRecords:]...)
	}
	raw, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return s.writeAtomic(raw)
}

func (s *Store) writeAtomic(raw []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write history temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}

// Page returns records[offset : offset+size], clamped to valid bounds.
func (s *Store) Page(offset, size int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < 0 || offset >= len(s.records) || size <= 0 {
		return nil
	}
	end := offset + size
	if end > len(s.records) {
		end = len(s.records)
	}
	return s.records[offset:end]
}

// Len returns the number of in-memory records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Delete removes the record at index. Returns false when out of range.
func (s *Store) Delete(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.records) {
		return false
	}
	s.records = append(s.records[:index], s.records[index+1:]...)
	return true
}

// Clear empties both the in-memory list and the on-disk copy.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()

	return s.writeAtomic([]byte("[]"))
}
