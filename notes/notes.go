package notes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vigil/types"
)

// Note is a user-authored remark about a resource
type Note struct {
	ResourceID string    `yaml:"resource_id" json:"resource_id"`
	Author     string    `yaml:"author,omitempty" json:"author,omitempty"`
	Text       string    `yaml:"text" json:"text"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
}

// File is the on-disk layout of the findings and notes file
type File struct {
	Findings []types.Finding `yaml:"findings"`
	Notes    []Note          `yaml:"notes"`
}

// Store serves findings and notes for resources. It is read-only; the file
// is produced by other tools and re-read with Reload.
type Store struct {
	mu       sync.RWMutex
	path     string
	findings map[string][]types.Finding
	notes    map[string][]Note
	loadedAt time.Time
}

// NewStore creates an empty store reading from path. An empty path keeps the
// store permanently empty.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		findings: make(map[string][]types.Finding),
		notes:    make(map[string][]Note),
	}
}

// Open creates a store and loads it. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := NewStore(path)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and swaps in its contents
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Clean(s.path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read notes file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse notes file %s: %w", s.path, err)
	}

	findings := make(map[string][]types.Finding)
	for _, fd := range f.Findings {
		if fd.ResourceID == "" {
			continue
		}
		findings[fd.ResourceID] = append(findings[fd.ResourceID], fd)
	}
	for id := range findings {
		list := findings[id]
		sort.SliceStable(list, func(i, j int) bool { return list[i].DetectedAt.After(list[j].DetectedAt) })
	}

	notes := make(map[string][]Note)
	for _, n := range f.Notes {
		if n.ResourceID == "" || strings.TrimSpace(n.Text) == "" {
			continue
		}
		notes[n.ResourceID] = append(notes[n.ResourceID], n)
	}
	for id := range notes {
		list := notes[id]
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	}

	s.mu.Lock()
	s.findings = findings
	s.notes = notes
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Findings returns up to limit findings for a resource, newest first
func (s *Store) Findings(resourceID string, limit int) []types.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return head(s.findings[resourceID], limit)
}

// Notes returns up to limit notes for a resource, newest first
func (s *Store) Notes(resourceID string, limit int) []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return head(s.notes[resourceID], limit)
}

// FindingCount returns the number of findings across all resources by severity
func (s *Store) FindingCount() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, list := range s.findings {
		for _, f := range list {
			out[strings.ToLower(f.Severity)]++
		}
	}
	return out
}

func head[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]T(nil), list...)
}

// LoadedAt returns when the file was last read successfully
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}
