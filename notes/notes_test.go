package notes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `findings:
  - id: f-1
    resource_id: vm-1
    severity: warning
    title: Memory climbing
    detected_at: 2026-03-01T10:00:00Z
  - id: f-2
    resource_id: vm-1
    severity: critical
    title: Disk almost full
    detail: /var at 97%
    detected_at: 2026-03-02T10:00:00Z
  - id: f-3
    severity: info
    title: orphan without resource
notes:
  - resource_id: vm-1
    author: ops
    text: Nightly backup job spikes IO at 02:00
    created_at: 2026-02-01T00:00:00Z
  - resource_id: vm-1
    text: "   "
  - resource_id: db-1
    text: Primary for billing
    created_at: 2026-02-03T00:00:00Z
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOpen(t *testing.T) {
	s, err := Open(writeFile(t, sample))
	require.NoError(t, err)

	findings := s.Findings("vm-1", 0)
	require.Len(t, findings, 2)
	assert.Equal(t, "f-2", findings[0].ID, "newest first")
	assert.Equal(t, "/var at 97%", findings[0].Detail)

	assert.Len(t, s.Findings("vm-1", 1), 1)
	assert.Empty(t, s.Findings("vm-9", 5))

	notes := s.Notes("vm-1", 5)
	require.Len(t, notes, 1, "blank notes are skipped")
	assert.Equal(t, "ops", notes[0].Author)

	assert.Equal(t, map[string]int{"warning": 1, "critical": 1}, s.FindingCount())
}

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.Notes("vm-1", 0))
}

func TestOpen_Invalid(t *testing.T) {
	_, err := Open(writeFile(t, "findings: [unclosed"))
	assert.Error(t, err)
}

func TestReload(t *testing.T) {
	path := writeFile(t, sample)
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("notes:\n  - resource_id: vm-2\n    text: new\n"), 0o600))
	require.NoError(t, s.Reload())

	assert.Empty(t, s.Findings("vm-1", 0))
	assert.Len(t, s.Notes("vm-2", 0), 1)
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	s, err := Open(writeFile(t, sample))
	require.NoError(t, err)

	got := s.Notes("db-1", 0)
	got[0].Text = "mutated"
	assert.Equal(t, "Primary for billing", s.Notes("db-1", 0)[0].Text)
}

func TestEmptyPath(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.Reload())
	assert.Empty(t, s.Findings("vm-1", 0))
}
