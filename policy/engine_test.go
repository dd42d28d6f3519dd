package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), nil)
	require.NoError(t, err)
	return e
}

func statusChange(before, after string) types.Change {
	return types.Change{
		ResourceID: "vm-1",
		Type:       types.ChangeStatus,
		Before:     &types.ResourceSnapshot{ID: "vm-1", Status: before},
		After:      &types.ResourceSnapshot{ID: "vm-1", Status: after},
	}
}

func TestDefaultPolicy_Changes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		change types.Change
		kind   types.EventKind
		record bool
	}{
		{"came back up", statusChange("stopped", "running"), types.EventRestart, true},
		{"went down", statusChange("running", "stopped"), types.EventStopped, true},
		{"stopped to paused", statusChange("stopped", "paused"), "", false},
		{"migrated", types.Change{ResourceID: "vm-1", Type: types.ChangeMigrated}, types.EventMigration, true},
		{"config", types.Change{ResourceID: "vm-1", Type: types.ChangeConfig}, types.EventConfigChange, true},
		{"created", types.Change{ResourceID: "vm-1", Type: types.ChangeCreated}, "", false},
		{"deleted", types.Change{ResourceID: "vm-1", Type: types.ChangeDeleted}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, record := e.ClassifyChange(ctx, tt.change)
			assert.Equal(t, tt.record, record)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestDefaultPolicy_Reason(t *testing.T) {
	e := newTestEngine(t)
	c := types.Change{ResourceID: "vm-7", Type: types.ChangeMigrated}

	d, err := e.Evaluate(context.Background(), Input{Source: SourceChange, Change: &c})
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyName, d.Policy)
	assert.Equal(t, "migrated change on vm-7", d.Reason)
}

func TestDefaultPolicy_Remediation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	kind, record := e.ClassifyRemediation(ctx, types.RemediationRecord{ResourceID: "vm-1", Problem: "hung", Action: "Restarted the service"})
	assert.True(t, record)
	assert.Equal(t, types.EventRestart, kind)

	_, record = e.ClassifyRemediation(ctx, types.RemediationRecord{ResourceID: "vm-1", Problem: "disk", Action: "rotated logs"})
	assert.False(t, record)
}

func TestUserPolicy_TakesPrecedence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.LoadPolicy(ctx, "created", `package vigil.events

kind := "provisioned" if input.change.change_type == "created"

record if kind
`))
	require.NoError(t, e.LoadPolicy(ctx, "quiet-config", `package vigil.events

suppress if input.change.change_type == "config"
`))

	kind, record := e.ClassifyChange(ctx, types.Change{ResourceID: "vm-1", Type: types.ChangeCreated})
	assert.True(t, record)
	assert.Equal(t, types.EventKind("provisioned"), kind)

	_, record = e.ClassifyChange(ctx, types.Change{ResourceID: "vm-1", Type: types.ChangeConfig})
	assert.False(t, record, "suppressed before the default policy runs")

	kind, record = e.ClassifyChange(ctx, types.Change{ResourceID: "vm-1", Type: types.ChangeMigrated})
	assert.True(t, record)
	assert.Equal(t, types.EventMigration, kind)

	assert.Equal(t, []string{"created", "quiet-config", DefaultPolicyName}, e.Policies())
}

func TestLoadPolicy_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	assert.Error(t, e.LoadPolicy(ctx, "broken", "package vigil.events\n\nkind := "))
	assert.Error(t, e.LoadPolicy(ctx, DefaultPolicyName, "package vigil.events"))
	assert.Error(t, e.LoadPolicy(ctx, "", "package vigil.events"))
	assert.Equal(t, []string{DefaultPolicyName}, e.Policies())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rego"), []byte("package vigil.events\n\nsuppress if input.source == \"remediation\"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.rego"), []byte("package vigil.events\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	e := newTestEngine(t)
	n, err := e.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, record := e.ClassifyRemediation(context.Background(), types.RemediationRecord{Problem: "x", Action: "restart"})
	assert.False(t, record)
}

func TestLoadDir_Missing(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestValidateFilePath(t *testing.T) {
	assert.NoError(t, validateFilePath("/etc/vigil/policies", "/etc/vigil/policies/a.rego"))
	assert.NoError(t, validateFilePath("/etc/vigil/policies", "/etc/vigil/policies/..a.rego"))
	assert.Error(t, validateFilePath("/etc/vigil/policies", "/etc/vigil/other.rego"))
}
