package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vigil/types"
)

// MetricSource is an opaque, possibly gappy time-series provider
type MetricSource interface {
	GetMetrics(ctx context.Context, resourceID, metric string, window time.Duration) ([]types.Sample, error)
	GetResourceIDs(ctx context.Context) ([]string, error)
}

// SnapshotProvider returns the full current set of infrastructure resources
type SnapshotProvider interface {
	Snapshot(ctx context.Context) ([]types.ResourceSnapshot, error)
	Name() string
}

// Alert is one fired alert from the alert-history feed
type Alert struct {
	ResourceID string
	AlertType  string
	FiredAt    time.Time
}

// AlertSource delivers alerts that fired after since
type AlertSource interface {
	FetchAlerts(ctx context.Context, since time.Time) ([]Alert, error)
}

// ProviderConfig holds snapshot provider configuration
type ProviderConfig struct {
	Region  string
	Profile string
	Path    string
}

// ProviderFactory creates a snapshot provider instance
type ProviderFactory func(ctx context.Context, config ProviderConfig) (SnapshotProvider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProviderFactory)
)

func init() {
	RegisterProvider("file", func(_ context.Context, config ProviderConfig) (SnapshotProvider, error) {
		return NewFileProvider(config.Path), nil
	})
}

// RegisterProvider registers a snapshot provider factory
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetProvider creates a snapshot provider by name
func GetProvider(ctx context.Context, name string, config ProviderConfig) (SnapshotProvider, error) {
	registryMu.RLock()
	factory, exists := registry[name]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return factory(ctx, config)
}

// ListProviders returns registered provider names, sorted
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MultiProvider merges snapshots from several providers. A resource id seen
// twice keeps the first provider's snapshot.
type MultiProvider struct {
	providers []SnapshotProvider
}

// NewMultiProvider combines providers in order
func NewMultiProvider(providers ...SnapshotProvider) *MultiProvider {
	return &MultiProvider{providers: providers}
}

// Name lists the wrapped provider names
func (m *MultiProvider) Name() string {
	name := "multi"
	for _, p := range m.providers {
		name += ":" + p.Name()
	}
	return name
}

// Snapshot fails as a whole if any provider fails, so a partial snapshot is
// never mistaken for deletions.
func (m *MultiProvider) Snapshot(ctx context.Context) ([]types.ResourceSnapshot, error) {
	seen := make(map[string]bool)
	var out []types.ResourceSnapshot
	var errs []error
	for _, p := range m.providers {
		snaps, err := p.Snapshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		for _, s := range snaps {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// FileProvider reads snapshots from a YAML file holding a list of resources
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider reading path on every Snapshot
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Name returns "file"
func (f *FileProvider) Name() string {
	return "file"
}

// Snapshot reads and parses the file
func (f *FileProvider) Snapshot(ctx context.Context) ([]types.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(f.path))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var doc struct {
		Resources []types.ResourceSnapshot `yaml:"resources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file %s: %w", f.path, err)
	}
	return doc.Resources, nil
}
