// Package filter decides which resources vigil tracks.
package filter

import (
	"path"

	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/types"
)

// Filter controls which resource types, labels and ids are tracked.
type Filter struct {
	excludeTypes  map[string]bool
	includeLabels map[string]string
	excludeLabels map[string]string
	excludeIDs    []string
}

// New creates a new Filter. excludeIDs are path.Match globs such as "i-test-*".
func New(excludeTypes []string, includeLabels, excludeLabels map[string]string, excludeIDs []string) *Filter {
	excludeMap := make(map[string]bool)
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes:  excludeMap,
		includeLabels: includeLabels,
		excludeLabels: excludeLabels,
		excludeIDs:    excludeIDs,
	}
}

// FromConfig builds a Filter from the [filter] section.
func FromConfig(cfg config.FilterConfig) *Filter {
	return New(cfg.ExcludeTypes, cfg.IncludeLabels, cfg.ExcludeLabels, cfg.ExcludeIDs)
}

// ShouldTrackType returns true if the given resource type is tracked.
func (f *Filter) ShouldTrackType(typ string) bool {
	return !f.excludeTypes[typ]
}

// ShouldTrackID returns true unless id matches an exclude glob. Malformed
// patterns never match.
func (f *Filter) ShouldTrackID(id string) bool {
	for _, pattern := range f.excludeIDs {
		if ok, err := path.Match(pattern, id); err == nil && ok {
			return false
		}
	}
	return true
}

// ShouldIncludeResource returns true if the snapshot passes every filter.
func (f *Filter) ShouldIncludeResource(r types.ResourceSnapshot) bool {
	if !f.ShouldTrackType(r.Type) || !f.ShouldTrackID(r.ID) {
		return false
	}

	// ALL include labels must match
	for k, v := range f.includeLabels {
		if r.Label(k) != v {
			return false
		}
	}

	// ANY exclude label match excludes
	for k, v := range f.excludeLabels {
		if r.Labels != nil && r.Labels[k] == v {
			return false
		}
	}

	return true
}

// FilterResources returns only snapshots that pass the filter.
func (f *Filter) FilterResources(resources []types.ResourceSnapshot) []types.ResourceSnapshot {
	if f.IsEmpty() {
		return resources
	}

	filtered := make([]types.ResourceSnapshot, 0, len(resources))
	for _, r := range resources {
		if f.ShouldIncludeResource(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// FilterIDs returns only ids that pass the id globs. Metric sources carry no
// type or labels, so only the id filter applies.
func (f *Filter) FilterIDs(ids []string) []string {
	if len(f.excludeIDs) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.ShouldTrackID(id) {
			out = append(out, id)
		}
	}
	return out
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeTypes) == 0 && len(f.includeLabels) == 0 &&
		len(f.excludeLabels) == 0 && len(f.excludeIDs) == 0
}
