// Package filter selects which resource types are checked and which
// resources rules are evaluated against.
package filter

// Filter controls which resource types to check and which resources to include.
type Filter struct {
	includeTypes map[string]bool
	excludeTypes map[string]bool
	includeTags  map[string]string
	excludeTags  map[string]string
}

// Config holds the filter settings.
type Config struct {
	IncludeTypes []string
	ExcludeTypes []string
	IncludeTags  map[string]string
	ExcludeTags  map[string]string
}

// New creates a new Filter from the provided configuration.
func New(cfg Config) *Filter {
	return &Filter{
		includeTypes: toSet(cfg.IncludeTypes),
		excludeTypes: toSet(cfg.ExcludeTypes),
		includeTags:  cfg.IncludeTags,
		excludeTags:  cfg.ExcludeTags,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// ShouldCheckType returns true if the given resource type should be checked.
// Exclusions win over inclusions; an empty include list admits every type.
func (f *Filter) ShouldCheckType(typ string) bool {
	if f == nil {
		return true
	}
	if f.excludeTypes[typ] {
		return false
	}
	return len(f.includeTypes) == 0 || f.includeTypes[typ]
}

// ShouldInclude returns true if a resource with the given tags passes the tag filters.
func (f *Filter) ShouldInclude(tags map[string]string) bool {
	if f == nil {
		return true
	}

	// Include tags: ALL must match
	for k, v := range f.includeTags {
		if tags[k] != v {
			return false
		}
	}

	// Exclude tags: ANY match excludes
	for k, v := range f.excludeTags {
		if tag, ok := tags[k]; ok && tag == v {
			return false
		}
	}

	return true
}

// HasTagFilters returns true if any tag filter is configured.
func (f *Filter) HasTagFilters() bool {
	return f != nil && (len(f.includeTags) > 0 || len(f.excludeTags) > 0)
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.includeTypes) == 0 && len(f.excludeTypes) == 0 && !f.HasTagFilters())
}
