package toolbox

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
	Metadata         map[string]string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	// Kinds restricts delivery to the listed kinds. Empty accepts every kind.
	Kinds []EventKind
	// Sources restricts delivery to events from the listed sources.
	// A source with an empty ID matches every instance of its host.
	Sources []EventSource
	// RequireEntity drops events that do not reference a token.
	RequireEntity bool
	// SettingNamespaces restricts setting events to the listed namespaces.
	SettingNamespaces []string
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !containsKind(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Sources) > 0 && !sourceMatchesAny(i.Sources, event.Source) {
		return false
	}
	if i.RequireEntity && event.Entity == nil {
		return false
	}
	if len(i.SettingNamespaces) > 0 {
		if event.Setting == nil || !containsString(i.SettingNamespaces, event.Setting.Namespace) {
			return false
		}
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !allKindsIncluded(filter.Kinds, i.Kinds) {
		return false
	}
	if len(i.SettingNamespaces) > 0 && !allStringsIncluded(filter.SettingNamespaces, i.SettingNamespaces) {
		return false
	}
	if i.RequireEntity && !filter.RequireEntity {
		return false
	}

	return true
}

// containsKind reports whether target is present in kinds.
func containsKind(kinds []EventKind, target EventKind) bool {
	for _, candidate := range kinds {
		if candidate == target {
			return true
		}
	}

	return false
}

// allKindsIncluded reports whether subset is fully contained in allowed.
// An empty subset means "every kind" and is only contained by an empty allowed set.
func allKindsIncluded(subset, allowed []EventKind) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !containsKind(allowed, item) {
			return false
		}
	}

	return true
}

func containsString(values []string, target string) bool {
	for _, candidate := range values {
		if candidate == target {
			return true
		}
	}

	return false
}

func allStringsIncluded(subset, allowed []string) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !containsString(allowed, item) {
			return false
		}
	}

	return true
}

// sourceMatchesAny reports whether source is selected by at least one filter entry.
func sourceMatchesAny(filters []EventSource, source EventSource) bool {
	for _, filter := range filters {
		if filter.Host != "" && filter.Host != source.Host {
			continue
		}
		if filter.ID != "" && filter.ID != source.ID {
			continue
		}

		return true
	}

	return false
}
