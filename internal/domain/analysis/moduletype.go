package analysis

import (
	"sort"
	"sync"
)

// Default values applied by NewAnalysisModuleType.
const (
	DefaultModuleVersion = "1.0.0"
	DefaultModuleTimeout = 30
)

// AnalysisModuleType is the declarative registration record for an analysis
// module: what observables it accepts, what it depends on, how it is
// versioned and whether its results can be cached.
type AnalysisModuleType struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// ObservableTypes limits the observable types this module analyzes.
	// An empty list accepts all types.
	ObservableTypes []string `json:"observable_types,omitempty"`
	// Directives that must all be present on the observable.
	Directives []string `json:"directives,omitempty"`
	// Dependencies names other module types whose analysis must complete
	// on the observable before this module runs.
	Dependencies []string `json:"dependencies,omitempty"`
	// Tags that must all be present on the observable.
	Tags []string `json:"tags,omitempty"`
	// Modes limits execution to roots in one of these analysis modes.
	Modes []string `json:"modes,omitempty"`
	// Conditions are "<type>:<payload>" predicates evaluated against the
	// root. See conditions.go for the supported types.
	Conditions []string `json:"conditions,omitempty"`

	Version string `json:"version"`
	// ExtendedVersion fingerprints external resources (rule sets, feeds)
	// orthogonal to the code version. Entry order is not significant.
	ExtendedVersion []string `json:"extended_version,omitempty"`

	// Timeout is how long (seconds) a worker has to complete a claimed
	// request before it becomes claimable again.
	Timeout int `json:"timeout"`
	// CacheTTL is how long (seconds) results stay cached. nil disables
	// caching entirely for this module.
	CacheTTL *int `json:"cache_ttl,omitempty"`

	// Types is a free-form classification list ("sandbox", "splunk", ...).
	Types []string `json:"types,omitempty"`
	// Manual modules only execute when explicitly requested on an
	// observable.
	Manual bool `json:"manual,omitempty"`

	condMu   sync.Mutex
	compiled map[string]*compiledCondition
}

// NewAnalysisModuleType returns a module type with the given name and
// description and default version and timeout.
func NewAnalysisModuleType(name, description string) *AnalysisModuleType {
	return &AnalysisModuleType{
		Name:        name,
		Description: description,
		Version:     DefaultModuleVersion,
		Timeout:     DefaultModuleTimeout,
	}
}

func (a *AnalysisModuleType) String() string {
	return a.Name + "v" + a.Version
}

// VersionMatches reports whether other is the same name and version.
func (a *AnalysisModuleType) VersionMatches(other *AnalysisModuleType) bool {
	return a.Name == other.Name && a.Version == other.Version
}

// ExtendedVersionMatches reports whether other matches name, version and
// extended version. Extended version entries compare order-independently.
func (a *AnalysisModuleType) ExtendedVersionMatches(other *AnalysisModuleType) bool {
	if !a.VersionMatches(other) {
		return false
	}
	return equalSorted(a.ExtendedVersion, other.ExtendedVersion)
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// ModuleTypeResolver looks up a registered module type by name. It is
// satisfied by the engine so that the acceptance predicate can resolve
// dependency registrations.
type ModuleTypeResolver interface {
	ResolveModuleType(name string) *AnalysisModuleType
}

// Accepts reports whether this module type should analyze the observable.
// The predicate is evaluated in a fixed order; the first failing gate wins.
func (a *AnalysisModuleType) Accepts(o *Observable, resolver ModuleTypeResolver) bool {
	// an explicit request overrides everything, including manual
	if o.IsRequested(a.Name) {
		return true
	}

	if a.Manual {
		return false
	}

	if containsString(o.ExcludedAnalysis, a.Name) {
		return false
	}

	if len(a.Modes) > 0 && !containsString(a.Modes, o.Root().AnalysisMode) {
		return false
	}

	if len(a.ObservableTypes) > 0 && !containsString(a.ObservableTypes, o.Type) {
		return false
	}

	for _, directive := range a.Directives {
		if !o.HasDirective(directive) {
			return false
		}
	}

	for _, tag := range a.Tags {
		if !o.HasTag(tag) {
			return false
		}
	}

	for _, dep := range a.Dependencies {
		amt := resolver.ResolveModuleType(dep)
		if amt == nil {
			return false
		}
		if !o.AnalysisCompleted(amt.Name) {
			return false
		}
	}

	for _, condition := range a.Conditions {
		if !a.conditionSatisfied(condition, o) {
			return false
		}
	}

	// an observable limited to specific modules accepts only those
	if len(o.LimitedAnalysis) > 0 {
		return containsString(o.LimitedAnalysis, a.Name)
	}

	return true
}
