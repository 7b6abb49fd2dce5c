package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type staticResolver map[string]*AnalysisModuleType

func (r staticResolver) ResolveModuleType(name string) *AnalysisModuleType {
	return r[name]
}

func acceptingModule(name string) *AnalysisModuleType {
	return NewAnalysisModuleType(name, "test")
}

func TestAcceptsPredicateOrder(t *testing.T) {
	resolver := staticResolver{}
	root := NewRootAnalysis()
	obs := root.AddObservable("ipv4", "10.0.0.1")

	// empty observable_types accepts everything
	require.True(t, acceptingModule("any").Accepts(obs, resolver))

	// observable type gate
	typed := acceptingModule("typed")
	typed.ObservableTypes = []string{"url"}
	require.False(t, typed.Accepts(obs, resolver))
	typed.ObservableTypes = []string{"ipv4", "url"}
	require.True(t, typed.Accepts(obs, resolver))

	// manual modules only run when requested, and a request overrides
	// every other gate
	manual := acceptingModule("manual")
	manual.Manual = true
	manual.ObservableTypes = []string{"url"}
	require.False(t, manual.Accepts(obs, resolver))
	obs.RequestAnalysis("manual")
	require.True(t, manual.Accepts(obs, resolver))

	// exclusion wins over acceptance
	excluded := acceptingModule("excluded")
	obs.ExcludeAnalysis("excluded")
	require.False(t, excluded.Accepts(obs, resolver))

	// analysis mode gate
	moded := acceptingModule("moded")
	moded.Modes = []string{"detection"}
	require.False(t, moded.Accepts(obs, resolver))
	root.AnalysisMode = "detection"
	require.True(t, moded.Accepts(obs, resolver))

	// every directive is required
	directed := acceptingModule("directed")
	directed.Directives = []string{"sandbox", "crawl"}
	obs.AddDirective("sandbox")
	require.False(t, directed.Accepts(obs, resolver))
	obs.AddDirective("crawl")
	require.True(t, directed.Accepts(obs, resolver))

	// every tag is required
	tagged := acceptingModule("tagged")
	tagged.Tags = []string{"suspect"}
	require.False(t, tagged.Accepts(obs, resolver))
	obs.AddTag("suspect")
	require.True(t, tagged.Accepts(obs, resolver))

	// dependencies must be registered and completed
	dependent := acceptingModule("dependent")
	dependent.Dependencies = []string{"base"}
	require.False(t, dependent.Accepts(obs, resolver))
	base := acceptingModule("base")
	resolver["base"] = base
	require.False(t, dependent.Accepts(obs, resolver))
	obs.AddAnalysis(&Analysis{Type: base})
	require.True(t, dependent.Accepts(obs, resolver))

	// limited_analysis restricts to the named modules
	limited := NewRootAnalysis()
	limitedObs := limited.AddObservable("ipv4", "10.0.0.1")
	limitedObs.LimitAnalysis("only-this")
	require.False(t, acceptingModule("something-else").Accepts(limitedObs, resolver))
	require.True(t, acceptingModule("only-this").Accepts(limitedObs, resolver))
}

func TestRegexCondition(t *testing.T) {
	resolver := staticResolver{}
	root := NewRootAnalysis()
	obs := root.AddObservable("url", "https://example.com/payload")

	amt := acceptingModule("regex")
	amt.Conditions = []string{`re:example\.com`}
	require.True(t, amt.Accepts(obs, resolver))

	miss := acceptingModule("regex-miss")
	miss.Conditions = []string{`re:nowhere\.invalid`}
	require.False(t, miss.Accepts(obs, resolver))

	// compile failures fail closed
	broken := acceptingModule("regex-broken")
	broken.Conditions = []string{`re:(`}
	require.False(t, broken.Accepts(obs, resolver))
}

func TestScriptCondition(t *testing.T) {
	resolver := staticResolver{}
	root := NewRootAnalysis()
	obs := root.AddObservable("url", "https://example.com/")
	obs.AddTag("phish")

	amt := acceptingModule("script")
	amt.Conditions = []string{`js:observable.type === "url" && observable.value.indexOf("example") >= 0`}
	require.True(t, amt.Accepts(obs, resolver))

	miss := acceptingModule("script-miss")
	miss.Conditions = []string{`js:observable.value === "something else"`}
	require.False(t, miss.Accepts(obs, resolver))

	// compile failures fail closed
	broken := acceptingModule("script-broken")
	broken.Conditions = []string{`js:observable.(((`}
	require.False(t, broken.Accepts(obs, resolver))
}

func TestJSONPathCondition(t *testing.T) {
	resolver := staticResolver{}
	root := NewRootAnalysis()
	root.AnalysisMode = "correlation"
	obs := root.AddObservable("url", "https://example.com/")

	amt := acceptingModule("jsonpath")
	amt.Conditions = []string{`jp:$.analysis_mode`}
	require.True(t, amt.Accepts(obs, resolver))

	miss := acceptingModule("jsonpath-miss")
	miss.Conditions = []string{`jp:$.no_such_field`}
	require.False(t, miss.Accepts(obs, resolver))
}

func TestConditionsAreCachedPerModuleType(t *testing.T) {
	resolver := staticResolver{}
	root := NewRootAnalysis()
	obs := root.AddObservable("url", "https://example.com/")

	amt := acceptingModule("cached")
	amt.Conditions = []string{`re:example`}
	require.True(t, amt.Accepts(obs, resolver))
	require.Len(t, amt.compiled, 1)

	// second evaluation reuses the compiled form
	require.True(t, amt.Accepts(obs, resolver))
	require.Len(t, amt.compiled, 1)
}
