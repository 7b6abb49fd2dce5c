package analysis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObservableEquality(t *testing.T) {
	a := NewObservable("ipv4", "10.0.0.1")
	b := NewObservable("ipv4", "10.0.0.1")
	require.True(t, a.Equal(b))

	c := NewObservable("ipv4", "10.0.0.2")
	require.False(t, a.Equal(c))

	d := NewObservable("fqdn", "10.0.0.1")
	require.False(t, a.Equal(d))

	// time participates in identity
	when := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	e := NewObservable("ipv4", "10.0.0.1").At(when)
	require.False(t, a.Equal(e))
	f := NewObservable("ipv4", "10.0.0.1").At(when)
	require.True(t, e.Equal(f))
}

func TestRootSerializationRoundTrip(t *testing.T) {
	root := NewRootAnalysis()
	root.Tool = "test-tool"
	root.AnalysisMode = "correlation"
	root.AddTag("root-tag")
	root.State = map[string]interface{}{"key": "value"}

	obs := root.AddObservableAt("url", "https://example.com/", time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC))
	obs.AddTag("tagged")
	obs.AddDirective("crawl")
	obs.AddDetectionPoint("suspicious url", "details here")
	obs.GroupingTarget = true

	other := root.AddObservable("ipv4", "10.0.0.1")
	obs.AddRelationship("resolved_to", other)
	obs.AddLink(other)

	amt := NewAnalysisModuleType("crawler", "crawls urls")
	a := obs.AddAnalysis(&Analysis{
		Type:    amt,
		Summary: "crawled ok",
		Details: json.RawMessage(`{"status":200}`),
	})
	a.AddObservable("fqdn", "example.com")

	first, err := json.Marshal(root)
	require.NoError(t, err)

	var decoded RootAnalysis
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(first), string(second))

	// the object graph is reconstructed
	reObs := decoded.GetObservable(obs)
	require.NotNil(t, reObs)
	require.Same(t, &decoded, reObs.Root())
	require.NotNil(t, reObs.GetAnalysis("crawler"))
	require.Len(t, reObs.GetAnalysis("crawler").Observables(), 1)
}

func TestRequestSerializationRoundTrip(t *testing.T) {
	root := NewRootAnalysis()
	obs := root.AddObservable("test", "value")
	ttl := 300
	amt := NewAnalysisModuleType("test", "test")
	amt.CacheTTL = &ttl

	ar := NewAnalysisRequest(root, obs, amt)
	require.NoError(t, ar.InitializeResult())

	first, err := json.Marshal(ar)
	require.NoError(t, err)

	var decoded AnalysisRequest
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(first), string(second))

	require.Equal(t, ar.ID, decoded.ID)
	require.Equal(t, ar.CacheKey, decoded.CacheKey)
	require.NotNil(t, decoded.Observable())
	require.True(t, decoded.IsObservableAnalysisResult())
}

func TestCacheKeyProperties(t *testing.T) {
	obs := NewObservable("test", "value")

	// uncacheable module types have no cache key
	uncacheable := NewAnalysisModuleType("test", "test")
	require.Empty(t, GenerateCacheKey(obs, uncacheable))

	ttl := 300
	a := NewAnalysisModuleType("test", "test")
	a.CacheTTL = &ttl
	a.ExtendedVersion = []string{"rules:a", "rules:b"}

	b := NewAnalysisModuleType("test", "test")
	b.CacheTTL = &ttl
	b.ExtendedVersion = []string{"rules:b", "rules:a"}

	// extended version order does not matter
	require.Equal(t, GenerateCacheKey(obs, a), GenerateCacheKey(obs, b))

	// the observable value matters
	require.NotEqual(t, GenerateCacheKey(obs, a), GenerateCacheKey(NewObservable("test", "other"), a))

	// the module version matters
	c := NewAnalysisModuleType("test", "test")
	c.CacheTTL = &ttl
	c.ExtendedVersion = []string{"rules:a", "rules:b"}
	c.Version = "2.0.0"
	require.NotEqual(t, GenerateCacheKey(obs, a), GenerateCacheKey(obs, c))
}

func TestTagPropagationAcrossLinks(t *testing.T) {
	root := NewRootAnalysis()
	source := root.AddObservable("test", "source")
	target := root.AddObservable("test", "target")
	source.AddLink(target)

	source.AddTag("malicious")
	require.True(t, target.HasTag("malicious"))

	// a mutual link is refused, so propagation cannot loop
	target.AddLink(source)
	target.AddTag("other")
	require.False(t, source.HasTag("other"))
}

func TestApplyMergeUnions(t *testing.T) {
	root := NewRootAnalysis()
	obs := root.AddObservable("test", "value")
	obs.AddTag("first")

	other, err := root.Copy()
	require.NoError(t, err)
	otherObs := other.GetObservable(obs)
	otherObs.AddTag("second")
	otherObs.AddDirective("sandbox")
	otherObs.AddDetectionPoint("bad", "")
	other.AnalysisCancelled = true

	amt := NewAnalysisModuleType("extra", "extra")
	otherObs.AddAnalysis(&Analysis{Type: amt, Details: json.RawMessage(`{"x":1}`)})

	require.NoError(t, root.ApplyMerge(other))

	require.True(t, obs.HasTag("first"))
	require.True(t, obs.HasTag("second"))
	require.True(t, obs.HasDirective("sandbox"))
	require.True(t, obs.HasDetectionPoints())
	require.True(t, root.AnalysisCancelled)
	require.NotNil(t, obs.GetAnalysis("extra"))
}

func TestDiffMergeIsAdditiveOnly(t *testing.T) {
	target := NewRootAnalysis()
	targetObs := target.AddObservable("test", "value")
	targetObs.AddTag("pre-existing")
	target.AddTag("root-pre")

	before, err := target.Copy()
	require.NoError(t, err)
	after, err := target.Copy()
	require.NoError(t, err)

	afterObs := after.GetObservable(targetObs)
	afterObs.AddTag("worker-added")
	afterObs.AddDetectionPoint("found it", "")
	after.AnalysisMode = "detection"

	amt := NewAnalysisModuleType("scan", "scanner")
	a := afterObs.AddAnalysis(&Analysis{Type: amt, Details: json.RawMessage(`{"hits":3}`)})
	a.AddObservable("child", "payload")

	require.NoError(t, target.ApplyDiffMerge(before, after))
	targetObs.ApplyDiffMerge(before.GetObservable(targetObs), afterObs, amt)

	// nothing removed
	require.True(t, targetObs.HasTag("pre-existing"))
	require.True(t, target.HasTag("root-pre"))

	// additions landed
	require.True(t, targetObs.HasTag("worker-added"))
	require.True(t, targetObs.HasDetectionPoints())
	require.Equal(t, "detection", target.AnalysisMode)

	result := targetObs.GetAnalysis("scan")
	require.NotNil(t, result)
	require.JSONEq(t, `{"hits":3}`, string(result.Details))
	require.Len(t, result.Observables(), 1)
	require.Equal(t, "child", result.Observables()[0].Type)

	// re-applying the same diff changes nothing (idempotent cache replay)
	snapshot, err := json.Marshal(target)
	require.NoError(t, err)
	require.NoError(t, target.ApplyDiffMerge(before, after))
	targetObs.ApplyDiffMerge(before.GetObservable(targetObs), afterObs, amt)
	replay, err := json.Marshal(target)
	require.NoError(t, err)
	require.JSONEq(t, stripAnalysisUUIDs(t, snapshot), stripAnalysisUUIDs(t, replay))
}

// stripAnalysisUUIDs clears the uuids of grafted analyses, which are the
// only fields allowed to differ when the same diff is applied twice.
func stripAnalysisUUIDs(t *testing.T, data []byte) string {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	store, _ := doc["observable_store"].(map[string]interface{})
	for _, raw := range store {
		obs, _ := raw.(map[string]interface{})
		analyses, _ := obs["analysis"].(map[string]interface{})
		for _, rawAnalysis := range analyses {
			if a, ok := rawAnalysis.(map[string]interface{}); ok {
				delete(a, "uuid")
			}
		}
	}
	delete(doc, "version")
	result, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(result)
}

func TestModuleTypeSerializationRoundTrip(t *testing.T) {
	ttl := 600
	amt := NewAnalysisModuleType("yara", "yara scanner")
	amt.ObservableTypes = []string{"file"}
	amt.Directives = []string{"scan"}
	amt.CacheTTL = &ttl
	amt.ExtendedVersion = []string{"rules:2024-05"}
	amt.Conditions = []string{`re:"type": "file"`}
	amt.Manual = true

	first, err := json.Marshal(amt)
	require.NoError(t, err)

	var decoded AnalysisModuleType
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(first), string(second))
	require.True(t, amt.ExtendedVersionMatches(&decoded))
}
