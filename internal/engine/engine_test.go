package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
)

func testModuleType(name string) *analysis.AnalysisModuleType {
	amt := analysis.NewAnalysisModuleType(name, "test module")
	amt.ObservableTypes = []string{"test"}
	return amt
}

func cachableModuleType(name string, ttl int) *analysis.AnalysisModuleType {
	amt := testModuleType(name)
	amt.CacheTTL = &ttl
	return amt
}

// claimWork pulls the next request for the module and prepares it for
// result submission the way a worker would.
func claimWork(t *testing.T, core *Core, owner string, amt *analysis.AnalysisModuleType) *analysis.AnalysisRequest {
	t.Helper()
	ar, err := core.GetNextAnalysisRequest(context.Background(), owner, amt, 0)
	require.NoError(t, err)
	require.NotNil(t, ar)
	require.NoError(t, ar.InitializeResult())
	return ar
}

// completeWork records an analysis with the given details on the claimed
// request and submits the result.
func completeWork(t *testing.T, core *Core, ar *analysis.AnalysisRequest, details string) {
	t.Helper()
	modified := ar.ModifiedObservable()
	require.NotNil(t, modified)
	modified.AddAnalysis(&analysis.Analysis{Type: ar.Type, Details: json.RawMessage(details)})
	require.NoError(t, core.ProcessAnalysisRequest(context.Background(), ar))
}

func TestBasicAnalysis(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := testModuleType("test")
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root := analysis.NewRootAnalysis()
	observable := root.AddObservable("test", "test")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	ar := claimWork(t, core, uuid.NewString(), amt)
	completeWork(t, core, ar, `{"test":"result"}`)

	stored, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	storedObs := stored.GetObservable(observable)
	require.NotNil(t, storedObs)
	result := storedObs.GetAnalysis("test")
	require.NotNil(t, result)
	require.JSONEq(t, `{"test":"result"}`, string(result.Details))
}

func TestDedupViaLinking(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := cachableModuleType("test", 600)
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root1 := analysis.NewRootAnalysis()
	obs1 := root1.AddObservable("test", "x")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root1.CreateAnalysisRequest()))

	size, err := core.GetQueueSize(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, size)

	// the worker claims the request before the second root arrives
	ar := claimWork(t, core, uuid.NewString(), amt)
	size, err = core.GetQueueSize(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 0, size)

	root2 := analysis.NewRootAnalysis()
	obs2 := root2.AddObservable("test", "x")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root2.CreateAnalysisRequest()))

	// no new queue entry: the second root linked to the in-flight request
	size, err = core.GetQueueSize(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 0, size)

	completeWork(t, core, ar, `{"k":"v"}`)

	for _, probe := range []struct {
		rootUUID string
		obs      *analysis.Observable
	}{
		{root1.UUID, obs1},
		{root2.UUID, obs2},
	} {
		stored, err := core.GetRootAnalysis(ctx, probe.rootUUID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		storedObs := stored.GetObservable(probe.obs)
		require.NotNil(t, storedObs)
		result := storedObs.GetAnalysis("test")
		require.NotNil(t, result, "root %s missing analysis", probe.rootUUID)
		require.JSONEq(t, `{"k":"v"}`, string(result.Details))
	}
}

func TestCacheHit(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	cacheHits := 0
	core.Events().RegisterEventHandler("/core/cache/hit", eventCounter(&cacheHits))

	amt := cachableModuleType("test", 600)
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root1 := analysis.NewRootAnalysis()
	root1.AddObservable("test", "x")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root1.CreateAnalysisRequest()))

	ar := claimWork(t, core, uuid.NewString(), amt)
	completeWork(t, core, ar, `{"k":"v"}`)

	// the second root arrives after completion and is served from cache
	root2 := analysis.NewRootAnalysis()
	obs2 := root2.AddObservable("test", "x")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root2.CreateAnalysisRequest()))

	size, err := core.GetQueueSize(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 0, size)
	require.Equal(t, 1, cacheHits)

	stored, err := core.GetRootAnalysis(ctx, root2.UUID)
	require.NoError(t, err)
	storedObs := stored.GetObservable(obs2)
	require.NotNil(t, storedObs)
	result := storedObs.GetAnalysis("test")
	require.NotNil(t, result)
	require.JSONEq(t, `{"k":"v"}`, string(result.Details))
}

func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amtA := testModuleType("A")
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amtA))

	amtB := testModuleType("B")
	amtB.Dependencies = []string{"A"}
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amtB))

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "value")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	sizeA, err := core.GetQueueSize(ctx, "A")
	require.NoError(t, err)
	sizeB, err := core.GetQueueSize(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, 1, sizeA)
	require.Equal(t, 0, sizeB)

	ar := claimWork(t, core, uuid.NewString(), amtA)
	completeWork(t, core, ar, `{"a":"done"}`)

	sizeB, err = core.GetQueueSize(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, 1, sizeB)
}

func TestCancellationStopsDispatch(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := testModuleType("test")
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	// a second module keyed on a child observable type proves nothing new
	// is dispatched after cancellation
	child := analysis.NewAnalysisModuleType("child", "child module")
	child.ObservableTypes = []string{"child"}
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, child))

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "test")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	// cancel the root while the request sits in the queue
	cancelled, err := root.Copy()
	require.NoError(t, err)
	cancelled.AnalysisCancelled = true
	cancelled.AnalysisCancelledReason = "operator request"
	require.NoError(t, core.ProcessAnalysisRequest(ctx, cancelled.CreateAnalysisRequest()))

	// the worker still receives the request that was queued beforehand
	ar := claimWork(t, core, uuid.NewString(), amt)
	modified := ar.ModifiedObservable()
	result := modified.AddAnalysis(&analysis.Analysis{Type: amt, Details: json.RawMessage(`{"x":1}`)})
	result.AddObservable("child", "c1")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, ar))

	// the result merged, but no further work was dispatched
	stored, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	require.True(t, stored.AnalysisCancelled)

	size, err := core.GetQueueSize(ctx, "child")
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestRootExpiration(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	expired := 0
	core.Events().RegisterEventHandler("/core/analysis/root/expired", eventCounter(&expired))

	// a root that expires with no detections is deleted immediately
	root := analysis.NewRootAnalysis()
	root.Expires = true
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	stored, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	require.Nil(t, stored)
	require.Equal(t, 1, expired)

	// a root with a detection point persists
	detected := analysis.NewRootAnalysis()
	detected.Expires = true
	detected.AddObservable("test", "test").AddDetectionPoint("suspicious", "")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, detected.CreateAnalysisRequest()))

	stored, err = core.GetRootAnalysis(ctx, detected.UUID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestDetectionsSubmitAlert(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	_, err := core.RegisterAlertSystem(ctx, "siem")
	require.NoError(t, err)

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "bad").AddDetectionPoint("known bad value", "")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	alert, err := core.GetAlert(ctx, "siem", 0)
	require.NoError(t, err)
	require.Equal(t, root.UUID, alert)
}

func TestExpiredRequestReclaim(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := testModuleType("test")
	amt.Timeout = 0 // expires immediately
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "test")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	first := claimWork(t, core, "worker-1", amt)

	// the first claim expired, so a second owner receives the same request
	second, err := core.GetNextAnalysisRequest(ctx, "worker-2", amt, 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.ID, second.ID)
	require.NotEqual(t, first.Owner, second.Owner)
	require.NoError(t, second.InitializeResult())

	// the stale worker's result is refused
	first.ModifiedObservable().AddAnalysis(&analysis.Analysis{Type: amt, Details: json.RawMessage(`{"stale":true}`)})
	err = core.ProcessAnalysisRequest(ctx, first)
	require.Error(t, err)
	require.Equal(t, acerr.CodeExpiredAnalysisRequest, acerr.CodeOf(err))

	// the second worker's result lands
	completeWork(t, core, second, `{"fresh":true}`)

	stored, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	storedObs := stored.GetObservablesByType("test")[0]
	require.JSONEq(t, `{"fresh":true}`, string(storedObs.GetAnalysis("test").Details))
}

func TestOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "test")
	tracked, err := core.TrackRootAnalysis(ctx, root)
	require.NoError(t, err)
	require.True(t, tracked)

	first, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	second, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)

	first.AddTag("tag-one")
	updated, err := core.UpdateRootAnalysis(ctx, first)
	require.NoError(t, err)
	require.True(t, updated)

	// the concurrent updater loses on version mismatch
	second.AddTag("tag-two")
	updated, err = core.UpdateRootAnalysis(ctx, second)
	require.NoError(t, err)
	require.False(t, updated)

	// reload, re-apply, retry: both changes land
	reloaded, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	reloaded.AddTag("tag-two")
	updated, err = core.UpdateRootAnalysis(ctx, reloaded)
	require.NoError(t, err)
	require.True(t, updated)

	final, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	require.True(t, final.HasTag("tag-one"))
	require.True(t, final.HasTag("tag-two"))
}

func TestRootCompletedEventFiresOnce(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	completed := 0
	core.Events().RegisterEventHandler("/core/analysis/root/completed", eventCounter(&completed))

	amt := testModuleType("test")
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "test")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))
	require.Equal(t, 0, completed)

	ar := claimWork(t, core, uuid.NewString(), amt)
	completeWork(t, core, ar, `{"done":true}`)
	require.Equal(t, 1, completed)
}

func TestManualModuleRequiresRequest(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := testModuleType("manual")
	amt.Manual = true
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "test")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	size, err := core.GetQueueSize(ctx, "manual")
	require.NoError(t, err)
	require.Equal(t, 0, size)

	// an explicit request on the observable triggers the manual module
	update, err := core.GetRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	update.GetObservablesByType("test")[0].RequestAnalysis("manual")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, update.CreateAnalysisRequest()))

	size, err = core.GetQueueSize(ctx, "manual")
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestAnalysisDetailsRoundTrip(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	root := analysis.NewRootAnalysis()
	tracked, err := core.TrackRootAnalysis(ctx, root)
	require.NoError(t, err)
	require.True(t, tracked)

	id := uuid.NewString()
	stored, err := core.TrackAnalysisDetails(ctx, root, id, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.True(t, stored)

	details, err := core.GetAnalysisDetails(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(details))

	// deleting the root cascades to its details
	_, err = core.DeleteRootAnalysis(ctx, root.UUID)
	require.NoError(t, err)
	details, err = core.GetAnalysisDetails(ctx, id)
	require.NoError(t, err)
	require.Nil(t, details)
}

func TestGetWorkBlocksUntilTimeout(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := testModuleType("test")
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	start := time.Now()
	ar, err := core.GetWork(ctx, "test", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, ar)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
