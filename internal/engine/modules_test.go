package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
)

func TestRegisterUnknownDependencyFails(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := testModuleType("B")
	amt.Dependencies = []string{"A"}
	err := core.RegisterAnalysisModuleType(ctx, amt)
	require.Error(t, err)
	require.Equal(t, acerr.CodeInvalidDependency, acerr.CodeOf(err))
}

func TestCircularDependencyFails(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	require.NoError(t, core.RegisterAnalysisModuleType(ctx, testModuleType("A")))

	amtB := testModuleType("B")
	amtB.Dependencies = []string{"A"}
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amtB))

	// re-registering A with a dependency on B closes the cycle
	amtA := testModuleType("A")
	amtA.Dependencies = []string{"B"}
	err := core.RegisterAnalysisModuleType(ctx, amtA)
	require.Error(t, err)
	require.Equal(t, acerr.CodeCircularDependency, acerr.CodeOf(err))

	// self-dependency fails the same way
	amtSelf := testModuleType("self")
	amtSelf.Dependencies = []string{"self"}
	err = core.RegisterAnalysisModuleType(ctx, amtSelf)
	require.Error(t, err)
	require.Equal(t, acerr.CodeCircularDependency, acerr.CodeOf(err))
}

func TestRegisterFiresNewAndModifiedEvents(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	added, modified := 0, 0
	core.Events().RegisterEventHandler("/core/module/new", eventCounter(&added))
	core.Events().RegisterEventHandler("/core/module/modified", eventCounter(&modified))

	require.NoError(t, core.RegisterAnalysisModuleType(ctx, testModuleType("test")))
	require.Equal(t, 1, added)
	require.Equal(t, 0, modified)

	// same version: no modified event
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, testModuleType("test")))
	require.Equal(t, 0, modified)

	upgraded := testModuleType("test")
	upgraded.Version = "1.0.1"
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, upgraded))
	require.Equal(t, 1, modified)

	// extended version changes also count as modification
	reissued := testModuleType("test")
	reissued.Version = "1.0.1"
	reissued.ExtendedVersion = []string{"rules:2024-01"}
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, reissued))
	require.Equal(t, 2, modified)
}

func TestDeleteModuleTypeClearsEverything(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	amt := cachableModuleType("test", 600)
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root := analysis.NewRootAnalysis()
	obs := root.AddObservable("test", "x")
	require.NoError(t, core.ProcessAnalysisRequest(ctx, root.CreateAnalysisRequest()))

	tracked, err := core.GetAnalysisRequestByObservable(ctx, obs, amt)
	require.NoError(t, err)
	require.NotNil(t, tracked)

	deleted, err := core.DeleteAnalysisModuleType(ctx, "test")
	require.NoError(t, err)
	require.True(t, deleted)

	// no tracked requests reference the module
	tracked, err = core.GetAnalysisRequestByObservable(ctx, obs, amt)
	require.NoError(t, err)
	require.Nil(t, tracked)

	// no cache entries reference the module
	size, err := core.GetCacheSize(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 0, size)

	// the work queue is gone
	_, err = core.GetWork(ctx, "test", 0)
	require.Error(t, err)
	require.Equal(t, acerr.CodeUnknownModuleType, acerr.CodeOf(err))

	// registration is gone
	stored, err := core.GetAnalysisModuleType(ctx, "test")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestWorkerVersionGate(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	registered := testModuleType("test")
	registered.Version = "1.1.0"
	registered.ExtendedVersion = []string{"rules:a", "rules:b"}
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, registered))

	stale := testModuleType("test")
	stale.Version = "1.0.0"
	_, err := core.GetNextAnalysisRequest(ctx, "worker", stale, 0)
	require.Error(t, err)
	require.Equal(t, acerr.CodeModuleTypeVersion, acerr.CodeOf(err))

	staleExtended := testModuleType("test")
	staleExtended.Version = "1.1.0"
	staleExtended.ExtendedVersion = []string{"rules:a"}
	_, err = core.GetNextAnalysisRequest(ctx, "worker", staleExtended, 0)
	require.Error(t, err)
	require.Equal(t, acerr.CodeModuleTypeExtendedVersion, acerr.CodeOf(err))

	// reordered extended version entries are the same version
	reordered := testModuleType("test")
	reordered.Version = "1.1.0"
	reordered.ExtendedVersion = []string{"rules:b", "rules:a"}
	ar, err := core.GetNextAnalysisRequest(ctx, "worker", reordered, 0)
	require.NoError(t, err)
	require.Nil(t, ar)
}

func TestConfigStoreSemantics(t *testing.T) {
	ctx := context.Background()
	core := NewCore()

	// both nil is an error
	require.Error(t, core.SetConfig(ctx, "/test", nil, nil))

	require.NoError(t, core.SetConfigValue(ctx, "/test", 42))
	docs := "the answer"
	require.NoError(t, core.SetConfig(ctx, "/test", nil, &docs))

	setting, err := core.GetConfig(ctx, "/test")
	require.NoError(t, err)
	require.NotNil(t, setting)
	require.JSONEq(t, "42", string(setting.Value))
	require.Equal(t, "the answer", setting.Documentation)

	deleted, err := core.DeleteConfig(ctx, "/test")
	require.NoError(t, err)
	require.True(t, deleted)

	setting, err = core.GetConfig(ctx, "/test")
	require.NoError(t, err)
	require.Nil(t, setting)
}
