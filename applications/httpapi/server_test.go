package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/engine"
)

func newTestServer(t *testing.T) (*Server, *engine.Core, string, string) {
	t.Helper()
	core := engine.NewCore()

	user, err := core.APIKeys().CreateAPIKey(context.Background(), "user", "", false)
	require.NoError(t, err)
	admin, err := core.APIKeys().CreateAPIKey(context.Background(), "admin", "", true)
	require.NoError(t, err)

	server := NewServer(core, Config{Address: "127.0.0.1:0"}, nil)
	return server, core, user.Key, admin.Key
}

func doRequest(t *testing.T, server *Server, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestAuthRequired(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	resp := doRequest(t, server, http.MethodGet, "/amt/test", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "invalid_api_key", decodeErrorCode(t, resp))

	resp = doRequest(t, server, http.MethodGet, "/amt/test", "not-a-key", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAdminRequiredForKeyLifecycle(t *testing.T) {
	server, _, userKey, adminKey := newTestServer(t)

	resp := doRequest(t, server, http.MethodPost, "/api_key", userKey, map[string]interface{}{"name": "x"})
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Equal(t, "invalid_access", decodeErrorCode(t, resp))

	resp = doRequest(t, server, http.MethodPost, "/api_key", adminKey, map[string]interface{}{"name": "x"})
	require.Equal(t, http.StatusCreated, resp.Code)
}

func TestModuleTypeEndpoints(t *testing.T) {
	server, _, userKey, _ := newTestServer(t)

	amt := analysis.NewAnalysisModuleType("test", "test module")
	amt.ObservableTypes = []string{"test"}

	resp := doRequest(t, server, http.MethodPost, "/amt", userKey, amt)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, server, http.MethodGet, "/amt/test", userKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var fetched analysis.AnalysisModuleType
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &fetched))
	require.Equal(t, "test", fetched.Name)

	resp = doRequest(t, server, http.MethodGet, "/amt/missing", userKey, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Equal(t, "unknown_amt", decodeErrorCode(t, resp))
}

func TestProcessAndWorkQueueFlow(t *testing.T) {
	server, core, userKey, _ := newTestServer(t)
	ctx := context.Background()

	amt := analysis.NewAnalysisModuleType("test", "test module")
	amt.ObservableTypes = []string{"test"}
	require.NoError(t, core.RegisterAnalysisModuleType(ctx, amt))

	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "test")
	resp := doRequest(t, server, http.MethodPost, "/process_request", userKey, root.CreateAnalysisRequest())
	require.Equal(t, http.StatusNoContent, resp.Code)

	// the worker polls the queue over the api
	poll := map[string]interface{}{
		"owner":   "worker-1",
		"amt":     "test",
		"timeout": 0,
		"version": amt.Version,
	}
	resp = doRequest(t, server, http.MethodPost, "/work_queue", userKey, poll)
	require.Equal(t, http.StatusOK, resp.Code)

	var claimed analysis.AnalysisRequest
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &claimed))
	require.Equal(t, "worker-1", claimed.Owner)
	require.Equal(t, analysis.StatusAnalyzing, claimed.Status)

	// an empty queue returns 204
	resp = doRequest(t, server, http.MethodPost, "/work_queue", userKey, poll)
	require.Equal(t, http.StatusNoContent, resp.Code)

	// a stale worker version is refused with the taxonomy code
	poll["version"] = "0.0.1"
	resp = doRequest(t, server, http.MethodPost, "/work_queue", userKey, poll)
	require.Equal(t, http.StatusGone, resp.Code)
	require.Equal(t, "amt_version", decodeErrorCode(t, resp))

	// submit the result over the api and verify the merge
	require.NoError(t, claimed.InitializeResult())
	claimed.ModifiedObservable().AddAnalysis(&analysis.Analysis{Type: amt, Details: json.RawMessage(`{"r":1}`)})
	resp = doRequest(t, server, http.MethodPost, "/process_request", userKey, &claimed)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doRequest(t, server, http.MethodGet, "/root/"+root.UUID, userKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var stored analysis.RootAnalysis
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stored))
	storedObs := stored.GetObservablesByType("test")[0]
	require.NotNil(t, storedObs.GetAnalysis("test"))
}

func TestAlertSystemEndpoints(t *testing.T) {
	server, _, userKey, adminKey := newTestServer(t)

	resp := doRequest(t, server, http.MethodPost, "/alert_system/siem", userKey, nil)
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = doRequest(t, server, http.MethodPost, "/alert_system/siem", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	// a detection-bearing root submitted for processing lands as an alert
	root := analysis.NewRootAnalysis()
	root.AddObservable("test", "bad").AddDetectionPoint("known bad", "")
	resp = doRequest(t, server, http.MethodPost, "/process_request", userKey, root.CreateAnalysisRequest())
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doRequest(t, server, http.MethodGet, "/alert_system/siem/alerts", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var alerts struct {
		Alerts []string `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &alerts))
	require.Equal(t, []string{root.UUID}, alerts.Alerts)
}

func decodeErrorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	return payload.Code
}
