package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/storage"
)

// errorPayload is the wire shape of every 4xx response.
type errorPayload struct {
	Code    string `json:"code"`
	Details string `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorPayload{Code: code, Details: details})
}

// statusForCode maps taxonomy codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case acerr.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case acerr.CodeInvalidAccess:
		return http.StatusForbidden
	case acerr.CodeUnknownModuleType, acerr.CodeUnknownRoot, acerr.CodeUnknownAnalysisRequest,
		acerr.CodeUnknownObservable, acerr.CodeUnknownFile, acerr.CodeUnknownAlertSystem:
		return http.StatusNotFound
	case acerr.CodeRootExists, acerr.CodeDuplicateAPIKeyName, acerr.CodeLockedAnalysisRequest:
		return http.StatusConflict
	case acerr.CodeExpiredAnalysisRequest, acerr.CodeModuleTypeVersion, acerr.CodeModuleTypeExtendedVersion:
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}

func writeCodedError(w http.ResponseWriter, err error) {
	var coded *acerr.Error
	if errors.As(err, &coded) {
		writeError(w, statusForCode(coded.Code), coded.Code, coded.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "", err.Error())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "engine": s.core.ID()})
}

// module types ---------------------------------------------------------------

func (s *Server) handleRegisterModuleType(w http.ResponseWriter, r *http.Request) {
	var amt analysis.AnalysisModuleType
	if err := json.NewDecoder(r.Body).Decode(&amt); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid module type payload: "+err.Error())
		return
	}
	if err := s.core.RegisterAnalysisModuleType(r.Context(), &amt); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &amt)
}

func (s *Server) handleGetModuleType(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	amt, err := s.core.GetAnalysisModuleType(r.Context(), name)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if amt == nil {
		writeCodedError(w, acerr.UnknownModuleType(name))
		return
	}
	writeJSON(w, http.StatusOK, amt)
}

func (s *Server) handleDeleteModuleType(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	deleted, err := s.core.DeleteAnalysisModuleType(r.Context(), name)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if !deleted {
		writeCodedError(w, acerr.UnknownModuleType(name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// processing -----------------------------------------------------------------

func (s *Server) handleProcessRequest(w http.ResponseWriter, r *http.Request) {
	var ar analysis.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&ar); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid analysis request payload: "+err.Error())
		return
	}
	if err := s.core.ProcessAnalysisRequest(r.Context(), &ar); err != nil {
		writeCodedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	root, err := s.core.GetRootAnalysis(r.Context(), id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if root == nil {
		writeCodedError(w, acerr.UnknownRoot(id))
		return
	}
	writeJSON(w, http.StatusOK, root)
}

// workQueueRequest is the worker poll payload.
type workQueueRequest struct {
	Owner           string   `json:"owner"`
	Module          string   `json:"amt"`
	Timeout         int      `json:"timeout"`
	Version         string   `json:"version"`
	ExtendedVersion []string `json:"extended_version,omitempty"`
}

func (s *Server) handleWorkQueue(w http.ResponseWriter, r *http.Request) {
	var req workQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid work queue payload: "+err.Error())
		return
	}
	if req.Owner == "" || req.Module == "" || req.Version == "" {
		writeError(w, http.StatusBadRequest, "", "owner, amt and version are required")
		return
	}

	amt := &analysis.AnalysisModuleType{
		Name:            req.Module,
		Version:         req.Version,
		ExtendedVersion: req.ExtendedVersion,
		Timeout:         analysis.DefaultModuleTimeout,
	}
	if registered, err := s.core.GetAnalysisModuleType(r.Context(), req.Module); err == nil && registered != nil {
		amt.Timeout = registered.Timeout
	}

	ar, err := s.core.GetNextAnalysisRequest(r.Context(), req.Owner, amt, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if ar == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

// config ---------------------------------------------------------------------

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "", "key query parameter is required")
		return
	}
	setting, err := s.core.GetConfig(r.Context(), key)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if setting == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var setting storage.ConfigSetting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid config payload: "+err.Error())
		return
	}
	var documentation *string
	if setting.Documentation != "" {
		documentation = &setting.Documentation
	}
	if err := s.core.SetConfig(r.Context(), setting.Key, setting.Value, documentation); err != nil {
		writeCodedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// api keys (admin) -----------------------------------------------------------

type createAPIKeyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Admin       bool   `json:"is_admin"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "", "api key name is required")
		return
	}
	key, err := s.core.APIKeys().CreateAPIKey(r.Context(), req.Name, req.Description, req.Admin)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.core.APIKeys().ListAPIKeys(r.Context())
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	deleted, err := s.core.APIKeys().DeleteAPIKey(r.Context(), name)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "", "no api key named "+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// alert systems (admin) ------------------------------------------------------

func (s *Server) handleRegisterAlertSystem(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	registered, err := s.core.RegisterAlertSystem(r.Context(), name)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": registered})
}

func (s *Server) handleUnregisterAlertSystem(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	unregistered, err := s.core.UnregisterAlertSystem(r.Context(), name)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unregistered": unregistered})
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	timeout := 0
	if value := r.URL.Query().Get("timeout"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "", "invalid timeout")
			return
		}
		timeout = parsed
	}

	// drain everything already queued, then optionally block for one more
	var alerts []string
	for {
		alert, err := s.core.GetAlert(r.Context(), name, 0)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		if alert == "" {
			break
		}
		alerts = append(alerts, alert)
	}
	if len(alerts) == 0 && timeout > 0 {
		alert, err := s.core.GetAlert(r.Context(), name, time.Duration(timeout)*time.Second)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		if alert != "" {
			alerts = append(alerts, alert)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"alerts": alerts})
}
