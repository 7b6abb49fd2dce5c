package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Request lifecycle statuses.
const (
	StatusNew        = "new"
	StatusQueued     = "queued"
	StatusAnalyzing  = "analyzing"
	StatusProcessing = "processing"
	StatusFinished   = "finished"
	StatusExpired    = "expired"
)

// AnalysisRequest is the unit of work. A request without an observable is a
// root submission; one with an observable and module type is a request to
// analyze that pair; once a worker initializes and returns a result, the
// (OriginalRoot, ModifiedRoot) pair carries the worker's delta.
type AnalysisRequest struct {
	ID   string        `json:"id"`
	Root *RootAnalysis `json:"root,omitempty"`

	ObservableID string              `json:"observable_id,omitempty"`
	Type         *AnalysisModuleType `json:"type,omitempty"`

	Status string `json:"status"`
	// Owner is the uuid of the worker that claimed this request.
	Owner string `json:"owner,omitempty"`

	// CacheKey is derived from the observable and module type; empty for
	// root requests and uncacheable modules.
	CacheKey string `json:"cache_key,omitempty"`
	// CacheHit marks a result that was served from the cache rather than
	// computed, so it is not cached again.
	CacheHit bool `json:"cache_hit,omitempty"`

	OriginalRoot *RootAnalysis `json:"original_root,omitempty"`
	ModifiedRoot *RootAnalysis `json:"modified_root,omitempty"`
}

// NewAnalysisRequest creates a request. observable and amt are nil for a
// root submission.
func NewAnalysisRequest(root *RootAnalysis, observable *Observable, amt *AnalysisModuleType) *AnalysisRequest {
	ar := &AnalysisRequest{
		ID:     uuid.NewString(),
		Root:   root,
		Type:   amt,
		Status: StatusNew,
	}
	if observable != nil {
		ar.ObservableID = observable.UUID
		ar.CacheKey = GenerateCacheKey(observable, amt)
	}
	return ar
}

func (ar *AnalysisRequest) String() string {
	kind := "root"
	switch {
	case ar.IsObservableAnalysisResult():
		kind = "result"
	case ar.IsObservableAnalysisRequest():
		kind = "request"
	}
	return fmt.Sprintf("AnalysisRequest(%s,id=%s)", kind, ar.ID)
}

// Observable resolves the request's observable inside its root.
func (ar *AnalysisRequest) Observable() *Observable {
	if ar.ObservableID == "" || ar.Root == nil {
		return nil
	}
	return ar.Root.GetObservableByID(ar.ObservableID)
}

// IsCachable reports whether the result of this request should be cached.
func (ar *AnalysisRequest) IsCachable() bool {
	return ar.CacheKey != ""
}

// IsObservableAnalysisRequest reports whether this request targets a single
// observable.
func (ar *AnalysisRequest) IsObservableAnalysisRequest() bool {
	return ar.ObservableID != ""
}

// IsObservableAnalysisResult reports whether this request carries a result.
func (ar *AnalysisRequest) IsObservableAnalysisResult() bool {
	return ar.IsObservableAnalysisRequest() && ar.ModifiedRoot != nil
}

// IsRootAnalysisRequest reports whether this is a root submission.
func (ar *AnalysisRequest) IsRootAnalysisRequest() bool {
	return ar.ObservableID == ""
}

// ModifiedObservable returns the observable inside the worker's modified
// root copy, where results are stored.
func (ar *AnalysisRequest) ModifiedObservable() *Observable {
	if ar.ModifiedRoot == nil {
		return nil
	}
	return ar.ModifiedRoot.GetObservableByID(ar.ObservableID)
}

// Observables returns the observables the engine dispatches over after
// processing this request: the analyzed observable plus any children the
// analysis discovered for a result, all root observables for a root
// submission.
func (ar *AnalysisRequest) Observables() []*Observable {
	if ar.IsObservableAnalysisRequest() {
		if ar.IsObservableAnalysisResult() {
			modified := ar.ModifiedObservable()
			if modified == nil {
				return nil
			}
			var result []*Observable
			if a := modified.GetAnalysis(ar.Type.Name); a != nil {
				result = a.Observables()
			}
			return append(result, modified)
		}
		if o := ar.Observable(); o != nil {
			return []*Observable{o}
		}
		return nil
	}
	return ar.Root.AllObservables()
}

// InitializeResult prepares the request for a worker: the original root is
// the untouched snapshot, the modified root is the copy the worker edits.
func (ar *AnalysisRequest) InitializeResult() error {
	original, err := ar.Root.Copy()
	if err != nil {
		return err
	}
	modified, err := ar.Root.Copy()
	if err != nil {
		return err
	}
	ar.OriginalRoot = original
	ar.ModifiedRoot = modified
	return nil
}

// Clone returns a deep copy of the request via a serialization round trip.
func (ar *AnalysisRequest) Clone() (*AnalysisRequest, error) {
	data, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("clone request %s: %w", ar.ID, err)
	}
	var result AnalysisRequest
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("clone request %s: %w", ar.ID, err)
	}
	return &result, nil
}
