package analysis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Defaults applied by NewRootAnalysis.
const (
	DefaultAlertType   = "default"
	DefaultQueue       = "default"
	DefaultDescription = "Analysis"
)

// RootAnalysis is the top of an analysis tree. It owns every observable in
// its observable store; observables and analyses reference each other by
// uuid only and the object graph is reconstructed on load.
//
// The Version token implements optimistic concurrency: it changes on every
// successful update, and updates against a stale version fail.
type RootAnalysis struct {
	Analysis

	Version string `json:"version,omitempty"`

	Tool         string     `json:"tool,omitempty"`
	ToolInstance string     `json:"tool_instance,omitempty"`
	AlertType    string     `json:"alert_type,omitempty"`
	Description  string     `json:"description,omitempty"`
	AnalysisMode string     `json:"analysis_mode,omitempty"`
	Queue        string     `json:"queue,omitempty"`
	EventTime    *time.Time `json:"event_time,omitempty"`
	Name         string     `json:"name,omitempty"`
	Instructions string     `json:"instructions,omitempty"`

	// State is free-form storage for analysis modules to share data.
	State map[string]interface{} `json:"state,omitempty"`

	AnalysisCancelled       bool   `json:"analysis_cancelled,omitempty"`
	AnalysisCancelledReason string `json:"analysis_cancelled_reason,omitempty"`

	// Expires marks the root for deletion once analysis completes without
	// any detection points.
	Expires bool `json:"expires,omitempty"`

	ObservableStore map[string]*Observable `json:"observable_store,omitempty"`
}

// NewRootAnalysis returns an empty root with a fresh uuid and defaults.
func NewRootAnalysis() *RootAnalysis {
	r := &RootAnalysis{
		AlertType:       DefaultAlertType,
		Queue:           DefaultQueue,
		Description:     DefaultDescription,
		ObservableStore: make(map[string]*Observable),
	}
	r.UUID = uuid.NewString()
	r.normalize()
	return r
}

func (r *RootAnalysis) String() string {
	return fmt.Sprintf("RootAnalysis(%s)", r.UUID)
}

// normalize rebuilds the unexported back-references after construction or
// deserialization.
func (r *RootAnalysis) normalize() {
	r.Analysis.root = r
	if r.ObservableStore == nil {
		r.ObservableStore = make(map[string]*Observable)
	}
	for id, o := range r.ObservableStore {
		if o.UUID == "" {
			o.UUID = id
		}
		o.root = r
		for _, a := range o.Analyses {
			a.root = r
			a.ObservableID = o.UUID
		}
	}
}

type rootAlias RootAnalysis

// UnmarshalJSON decodes the root and reconstructs the object graph.
func (r *RootAnalysis) UnmarshalJSON(data []byte) error {
	var alias rootAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*r = RootAnalysis(alias)
	r.normalize()
	return nil
}

// Copy returns a deep copy of the root via a serialization round trip.
func (r *RootAnalysis) Copy() (*RootAnalysis, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("copy root %s: %w", r.UUID, err)
	}
	var result RootAnalysis
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("copy root %s: %w", r.UUID, err)
	}
	return &result, nil
}

// StableDocument returns a key-sorted, indented serialization of the root,
// used as the match target for regex module conditions.
func (r *RootAnalysis) StableDocument() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	pretty, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

// AddObservable adds a new observable of the given type and value to the
// root, or returns the existing equal one.
func (r *RootAnalysis) AddObservable(typ, value string) *Observable {
	return r.Analysis.adoptChild(r.RecordObservable(NewObservable(typ, value)))
}

// AddObservableAt is AddObservable with an explicit event time.
func (r *RootAnalysis) AddObservableAt(typ, value string, at time.Time) *Observable {
	return r.Analysis.adoptChild(r.RecordObservable(NewObservable(typ, value).At(at)))
}

// RecordObservable stores the observable in the observable store, returning
// the already-present equal observable if there is one.
func (r *RootAnalysis) RecordObservable(o *Observable) *Observable {
	if existing := r.GetObservable(o); existing != nil {
		return existing
	}
	if o.UUID == "" {
		o.UUID = uuid.NewString()
	}
	o.root = r
	r.ObservableStore[o.UUID] = o
	return o
}

// adoptObservable makes a local counterpart of an observable from another
// root: the existing equal observable if present, otherwise a bare copy
// (same uuid, type, value and time) recorded into the store.
func (r *RootAnalysis) adoptObservable(other *Observable) *Observable {
	if existing := r.GetObservable(other); existing != nil {
		return existing
	}
	local := &Observable{UUID: other.UUID, Type: other.Type, Value: other.Value, Time: other.Time, root: r}
	r.ObservableStore[local.UUID] = local
	return local
}

// GetObservableByID returns the observable with the given uuid, or nil.
func (r *RootAnalysis) GetObservableByID(id string) *Observable {
	return r.ObservableStore[id]
}

// GetObservable resolves an observable from any root into this root: first
// by uuid, then by (type, value, time) equality.
func (r *RootAnalysis) GetObservable(o *Observable) *Observable {
	if o == nil {
		return nil
	}
	if existing, ok := r.ObservableStore[o.UUID]; ok {
		return existing
	}
	for _, candidate := range r.ObservableStore {
		if candidate.Equal(o) {
			return candidate
		}
	}
	return nil
}

// AllObservables returns every observable in the store.
func (r *RootAnalysis) AllObservables() []*Observable {
	result := make([]*Observable, 0, len(r.ObservableStore))
	for _, o := range r.ObservableStore {
		result = append(result, o)
	}
	return result
}

// GetObservablesByType returns the observables of the given type.
func (r *RootAnalysis) GetObservablesByType(typ string) []*Observable {
	var result []*Observable
	for _, o := range r.ObservableStore {
		if o.Type == typ {
			result = append(result, o)
		}
	}
	return result
}

// AllAnalyses returns every analysis in the tree, the root's own included.
func (r *RootAnalysis) AllAnalyses() []*Analysis {
	result := []*Analysis{&r.Analysis}
	for _, o := range r.ObservableStore {
		for _, a := range o.Analyses {
			result = append(result, a)
		}
	}
	return result
}

// HasDetections reports whether any detection point exists anywhere in the
// tree, which is what makes a root alertable.
func (r *RootAnalysis) HasDetections() bool {
	for _, a := range r.AllAnalyses() {
		if a.HasDetectionPoints() {
			return true
		}
	}
	for _, o := range r.ObservableStore {
		if o.HasDetectionPoints() {
			return true
		}
	}
	return false
}

// AnalysisCompleted reports whether the module's analysis of the observable
// is present in this root.
func (r *RootAnalysis) AnalysisCompleted(o *Observable, amt *AnalysisModuleType) bool {
	local := r.GetObservable(o)
	return local != nil && local.AnalysisCompleted(amt.Name)
}

// AnalysisTracked reports whether a request for (observable, module) is
// already recorded on this root.
func (r *RootAnalysis) AnalysisTracked(o *Observable, amt *AnalysisModuleType) bool {
	local := r.GetObservable(o)
	return local != nil && local.AnalysisRequestID(amt.Name) != ""
}

// CreateAnalysisRequest returns a new root submission request for this root.
func (r *RootAnalysis) CreateAnalysisRequest() *AnalysisRequest {
	return NewAnalysisRequest(r, nil, nil)
}

// ApplyMerge merges another copy of the same root into this one: additive
// on collections, last-writer-wins on the mutable scalars. The version
// token is deliberately not copied.
func (r *RootAnalysis) ApplyMerge(other *RootAnalysis) error {
	if r.UUID != other.UUID {
		return fmt.Errorf("cannot merge root %s into %s", other.UUID, r.UUID)
	}

	r.Analysis.applyMerge(&other.Analysis)

	r.AnalysisMode = other.AnalysisMode
	r.Queue = other.Queue
	r.Description = other.Description
	r.AnalysisCancelled = other.AnalysisCancelled
	r.AnalysisCancelledReason = other.AnalysisCancelledReason
	return nil
}

// ApplyDiffMerge applies the root-level delta between before and after to
// this root: additions to tags and detections, and changes to the analysis
// mode, queue, description and the cancellation flag and reason. Other
// root-level fields are not copied. Observable-level deltas are applied
// separately.
func (r *RootAnalysis) ApplyDiffMerge(before, after *RootAnalysis) error {
	if before.UUID != after.UUID {
		return fmt.Errorf("diff merge across different roots %s and %s", before.UUID, after.UUID)
	}

	for _, tag := range after.Tags {
		if !hasTag(before.Tags, tag) {
			r.AddTag(tag)
		}
	}
	for _, d := range after.Detections {
		if !hasDetection(before.Detections, d) {
			r.Detections = addDetection(r.Detections, d)
		}
	}

	if before.AnalysisMode != after.AnalysisMode {
		r.AnalysisMode = after.AnalysisMode
	}
	if before.Queue != after.Queue {
		r.Queue = after.Queue
	}
	if before.Description != after.Description {
		r.Description = after.Description
	}
	if before.AnalysisCancelled != after.AnalysisCancelled {
		r.AnalysisCancelled = after.AnalysisCancelled
	}
	if before.AnalysisCancelledReason != after.AnalysisCancelledReason {
		r.AnalysisCancelledReason = after.AnalysisCancelledReason
	}
	return nil
}
