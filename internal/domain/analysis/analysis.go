package analysis

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Analysis is the output of one module run against one observable. The
// Details blob is stored separately from the root document and loaded on
// demand; everything else travels with the root.
type Analysis struct {
	UUID string              `json:"uuid"`
	Type *AnalysisModuleType `json:"type,omitempty"`

	// ObservableID is the observable this analysis was produced for.
	ObservableID string `json:"observable_id,omitempty"`
	// ObservableIDs are the child observables discovered by this analysis.
	ObservableIDs []string `json:"observable_ids,omitempty"`

	Summary string          `json:"summary,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	// ErrorMessage and StackTrace record a module failure. A failed
	// analysis still completes normally; the failure is data.
	ErrorMessage string `json:"error_message,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	Tags       []string         `json:"tags,omitempty"`
	Detections []DetectionPoint `json:"detections,omitempty"`

	root *RootAnalysis
}

// Root returns the root analysis this object belongs to.
func (a *Analysis) Root() *RootAnalysis {
	return a.root
}

func (a *Analysis) AddTag(tag string) *Analysis {
	a.Tags = addTag(a.Tags, tag)
	return a
}

func (a *Analysis) HasTag(tag string) bool {
	return hasTag(a.Tags, tag)
}

// AddDetectionPoint marks this analysis as alertable.
func (a *Analysis) AddDetectionPoint(description, details string) *Analysis {
	a.Detections = addDetection(a.Detections, DetectionPoint{Description: description, Details: details})
	return a
}

func (a *Analysis) HasDetectionPoints() bool {
	return len(a.Detections) > 0
}

// Observables resolves the child observable references of this analysis.
func (a *Analysis) Observables() []*Observable {
	if a.root == nil {
		return nil
	}
	result := make([]*Observable, 0, len(a.ObservableIDs))
	for _, id := range a.ObservableIDs {
		if o := a.root.GetObservableByID(id); o != nil {
			result = append(result, o)
		}
	}
	return result
}

// AddObservable records a new child observable discovered by this analysis,
// or returns the existing equal observable already present in the root.
func (a *Analysis) AddObservable(typ, value string) *Observable {
	return a.adoptChild(a.root.RecordObservable(NewObservable(typ, value)))
}

// AddObservableRef attaches an observable already present in the root as a
// child of this analysis.
func (a *Analysis) AddObservableRef(o *Observable) *Observable {
	return a.adoptChild(a.root.RecordObservable(o))
}

func (a *Analysis) adoptChild(o *Observable) *Observable {
	if !containsString(a.ObservableIDs, o.UUID) {
		a.ObservableIDs = append(a.ObservableIDs, o.UUID)
	}
	return o
}

// applyMerge merges all mergable properties of other into this analysis.
// Child observables missing from this root are adopted and then merged.
func (a *Analysis) applyMerge(other *Analysis) {
	for _, tag := range other.Tags {
		a.AddTag(tag)
	}
	for _, d := range other.Detections {
		a.Detections = addDetection(a.Detections, d)
	}

	if other.Summary != "" && a.Summary == "" {
		a.Summary = other.Summary
	}
	if a.Details == nil && other.Details != nil {
		a.Details = other.Details
	}

	for _, child := range other.Observables() {
		local := a.root.GetObservable(child)
		if local == nil {
			local = a.root.adoptObservable(child)
		}
		a.adoptChild(local)
		local.applyMerge(child)
	}
}

// applyDiffMerge applies the changes other introduced relative to before.
// before is the root snapshot the worker started from; child observables
// absent from it are wholly new and merged in full, all others merge only
// their delta.
func (a *Analysis) applyDiffMerge(before *RootAnalysis, other *Analysis) {
	for _, tag := range other.Tags {
		a.AddTag(tag)
	}
	for _, d := range other.Detections {
		a.Detections = addDetection(a.Detections, d)
	}

	for _, afterObs := range other.Observables() {
		local := a.root.GetObservable(afterObs)
		if local == nil {
			local = a.root.adoptObservable(afterObs)
		}
		a.adoptChild(local)

		beforeObs := before.GetObservable(afterObs)
		if beforeObs == nil {
			local.applyMerge(afterObs)
		} else {
			local.ApplyDiffMerge(beforeObs, afterObs, nil)
		}
	}
}

func newAnalysisUUID() string {
	return uuid.NewString()
}
