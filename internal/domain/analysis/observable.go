package analysis

import (
	"time"

	"github.com/google/uuid"
)

// Observable is a typed value discovered during analysis that can itself be
// analyzed. Observables live in their root's observable store and reference
// each other by uuid only.
type Observable struct {
	UUID  string     `json:"uuid"`
	Type  string     `json:"type"`
	Value string     `json:"value"`
	Time  *time.Time `json:"time,omitempty"`

	Tags       []string         `json:"tags,omitempty"`
	Detections []DetectionPoint `json:"detections,omitempty"`

	// Analyses completed for this observable, keyed by module type name.
	Analyses map[string]*Analysis `json:"analysis,omitempty"`

	// Directives hint analysis modules to change their behavior.
	Directives []string `json:"directives,omitempty"`

	// Redirection points at another observable for display grouping.
	Redirection string `json:"redirection,omitempty"`

	// Links name observables that inherit every tag applied here.
	Links []string `json:"links,omitempty"`

	LimitedAnalysis   []string `json:"limited_analysis,omitempty"`
	ExcludedAnalysis  []string `json:"excluded_analysis,omitempty"`
	RequestedAnalysis []string `json:"requested_analysis,omitempty"`

	// Relationships are typed edges to other observables.
	Relationships map[string][]string `json:"relationships,omitempty"`

	GroupingTarget bool `json:"grouping_target,omitempty"`

	// RequestTracking maps module type name to the id of the outstanding
	// analysis request for it.
	RequestTracking map[string]string `json:"request_tracking,omitempty"`

	root *RootAnalysis
}

// NewObservable returns a free-standing observable. It becomes part of a
// root via RootAnalysis.AddObservable or Analysis.AddObservableRef.
func NewObservable(typ, value string) *Observable {
	return &Observable{UUID: uuid.NewString(), Type: typ, Value: value}
}

// At sets the event time of the observable and returns it.
func (o *Observable) At(t time.Time) *Observable {
	utc := t.UTC()
	o.Time = &utc
	return o
}

// Root returns the root analysis this observable belongs to.
func (o *Observable) Root() *RootAnalysis {
	return o.root
}

// Equal reports whether two observables represent the same value: type,
// value and event time all match.
func (o *Observable) Equal(other *Observable) bool {
	if other == nil {
		return false
	}
	if o.Type != other.Type || o.Value != other.Value {
		return false
	}
	if o.Time == nil || other.Time == nil {
		return o.Time == nil && other.Time == nil
	}
	return o.Time.Equal(*other.Time)
}

// AddTag tags the observable and propagates the tag across its links.
func (o *Observable) AddTag(tag string) *Observable {
	if hasTag(o.Tags, tag) {
		return o
	}
	o.Tags = addTag(o.Tags, tag)
	if o.root != nil {
		for _, id := range o.Links {
			if linked := o.root.GetObservableByID(id); linked != nil {
				linked.AddTag(tag)
			}
		}
	}
	return o
}

func (o *Observable) HasTag(tag string) bool {
	return hasTag(o.Tags, tag)
}

func (o *Observable) AddDetectionPoint(description, details string) *Observable {
	o.Detections = addDetection(o.Detections, DetectionPoint{Description: description, Details: details})
	return o
}

func (o *Observable) HasDetectionPoints() bool {
	return len(o.Detections) > 0
}

func (o *Observable) AddDirective(directive string) *Observable {
	o.Directives = addTag(o.Directives, directive)
	return o
}

func (o *Observable) HasDirective(directive string) bool {
	return containsString(o.Directives, directive)
}

// AddLink links this observable to target. Tags applied here afterwards are
// also applied to target. Mutual links are refused to keep propagation
// acyclic.
func (o *Observable) AddLink(target *Observable) *Observable {
	if containsString(target.Links, o.UUID) {
		return o
	}
	o.Links = addTag(o.Links, target.UUID)
	return o
}

// LimitAnalysis restricts analysis of this observable to the named module.
func (o *Observable) LimitAnalysis(name string) *Observable {
	o.LimitedAnalysis = addTag(o.LimitedAnalysis, name)
	return o
}

// ExcludeAnalysis prevents the named module from analyzing this observable.
func (o *Observable) ExcludeAnalysis(name string) *Observable {
	o.ExcludedAnalysis = addTag(o.ExcludedAnalysis, name)
	return o
}

// RequestAnalysis explicitly requests the named module, which is how manual
// modules are triggered.
func (o *Observable) RequestAnalysis(name string) *Observable {
	o.RequestedAnalysis = addTag(o.RequestedAnalysis, name)
	return o
}

// IsRequested reports whether analysis by the named module was requested.
func (o *Observable) IsRequested(name string) bool {
	return containsString(o.RequestedAnalysis, name)
}

func (o *Observable) AddRelationship(relType string, target *Observable) *Observable {
	if o.Relationships == nil {
		o.Relationships = make(map[string][]string)
	}
	if !containsString(o.Relationships[relType], target.UUID) {
		o.Relationships[relType] = append(o.Relationships[relType], target.UUID)
	}
	return o
}

func (o *Observable) HasRelationship(relType, targetUUID string) bool {
	return containsString(o.Relationships[relType], targetUUID)
}

// GetAnalysis returns the analysis of the given module type name, or nil.
func (o *Observable) GetAnalysis(name string) *Analysis {
	return o.Analyses[name]
}

// AnalysisCompleted reports whether analysis by the named module is present.
func (o *Observable) AnalysisCompleted(name string) bool {
	return o.GetAnalysis(name) != nil
}

// AddAnalysis attaches the analysis to this observable, replacing any prior
// analysis of the same module type.
func (o *Observable) AddAnalysis(a *Analysis) *Analysis {
	if a.UUID == "" {
		a.UUID = newAnalysisUUID()
	}
	a.root = o.root
	a.ObservableID = o.UUID
	if o.Analyses == nil {
		o.Analyses = make(map[string]*Analysis)
	}
	o.Analyses[a.Type.Name] = a

	// adopt any child observables the analysis already references
	for _, id := range append([]string(nil), a.ObservableIDs...) {
		if child := o.root.GetObservableByID(id); child != nil {
			a.adoptChild(child)
		}
	}
	return a
}

// TrackAnalysisRequest records the outstanding request for this observable
// and the request's module type.
func (o *Observable) TrackAnalysisRequest(ar *AnalysisRequest) {
	if o.RequestTracking == nil {
		o.RequestTracking = make(map[string]string)
	}
	o.RequestTracking[ar.Type.Name] = ar.ID
}

// AnalysisRequestID returns the tracked request id for the named module, or
// the empty string.
func (o *Observable) AnalysisRequestID(name string) string {
	return o.RequestTracking[name]
}

// CreateAnalysisRequest returns a new request to analyze this observable
// with the given module type.
func (o *Observable) CreateAnalysisRequest(amt *AnalysisModuleType) *AnalysisRequest {
	return NewAnalysisRequest(o.root, o, amt)
}

// applyMerge merges every mergable property of other into this observable.
// References into other's root are adopted into this root as needed.
func (o *Observable) applyMerge(other *Observable) {
	for _, tag := range other.Tags {
		o.AddTag(tag)
	}
	for _, d := range other.Detections {
		o.Detections = addDetection(o.Detections, d)
	}
	for _, directive := range other.Directives {
		o.AddDirective(directive)
	}

	if other.Redirection != "" {
		if redirected := other.root.GetObservableByID(other.Redirection); redirected != nil {
			o.Redirection = o.root.adoptObservable(redirected).UUID
		}
	}

	for _, id := range other.Links {
		if linked := other.root.GetObservableByID(id); linked != nil {
			o.AddLink(o.root.adoptObservable(linked))
		}
	}

	for _, name := range other.LimitedAnalysis {
		o.LimitAnalysis(name)
	}
	for _, name := range other.ExcludedAnalysis {
		o.ExcludeAnalysis(name)
	}
	for _, name := range other.RequestedAnalysis {
		o.RequestAnalysis(name)
	}

	for relType, ids := range other.Relationships {
		for _, id := range ids {
			if related := other.root.GetObservableByID(id); related != nil {
				o.AddRelationship(relType, o.root.adoptObservable(related))
			}
		}
	}

	if other.GroupingTarget {
		o.GroupingTarget = true
	}

	for name, id := range other.RequestTracking {
		if _, ok := o.RequestTracking[name]; !ok {
			if o.RequestTracking == nil {
				o.RequestTracking = make(map[string]string)
			}
			o.RequestTracking[name] = id
		}
	}

	for name, theirs := range other.Analyses {
		existing := o.GetAnalysis(name)
		if existing == nil {
			existing = o.AddAnalysis(&Analysis{
				Type:         theirs.Type,
				Summary:      theirs.Summary,
				Details:      theirs.Details,
				ErrorMessage: theirs.ErrorMessage,
				StackTrace:   theirs.StackTrace,
			})
		}
		existing.applyMerge(theirs)
	}
}

// ApplyDiffMerge applies to this observable the changes made between before
// and after, two snapshots of the same observable from a worker's original
// and modified root copies. When amt is set, the analysis of that type
// produced by the worker is grafted on as well.
func (o *Observable) ApplyDiffMerge(before, after *Observable, amt *AnalysisModuleType) {
	for _, tag := range after.Tags {
		if !hasTag(before.Tags, tag) {
			o.AddTag(tag)
		}
	}
	for _, d := range after.Detections {
		if !hasDetection(before.Detections, d) {
			o.Detections = addDetection(o.Detections, d)
		}
	}
	for _, directive := range after.Directives {
		if !containsString(before.Directives, directive) {
			o.AddDirective(directive)
		}
	}

	if after.Redirection != before.Redirection && after.Redirection != "" {
		if redirected := after.root.GetObservableByID(after.Redirection); redirected != nil {
			o.Redirection = o.root.adoptObservable(redirected).UUID
		}
	}

	for _, id := range after.Links {
		if containsString(before.Links, id) {
			continue
		}
		if linked := after.root.GetObservableByID(id); linked != nil {
			o.AddLink(o.root.adoptObservable(linked))
		}
	}

	for _, name := range after.LimitedAnalysis {
		if !containsString(before.LimitedAnalysis, name) {
			o.LimitAnalysis(name)
		}
	}
	for _, name := range after.ExcludedAnalysis {
		if !containsString(before.ExcludedAnalysis, name) {
			o.ExcludeAnalysis(name)
		}
	}
	for _, name := range after.RequestedAnalysis {
		if !containsString(before.RequestedAnalysis, name) {
			o.RequestAnalysis(name)
		}
	}

	for relType, ids := range after.Relationships {
		for _, id := range ids {
			if before.HasRelationship(relType, id) {
				continue
			}
			if related := after.root.GetObservableByID(id); related != nil {
				o.AddRelationship(relType, o.root.adoptObservable(related))
			}
		}
	}

	if before.GroupingTarget != after.GroupingTarget {
		o.GroupingTarget = after.GroupingTarget
	}

	if amt != nil {
		if afterAnalysis := after.GetAnalysis(amt.Name); afterAnalysis != nil {
			target := o.AddAnalysis(&Analysis{
				Type:         afterAnalysis.Type,
				Summary:      afterAnalysis.Summary,
				Details:      afterAnalysis.Details,
				ErrorMessage: afterAnalysis.ErrorMessage,
				StackTrace:   afterAnalysis.StackTrace,
			})
			target.applyDiffMerge(before.root, afterAnalysis)
		}
	}
}
