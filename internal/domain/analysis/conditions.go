package analysis

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// Module type conditions are "<type>:<payload>" predicates:
//
//	re:<regex>    matched against a stable, key-sorted serialization of
//	              the root analysis document
//	js:<expr>     evaluated by goja with "observable" and "amt" in scope
//	jp:<path>     a JSONPath query against the root document; satisfied
//	              when the result is true, a non-empty list, or any other
//	              non-null, non-boolean value
//
// Payloads compile on first use and are cached on the module type. A payload
// that fails to compile makes the condition (and therefore acceptance)
// permanently false; the failure is logged once.

type compiledCondition struct {
	re      *regexp.Regexp
	program *goja.Program
	path    string
	failed  bool
}

func (a *AnalysisModuleType) conditionSatisfied(condition string, o *Observable) bool {
	kind, payload, found := strings.Cut(condition, ":")
	if !found {
		return false
	}

	a.condMu.Lock()
	if a.compiled == nil {
		a.compiled = make(map[string]*compiledCondition)
	}
	cc, ok := a.compiled[condition]
	if !ok {
		cc = a.compileCondition(kind, payload)
		a.compiled[condition] = cc
	}
	a.condMu.Unlock()

	if cc == nil || cc.failed {
		return false
	}

	switch kind {
	case "re":
		doc, err := o.Root().StableDocument()
		if err != nil {
			return false
		}
		return cc.re.MatchString(doc)
	case "js":
		return evalScriptCondition(cc.program, o, a)
	case "jp":
		return evalJSONPathCondition(cc.path, o.Root())
	default:
		return false
	}
}

func (a *AnalysisModuleType) compileCondition(kind, payload string) *compiledCondition {
	switch kind {
	case "re":
		re, err := regexp.Compile(payload)
		if err != nil {
			logrus.WithField("module", a.Name).WithError(err).
				Error("regex condition failed to compile")
			return &compiledCondition{failed: true}
		}
		return &compiledCondition{re: re}
	case "js":
		program, err := goja.Compile(a.Name, payload, true)
		if err != nil {
			logrus.WithField("module", a.Name).WithError(err).
				Error("script condition failed to compile")
			return &compiledCondition{failed: true}
		}
		return &compiledCondition{program: program}
	case "jp":
		// jsonpath has no separate compile step; validate eagerly
		// against an empty document so bad paths fail closed once
		if _, err := jsonpath.Get(payload, map[string]interface{}{}); err != nil && strings.Contains(err.Error(), "parsing error") {
			logrus.WithField("module", a.Name).WithError(err).
				Error("jsonpath condition failed to parse")
			return &compiledCondition{failed: true}
		}
		return &compiledCondition{path: payload}
	default:
		logrus.WithField("module", a.Name).WithField("condition", kind).
			Error("unknown condition type")
		return &compiledCondition{failed: true}
	}
}

// evalScriptCondition runs the compiled expression in a fresh runtime. Only
// the observable and the module type are exposed.
func evalScriptCondition(program *goja.Program, o *Observable, a *AnalysisModuleType) bool {
	vm := goja.New()

	_ = vm.Set("observable", map[string]interface{}{
		"type":       o.Type,
		"value":      o.Value,
		"tags":       o.Tags,
		"directives": o.Directives,
	})
	_ = vm.Set("amt", map[string]interface{}{
		"name":    a.Name,
		"version": a.Version,
	})

	value, err := vm.RunProgram(program)
	if err != nil {
		logrus.WithField("module", a.Name).WithError(err).
			Debug("script condition failed to execute")
		return false
	}
	return value.ToBoolean()
}

func evalJSONPathCondition(path string, root *RootAnalysis) bool {
	raw, err := json.Marshal(root)
	if err != nil {
		return false
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	result, err := jsonpath.Get(path, doc)
	if err != nil {
		return false
	}
	switch v := result.(type) {
	case nil:
		return false
	case bool:
		return v
	case []interface{}:
		return len(v) > 0
	default:
		return true
	}
}
