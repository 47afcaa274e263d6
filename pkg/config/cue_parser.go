package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/domainkernel/domainkernel/pkg/rollout"
)

// PlanExtensions are the file extensions LoadPlanDir picks up.
var PlanExtensions = []string{".cue", ".json"}

// PlanLoader reads rollout plan documents. JSON is a subset of CUE, so
// both formats go through the CUE evaluator; CUE files may use
// definitions, references and defaults as long as the result is concrete.
type PlanLoader struct {
	ctx *cue.Context
}

// NewPlanLoader creates a new plan loader.
func NewPlanLoader() *PlanLoader {
	return &PlanLoader{ctx: cuecontext.New()}
}

// LoadPlan reads the plan document at path.
func (pl *PlanLoader) LoadPlan(path string) (*rollout.Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return pl.ParsePlan(path, content)
}

// ParsePlan evaluates content and validates the resulting document. The
// filename is used in error positions only.
func (pl *PlanLoader) ParsePlan(filename string, content []byte) (*rollout.Plan, error) {
	doc, err := pl.Document(filename, content)
	if err != nil {
		return nil, err
	}
	return rollout.Parse(doc)
}

// Document evaluates content to a generic plan document without running
// the structural validator.
func (pl *PlanLoader) Document(filename string, content []byte) (map[string]interface{}, error) {
	val := pl.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc map[string]interface{}
	if err := val.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: plan is not an object: %w", filename, err)
	}
	return doc, nil
}

// LoadPlanDir loads every plan document in dir, keyed by file name without
// extension.
func (pl *PlanLoader) LoadPlanDir(dir string) (map[string]*rollout.Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isPlanFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	plans := make(map[string]*rollout.Plan, len(names))
	for _, file := range names {
		name := strings.TrimSuffix(file, filepath.Ext(file))
		if _, ok := plans[name]; ok {
			return nil, fmt.Errorf("plan %q is defined by more than one file in %s", name, dir)
		}
		plan, err := pl.LoadPlan(filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", name, err)
		}
		plans[name] = plan
	}
	return plans, nil
}

func isPlanFile(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range PlanExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// PlanErrors lists every problem CUE found in a document.
type PlanErrors []ValidationError

func (e PlanErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// convertCUEErrors converts CUE errors to positioned validation errors.
func convertCUEErrors(err error) PlanErrors {
	var out PlanErrors
	for _, e := range errors.Errors(err) {
		v := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		out = append(out, v)
	}
	return out
}
