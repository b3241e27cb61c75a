package recipe

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResolveProbe is an optional best-effort check that a step's callable
// reference is resolvable at validation time. A non-nil return is
// reported as a warning, never an error, because resolution may
// legitimately be deferred to execution time.
type ResolveProbe func(module, function string) error

// Validate turns a raw parsed mapping into a RecipeSpec and the list of
// validation messages produced while checking it. All problems surface
// as messages; Validate fails with a malformed-input error only when the
// input is not a mapping at all or "steps" is not a sequence.
func Validate(raw map[string]any) (*RecipeSpec, []ValidationMessage, error) {
	return ValidateWithProbe(raw, nil)
}

// ValidateWithProbe runs Validate plus a best-effort callable resolution
// probe for every step that declares a callable reference.
func ValidateWithProbe(raw map[string]any, probe ResolveProbe) (*RecipeSpec, []ValidationMessage, error) {
	if raw == nil {
		return nil, nil, NewMalformedInputError("recipe input is not a mapping", nil)
	}

	v := &validation{raw: raw, probe: probe}
	if err := v.extractSteps(); err != nil {
		return nil, nil, err
	}

	// Checks run in order and never short-circuit each other: a missing
	// field does not suppress the graph checks, which work with whatever
	// partial structure exists.
	checks := []func(){
		v.checkRecipeFields,
		v.checkStepFields,
		v.checkStepNames,
		v.checkStepIndexes,
		v.checkDependencies,
		v.checkCycles,
		v.checkResolvable,
	}
	for _, check := range checks {
		check()
	}

	spec := v.buildSpec()
	return spec, spec.Messages, nil
}

// rawStep is the lenient, partially-typed view of one step entry. Fields
// that failed to parse keep their zero value; the corresponding error
// message has already been recorded.
type rawStep struct {
	pos      int
	fields   map[string]any
	name     string
	hasName  bool
	idx      int
	hasIdx   bool
	module   string
	function string
	args     map[string]any
	deps     []string
	retry    RetryPolicy
	timeout  time.Duration
}

// location returns the best available identifier for diagnostics.
func (s *rawStep) location() string {
	if s.hasName {
		return s.name
	}
	return fmt.Sprintf("steps[%d]", s.pos)
}

type validation struct {
	raw   map[string]any
	steps []*rawStep
	msgs  []ValidationMessage
	probe ResolveProbe
}

func (v *validation) errorf(location, format string, args ...any) {
	v.msgs = append(v.msgs, ValidationMessage{
		Severity: SeverityError,
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validation) warnf(location, format string, args ...any) {
	v.msgs = append(v.msgs, ValidationMessage{
		Severity: SeverityWarning,
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validation) infof(location, format string, args ...any) {
	v.msgs = append(v.msgs, ValidationMessage{
		Severity: SeverityInfo,
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	})
}

// knownStepFields are the recognized keys of a step entry. Anything else
// is reported as an informational message.
var knownStepFields = map[string]bool{
	"name": true, "idx": true, "module": true, "function": true,
	"args": true, "depends_on": true, "retry": true, "timeout_seconds": true,
}

// extractSteps parses the raw step sequence into lenient typed views.
// It is fatal only when "steps" exists but is not a sequence.
func (v *validation) extractSteps() error {
	rawSteps, present := v.raw["steps"]
	if !present || rawSteps == nil {
		return nil
	}

	seq, ok := rawSteps.([]any)
	if !ok {
		return NewMalformedInputError(
			fmt.Sprintf("steps must be a sequence, got %T", rawSteps), nil)
	}

	for i, entry := range seq {
		fields, ok := entry.(map[string]any)
		if !ok {
			v.errorf(fmt.Sprintf("steps[%d]", i), "step entry must be a mapping, got %T", entry)
			continue
		}
		v.steps = append(v.steps, v.parseStep(i, fields))
	}
	return nil
}

// parseStep coerces one step mapping, recording a message for every field
// that cannot be interpreted.
func (v *validation) parseStep(pos int, fields map[string]any) *rawStep {
	s := &rawStep{pos: pos, fields: fields}

	if raw, ok := fields["name"]; ok {
		if name, ok := asString(raw); ok && name != "" {
			s.name = name
			s.hasName = true
		} else {
			v.errorf(fmt.Sprintf("steps[%d]", pos), "name must be a non-empty string")
		}
	}

	loc := s.location()

	if raw, ok := fields["idx"]; ok {
		if idx, ok := asInt(raw); ok {
			s.idx = idx
			s.hasIdx = true
		} else {
			v.errorf(loc, "idx must be an integer, got %T", raw)
		}
	}

	if raw, ok := fields["module"]; ok {
		if m, ok := asString(raw); ok && m != "" {
			s.module = m
		} else {
			v.errorf(loc, "module must be a non-empty string")
		}
	}
	if raw, ok := fields["function"]; ok {
		if f, ok := asString(raw); ok && f != "" {
			s.function = f
		} else {
			v.errorf(loc, "function must be a non-empty string")
		}
	}

	if raw, ok := fields["args"]; ok && raw != nil {
		if args, ok := raw.(map[string]any); ok {
			s.args = args
		} else {
			v.errorf(loc, "args must be a mapping, got %T", raw)
		}
	}

	if raw, ok := fields["depends_on"]; ok && raw != nil {
		deps, ok := asStringSlice(raw)
		if !ok {
			v.errorf(loc, "depends_on must be a sequence of step names")
		} else {
			s.deps = deps
		}
	}

	if raw, ok := fields["retry"]; ok && raw != nil {
		v.parseRetry(s, loc, raw)
	}

	if raw, ok := fields["timeout_seconds"]; ok && raw != nil {
		if secs, ok := asFloat(raw); ok && secs >= 0 {
			s.timeout = time.Duration(secs * float64(time.Second))
		} else {
			v.errorf(loc, "timeout_seconds must be a non-negative number")
		}
	}

	for key := range fields {
		if !knownStepFields[key] {
			v.infof(loc, "unknown field %q ignored", key)
		}
	}

	return s
}

func (v *validation) parseRetry(s *rawStep, loc string, raw any) {
	fields, ok := raw.(map[string]any)
	if !ok {
		v.errorf(loc, "retry must be a mapping, got %T", raw)
		return
	}

	if rawAttempts, ok := fields["max_attempts"]; ok {
		attempts, ok := asInt(rawAttempts)
		switch {
		case !ok:
			v.errorf(loc, "retry.max_attempts must be an integer")
		case attempts < 1:
			v.errorf(loc, "retry.max_attempts must be at least 1, got %d", attempts)
		default:
			s.retry.MaxAttempts = attempts
		}
	}

	if rawDelay, ok := fields["delay_seconds"]; ok {
		secs, ok := asFloat(rawDelay)
		switch {
		case !ok:
			v.errorf(loc, "retry.delay_seconds must be a number")
		case secs < 0:
			v.errorf(loc, "retry.delay_seconds must not be negative, got %v", secs)
		default:
			s.retry.Delay = time.Duration(secs * float64(time.Second))
		}
	}
}

// checkRecipeFields verifies the required top-level fields.
func (v *validation) checkRecipeFields() {
	if raw, ok := v.raw["name"]; !ok {
		v.errorf("recipe", "required field \"name\" is missing")
	} else if name, ok := asString(raw); !ok || name == "" {
		v.errorf("recipe", "name must be a non-empty string")
	}

	if _, ok := v.raw["steps"]; !ok {
		v.errorf("recipe", "required field \"steps\" is missing")
	} else if len(v.steps) == 0 {
		v.warnf("recipe", "recipe declares no steps")
	}
}

// checkStepFields verifies each step's required fields.
func (v *validation) checkStepFields() {
	for _, s := range v.steps {
		if _, ok := s.fields["name"]; !ok {
			v.errorf(s.location(), "required field \"name\" is missing")
		}
		if _, ok := s.fields["idx"]; !ok {
			v.errorf(s.location(), "required field \"idx\" is missing")
		}
		_, hasModule := s.fields["module"]
		_, hasFunction := s.fields["function"]
		if !hasModule && !hasFunction {
			v.errorf(s.location(), "step has no callable reference (module and function are required)")
		} else if !hasModule {
			v.errorf(s.location(), "required field \"module\" is missing")
		} else if !hasFunction {
			v.errorf(s.location(), "required field \"function\" is missing")
		}
	}
}

// checkStepNames verifies step name uniqueness.
func (v *validation) checkStepNames() {
	seen := make(map[string][]int)
	order := make([]string, 0, len(v.steps))
	for _, s := range v.steps {
		if !s.hasName {
			continue
		}
		if _, dup := seen[s.name]; !dup {
			order = append(order, s.name)
		}
		seen[s.name] = append(seen[s.name], s.pos)
	}
	for _, name := range order {
		if len(seen[name]) > 1 {
			v.errorf(name, "duplicate step name %q used by %d steps", name, len(seen[name]))
		}
	}
}

// checkStepIndexes verifies idx uniqueness. A shared idx is an error,
// never a silent tie-break.
func (v *validation) checkStepIndexes() {
	byIdx := make(map[int][]string)
	order := make([]int, 0, len(v.steps))
	for _, s := range v.steps {
		if !s.hasIdx {
			continue
		}
		if _, dup := byIdx[s.idx]; !dup {
			order = append(order, s.idx)
		}
		byIdx[s.idx] = append(byIdx[s.idx], s.location())
	}
	for _, idx := range order {
		if names := byIdx[idx]; len(names) > 1 {
			v.errorf("recipe", "duplicate idx %d: %s", idx, strings.Join(names, ", "))
		}
	}
}

// checkDependencies verifies every depends_on entry names an existing step.
func (v *validation) checkDependencies() {
	names := make(map[string]bool)
	for _, s := range v.steps {
		if s.hasName {
			names[s.name] = true
		}
	}
	for _, s := range v.steps {
		for _, dep := range s.deps {
			if !names[dep] {
				v.errorf(s.location(), "depends_on references unknown step %q", dep)
			}
		}
	}
}

// checkCycles runs DFS-based cycle detection over the depends_on edges.
// Nodes are colored white (unvisited), gray (on the current path) and
// black (fully explored); an edge back to a gray node is a cycle.
func (v *validation) checkCycles() {
	names := make([]string, 0, len(v.steps))
	edges := make(map[string][]string)
	known := make(map[string]bool)
	for _, s := range v.steps {
		if !s.hasName || known[s.name] {
			continue
		}
		known[s.name] = true
		names = append(names, s.name)
	}
	for _, s := range v.steps {
		if !s.hasName {
			continue
		}
		for _, dep := range s.deps {
			if known[dep] {
				edges[s.name] = append(edges[s.name], dep)
			}
		}
	}

	if cycle := findCycle(names, edges); len(cycle) > 0 {
		v.errorf(cycle[0], "dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// findCycle returns the member names of the first cycle found, ending
// with a repeat of the first member, or nil if the graph is acyclic.
// Traversal order follows the names slice, so reports are deterministic.
func findCycle(names []string, edges map[string][]string) []string {
	color := make(map[string]int, len(names))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = colorGray
		path = append(path, name)
		for _, dep := range edges[name] {
			switch color[dep] {
			case colorGray:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case colorWhite:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = colorBlack
		return false
	}

	for _, name := range names {
		if color[name] == colorWhite && visit(name) {
			return cycle
		}
	}
	return nil
}

// checkResolvable runs the optional resolution probe. Failures are
// warnings: some deployments only bind callables at execution time.
func (v *validation) checkResolvable() {
	if v.probe == nil {
		return
	}
	for _, s := range v.steps {
		if s.module == "" || s.function == "" {
			continue
		}
		if err := v.probe(s.module, s.function); err != nil {
			v.warnf(s.location(), "callable %s.%s is not resolvable: %v", s.module, s.function, err)
		}
	}
}

// buildSpec assembles the final RecipeSpec from whatever parsed. Steps
// missing a name or idx are left out of the execution plan; the messages
// recording why are already present.
func (v *validation) buildSpec() *RecipeSpec {
	spec := &RecipeSpec{Messages: v.msgs}

	if name, ok := asString(v.raw["name"]); ok {
		spec.Metadata.Name = name
	}
	if version, ok := asString(v.raw["version"]); ok {
		spec.Metadata.Version = version
	}
	if desc, ok := asString(v.raw["description"]); ok {
		spec.Metadata.Description = desc
	}

	for _, s := range v.steps {
		if !s.hasName || !s.hasIdx {
			continue
		}
		spec.Steps = append(spec.Steps, StepSpec{
			Name:      s.name,
			Idx:       s.idx,
			Module:    s.module,
			Function:  s.function,
			Args:      s.args,
			DependsOn: s.deps,
			Retry:     s.retry,
			Timeout:   s.timeout,
		})
	}

	// idx is the sole ordering signal; the stable sort keeps declaration
	// order for steps whose duplicate idx was already reported.
	sort.SliceStable(spec.Steps, func(i, j int) bool {
		return spec.Steps[i].Idx < spec.Steps[j].Idx
	})

	return spec
}

// asString coerces a raw value to a string.
func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asInt coerces a raw value to an int. YAML decodes integers as int or
// int64; JSON decodes all numbers as float64, so whole floats are
// accepted too.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// asFloat coerces a raw numeric value to a float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asStringSlice coerces a raw value to a slice of strings.
func asStringSlice(v any) ([]string, bool) {
	switch seq := v.(type) {
	case []string:
		return seq, true
	case []any:
		out := make([]string, 0, len(seq))
		for _, item := range seq {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
