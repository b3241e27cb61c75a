package recipe

import (
	"fmt"
	"strings"
	"testing"
)

// step builds one raw step mapping for validation tests.
func step(name string, idx int, deps ...string) map[string]any {
	s := map[string]any{
		"name":     name,
		"idx":      idx,
		"module":   "core",
		"function": "echo",
	}
	if len(deps) > 0 {
		list := make([]any, len(deps))
		for i, dep := range deps {
			list[i] = dep
		}
		s["depends_on"] = list
	}
	return s
}

func rawRecipe(steps ...map[string]any) map[string]any {
	seq := make([]any, len(steps))
	for i, s := range steps {
		seq[i] = s
	}
	return map[string]any{
		"name":  "test-recipe",
		"steps": seq,
	}
}

func findMessage(msgs []ValidationMessage, severity Severity, substr string) *ValidationMessage {
	for i := range msgs {
		if msgs[i].Severity == severity && strings.Contains(msgs[i].Message, substr) {
			return &msgs[i]
		}
	}
	return nil
}

func TestValidate_ValidRecipe(t *testing.T) {
	spec, msgs, err := Validate(rawRecipe(
		step("a", 1),
		step("b", 2, "a"),
		step("c", 3, "a", "b"),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !spec.IsValid() {
		t.Fatalf("Expected valid recipe, got messages: %v", msgs)
	}
	if spec.Metadata.Name != "test-recipe" {
		t.Errorf("Expected name test-recipe, got %q", spec.Metadata.Name)
	}
	if len(spec.Steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(spec.Steps))
	}
}

func TestValidate_NilInputIsFatal(t *testing.T) {
	_, _, err := Validate(nil)
	if err == nil {
		t.Fatal("Expected error for nil input")
	}
	if !IsMalformedInput(err) {
		t.Errorf("Expected malformed-input error, got: %v", err)
	}
}

func TestValidate_StepsNotASequenceIsFatal(t *testing.T) {
	_, _, err := Validate(map[string]any{
		"name":  "broken",
		"steps": "not a list",
	})
	if err == nil {
		t.Fatal("Expected error for non-sequence steps")
	}
	if !IsMalformedInput(err) {
		t.Errorf("Expected malformed-input error, got: %v", err)
	}
}

func TestValidate_MissingRecipeName(t *testing.T) {
	raw := rawRecipe(step("a", 1))
	delete(raw, "name")

	spec, msgs, err := Validate(raw)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if spec.IsValid() {
		t.Error("Expected invalid recipe")
	}
	if findMessage(msgs, SeverityError, `required field "name" is missing`) == nil {
		t.Errorf("Expected missing-name error, got: %v", msgs)
	}
}

func TestValidate_EmptyStepsIsWarning(t *testing.T) {
	spec, msgs, err := Validate(map[string]any{
		"name":  "empty",
		"steps": []any{},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !spec.IsValid() {
		t.Errorf("Empty recipe should be valid, got: %v", msgs)
	}
	if findMessage(msgs, SeverityWarning, "declares no steps") == nil {
		t.Errorf("Expected no-steps warning, got: %v", msgs)
	}
}

func TestValidate_MissingStepFields(t *testing.T) {
	_, msgs, err := Validate(rawRecipe(map[string]any{
		"name": "lonely",
		"idx":  1,
	}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg := findMessage(msgs, SeverityError, "no callable reference")
	if msg == nil {
		t.Fatalf("Expected missing-callable error, got: %v", msgs)
	}
	if msg.Location != "lonely" {
		t.Errorf("Expected location to use step name, got %q", msg.Location)
	}
}

func TestValidate_DuplicateStepNames(t *testing.T) {
	spec, msgs, err := Validate(rawRecipe(
		step("a", 1),
		step("a", 2),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if spec.IsValid() {
		t.Error("Expected invalid recipe")
	}
	if findMessage(msgs, SeverityError, `duplicate step name "a"`) == nil {
		t.Errorf("Expected duplicate-name error, got: %v", msgs)
	}
}

func TestValidate_DuplicateIdxListsAllHolders(t *testing.T) {
	_, msgs, err := Validate(rawRecipe(
		step("a", 1),
		step("b", 2),
		step("c", 1),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg := findMessage(msgs, SeverityError, "duplicate idx 1")
	if msg == nil {
		t.Fatalf("Expected duplicate-idx error, got: %v", msgs)
	}
	if !strings.Contains(msg.Message, "a, c") {
		t.Errorf("Expected both holders listed in order, got: %s", msg.Message)
	}
	if msg.Location != "recipe" {
		t.Errorf("Expected recipe-level location, got %q", msg.Location)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	spec, msgs, err := Validate(rawRecipe(
		step("a", 1, "ghost"),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if spec.IsValid() {
		t.Error("Expected invalid recipe")
	}
	if findMessage(msgs, SeverityError, `unknown step "ghost"`) == nil {
		t.Errorf("Expected unknown-dependency error, got: %v", msgs)
	}
}

func TestValidate_DirectCycle(t *testing.T) {
	_, msgs, err := Validate(rawRecipe(
		step("a", 1, "b"),
		step("b", 2, "a"),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg := findMessage(msgs, SeverityError, "dependency cycle detected")
	if msg == nil {
		t.Fatalf("Expected cycle error, got: %v", msgs)
	}
	if !strings.Contains(msg.Message, "a -> b -> a") {
		t.Errorf("Expected cycle path ending on its first member, got: %s", msg.Message)
	}
}

func TestValidate_SelfCycle(t *testing.T) {
	_, msgs, err := Validate(rawRecipe(
		step("a", 1, "a"),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg := findMessage(msgs, SeverityError, "dependency cycle detected")
	if msg == nil {
		t.Fatalf("Expected cycle error, got: %v", msgs)
	}
	if !strings.Contains(msg.Message, "a -> a") {
		t.Errorf("Expected self-cycle path, got: %s", msg.Message)
	}
}

func TestValidate_LongCycleIsDeterministic(t *testing.T) {
	build := func() map[string]any {
		return rawRecipe(
			step("a", 1, "c"),
			step("b", 2, "a"),
			step("c", 3, "b"),
		)
	}

	first, _, err := Validate(build())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	msg := findMessage(first.Messages, SeverityError, "dependency cycle detected")
	if msg == nil {
		t.Fatal("Expected cycle error")
	}

	// The same input must report the same cycle every time.
	for i := 0; i < 5; i++ {
		again, _, err := Validate(build())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		repeat := findMessage(again.Messages, SeverityError, "dependency cycle detected")
		if repeat == nil {
			t.Fatal("Expected cycle error on revalidation")
		}
		if repeat.Message != msg.Message {
			t.Fatalf("Cycle report not deterministic: %q vs %q", msg.Message, repeat.Message)
		}
	}
}

func TestValidate_AcyclicDiamondHasNoCycleError(t *testing.T) {
	_, msgs, err := Validate(rawRecipe(
		step("a", 1),
		step("b", 2, "a"),
		step("c", 3, "a"),
		step("d", 4, "b", "c"),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if msg := findMessage(msgs, SeverityError, "cycle"); msg != nil {
		t.Errorf("Diamond is acyclic, got: %s", msg.Message)
	}
}

func TestValidate_StepsSortedByIdx(t *testing.T) {
	spec, _, err := Validate(rawRecipe(
		step("third", 30),
		step("first", 10),
		step("second", 20),
	))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got := spec.StepNames()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestValidate_UnknownFieldIsInfo(t *testing.T) {
	s := step("a", 1)
	s["colour"] = "green"

	spec, msgs, err := Validate(rawRecipe(s))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !spec.IsValid() {
		t.Errorf("Unknown field must not invalidate the recipe, got: %v", msgs)
	}
	if findMessage(msgs, SeverityInfo, `unknown field "colour"`) == nil {
		t.Errorf("Expected info message for unknown field, got: %v", msgs)
	}
}

func TestValidate_RetryAndTimeoutParsing(t *testing.T) {
	s := step("a", 1)
	s["retry"] = map[string]any{
		"max_attempts":  3,
		"delay_seconds": 0.5,
	}
	s["timeout_seconds"] = 2

	spec, msgs, err := Validate(rawRecipe(s))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !spec.IsValid() {
		t.Fatalf("Expected valid recipe, got: %v", msgs)
	}
	got := spec.Steps[0]
	if got.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 max attempts, got %d", got.Retry.MaxAttempts)
	}
	if got.Retry.Delay.Milliseconds() != 500 {
		t.Errorf("Expected 500ms delay, got %s", got.Retry.Delay)
	}
	if got.Timeout.Seconds() != 2 {
		t.Errorf("Expected 2s timeout, got %s", got.Timeout)
	}
}

func TestValidate_InvalidRetryAttempts(t *testing.T) {
	s := step("a", 1)
	s["retry"] = map[string]any{"max_attempts": 0}

	spec, msgs, err := Validate(rawRecipe(s))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if spec.IsValid() {
		t.Error("Expected invalid recipe")
	}
	if findMessage(msgs, SeverityError, "max_attempts must be at least 1") == nil {
		t.Errorf("Expected retry error, got: %v", msgs)
	}
}

func TestValidateWithProbe_UnresolvableIsWarning(t *testing.T) {
	probe := func(module, function string) error {
		return fmt.Errorf("unknown module %q", module)
	}

	spec, msgs, err := ValidateWithProbe(rawRecipe(step("a", 1)), probe)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !spec.IsValid() {
		t.Errorf("Probe failures must stay warnings, got: %v", msgs)
	}
	if findMessage(msgs, SeverityWarning, "not resolvable") == nil {
		t.Errorf("Expected resolvability warning, got: %v", msgs)
	}
}

func TestValidate_JSONStyleNumbersAccepted(t *testing.T) {
	// Numbers decoded from JSON arrive as float64.
	spec, msgs, err := Validate(map[string]any{
		"name": "json-recipe",
		"steps": []any{
			map[string]any{
				"name":     "a",
				"idx":      float64(1),
				"module":   "core",
				"function": "echo",
			},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !spec.IsValid() {
		t.Fatalf("Expected valid recipe, got: %v", msgs)
	}
	if spec.Steps[0].Idx != 1 {
		t.Errorf("Expected idx 1, got %d", spec.Steps[0].Idx)
	}
}
