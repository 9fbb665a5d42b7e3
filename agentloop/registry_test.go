package agentloop

import (
	"context"
	"encoding/json"
	"testing"
)

func nopExecutor(context.Context, json.RawMessage, ExecutionEnvironment, ProgressFunc) (string, error) {
	return "", nil
}

func TestRegistryRejectsIncompleteTools(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(Tool{Execute: nopExecutor}); err == nil {
		t.Error("tool without a name should be rejected")
	}
	if err := reg.Register(Tool{Name: "x"}); err == nil {
		t.Error("tool without an executor should be rejected")
	}
}

func TestRegistryValidatesAgainstSchema(t *testing.T) {
	reg := NewToolRegistry()
	err := reg.Register(Tool{
		Name: "typed",
		Parameters: objectSchema(map[string]interface{}{
			"count": intProp("a number"),
		}, "count"),
		Execute: nopExecutor,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.ValidateArguments("typed", json.RawMessage(`{"count":3}`)); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
	if err := reg.ValidateArguments("typed", json.RawMessage(`{"count":"three"}`)); err == nil {
		t.Error("wrong type should be rejected")
	}
	if err := reg.ValidateArguments("typed", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required property should be rejected")
	}
	if err := reg.ValidateArguments("ghost", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown tool should be rejected")
	}
}

func TestRegistryToolsWithoutSchemaAcceptAnything(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(Tool{Name: "loose", Execute: nopExecutor}); err != nil {
		t.Fatal(err)
	}
	if err := reg.ValidateArguments("loose", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Errorf("schemaless tool rejected arguments: %v", err)
	}
}

func TestRegistryCloneIsIndependent(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(Tool{Name: "a", Execute: nopExecutor})

	clone := reg.Clone()
	clone.Unregister("a")
	clone.MustRegister(Tool{Name: "b", Execute: nopExecutor})

	if _, ok := reg.Get("a"); !ok {
		t.Error("unregistering on the clone affected the original")
	}
	if _, ok := reg.Get("b"); ok {
		t.Error("registering on the clone affected the original")
	}
	if reg.Count() != 1 || clone.Count() != 1 {
		t.Errorf("counts = %d, %d", reg.Count(), clone.Count())
	}
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewToolRegistry()
	RegisterBuiltinTools(reg, 0, 0)

	defs := reg.Definitions()
	if len(defs) != reg.Count() {
		t.Fatalf("definitions = %d, registered = %d", len(defs), reg.Count())
	}
	byName := make(map[string]bool)
	for _, d := range defs {
		if d.Parameters == nil {
			t.Errorf("tool %s has no parameter schema", d.Name)
		}
		byName[d.Name] = true
	}
	for _, name := range []string{"read_file", "write_file", "edit_file", "shell", "grep", "glob"} {
		if !byName[name] {
			t.Errorf("builtin tool %s missing", name)
		}
	}

	// Safety classification: read-only builtins parallelize, mutating ones
	// serialize.
	for name, wantSafe := range map[string]bool{
		"read_file": true, "grep": true, "glob": true,
		"write_file": false, "edit_file": false, "shell": false,
	} {
		tool, ok := reg.Get(name)
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if tool.ConcurrencySafe != wantSafe {
			t.Errorf("%s ConcurrencySafe = %v, want %v", name, tool.ConcurrencySafe, wantSafe)
		}
	}
}
