package models

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestAssignmentOrder(t *testing.T) {
	asg := Assignment{}
	asg.Set("python", "3.10")
	asg.Set("os", "linux")
	asg.Set("python", "3.11")

	keys := asg.Keys()
	if len(keys) != 2 || keys[0] != "python" || keys[1] != "os" {
		t.Errorf("expected first seen order [python os], got %v", keys)
	}
	if v, _ := asg.Get("python"); v != "3.11" {
		t.Errorf("expected overwrite to keep the latest value, got %s", v)
	}
	if asg.String() != "python=3.11 os=linux" {
		t.Errorf("unexpected string form %q", asg.String())
	}
}

func TestAssignmentCanonical(t *testing.T) {
	a := Assignment{}
	a.Set("os", "linux")
	a.Set("python", "3.10")

	b := Assignment{}
	b.Set("python", "3.10")
	b.Set("os", "linux")

	if a.Canonical() != b.Canonical() {
		t.Errorf("expected identical canonical forms, got %q and %q", a.Canonical(), b.Canonical())
	}
	if !a.Equal(b) {
		t.Error("expected assignments with the same pairs to be equal")
	}

	b.Set("arch", "arm64")
	if a.Equal(b) {
		t.Error("expected assignments with different pairs to differ")
	}
}

func TestAssignmentClone(t *testing.T) {
	a := Assignment{}
	a.Set("os", "linux")
	clone := a.Clone()
	clone.Set("os", "windows")
	if v, _ := a.Get("os"); v != "linux" {
		t.Errorf("expected clone to not alias the original, got %s", v)
	}
}

func TestAssignmentUnmarshalYAML(t *testing.T) {
	var asg Assignment
	if err := yaml.Unmarshal([]byte("python: 3.10\nos: linux\n"), &asg); err != nil {
		t.Fatal(err)
	}
	if v, _ := asg.Get("python"); v != "3.10" {
		t.Errorf("expected the source text 3.10 to be kept, got %s", v)
	}
	keys := asg.Keys()
	if len(keys) != 2 || keys[0] != "python" || keys[1] != "os" {
		t.Errorf("expected document order [python os], got %v", keys)
	}
}

func TestAssignmentUnmarshalRejectsNested(t *testing.T) {
	var asg Assignment
	err := yaml.Unmarshal([]byte("python:\n  - 3.10\n"), &asg)
	if err == nil {
		t.Error("expected an error for a non scalar value")
	}
}
