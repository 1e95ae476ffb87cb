package models

import "testing"

func TestTriggersMatches(t *testing.T) {
	triggers := Triggers{
		Push:        &TriggerFilter{Refs: []string{"refs/heads/main", "refs/heads/release/**"}},
		PullRequest: &TriggerFilter{},
	}

	tests := []struct {
		Name  string
		Event TriggerEvent
		Want  bool
	}{
		{
			Name:  "push to main",
			Event: TriggerEvent{Event: EventPush, Ref: "refs/heads/main"},
			Want:  true,
		},
		{
			Name:  "push to release branch",
			Event: TriggerEvent{Event: EventPush, Ref: "refs/heads/release/1.2"},
			Want:  true,
		},
		{
			Name:  "push to unrelated branch",
			Event: TriggerEvent{Event: EventPush, Ref: "refs/heads/feature/x"},
			Want:  false,
		},
		{
			Name:  "release prefix must end at a separator",
			Event: TriggerEvent{Event: EventPush, Ref: "refs/heads/released"},
			Want:  false,
		},
		{
			Name:  "empty filter accepts any ref",
			Event: TriggerEvent{Event: EventPullRequest, Ref: "refs/pull/42/head"},
			Want:  true,
		},
		{
			Name:  "undeclared event does not match",
			Event: TriggerEvent{Event: EventManual, Ref: "refs/heads/main"},
			Want:  false,
		},
		{
			Name:  "unknown event does not match",
			Event: TriggerEvent{Event: "deployment", Ref: "refs/heads/main"},
			Want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			if got := triggers.Matches(tt.Event); got != tt.Want {
				t.Errorf("expected %v, got %v", tt.Want, got)
			}
		})
	}
}

func TestTriggersEmpty(t *testing.T) {
	if !(Triggers{}).Empty() {
		t.Error("expected zero triggers to be empty")
	}
	withPush := Triggers{Push: &TriggerFilter{}}
	if withPush.Empty() {
		t.Error("expected declared push trigger to not be empty")
	}
}

func TestValidateEvent(t *testing.T) {
	if err := ValidateEvent(EventPush); err != nil {
		t.Error(err)
	}
	if err := ValidateEvent("deployment"); err == nil {
		t.Error("expected an error for an unknown event name")
	}
}

func TestMatchRefWildcard(t *testing.T) {
	if !matchRef("*", "refs/heads/anything") {
		t.Error("expected * to match any ref")
	}
	if !matchRef("refs/heads/release/**", "refs/heads/release") {
		t.Error("expected the prefix itself to match")
	}
	if !matchRef("refs/tags/*", "refs/tags/v1.2.0") {
		t.Error("expected a tag glob to match a tag")
	}
	if matchRef("refs/tags/*", "refs/heads/main") {
		t.Error("expected a tag glob to reject branches")
	}
	if matchRef("refs/tags/*", "refs/tags/v1/rc") {
		t.Error("expected a single-segment glob to stop at separators")
	}
}
