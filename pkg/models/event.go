package models

import (
	"fmt"
	"path"
	"strings"
)

// Trigger event names understood by the loader and the webhook receiver.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventManual      = "manual"
)

// TriggerEvent describes what caused a run. It doubles as the webhook
// payload body accepted by the serve endpoint.
type TriggerEvent struct {
	Event string `json:"event" yaml:"event"`
	Ref   string `json:"ref" yaml:"ref"`
	SHA   string `json:"sha,omitempty" yaml:"sha,omitempty"`
	Repo  string `json:"repo,omitempty" yaml:"repo,omitempty"`
}

func (ev TriggerEvent) String() string {
	if ev.Ref == "" {
		return ev.Event
	}
	return ev.Event + " " + ev.Ref
}

// Triggers is the "on" block of a pipeline: which events start a run and,
// per event, which refs qualify.
type Triggers struct {
	Push        *TriggerFilter `yaml:"push,omitempty"`
	PullRequest *TriggerFilter `yaml:"pull_request,omitempty"`
	Manual      *TriggerFilter `yaml:"manual,omitempty"`
}

// TriggerFilter narrows one event kind to a set of ref patterns. An empty
// filter accepts any ref.
type TriggerFilter struct {
	Refs []string `yaml:"refs,omitempty"`
}

// Empty reports whether no trigger at all is declared.
func (t Triggers) Empty() bool {
	return t.Push == nil && t.PullRequest == nil && t.Manual == nil
}

// Matches reports whether the event should start a run of this pipeline.
// Unknown event names never match.
func (t Triggers) Matches(ev TriggerEvent) bool {
	var f *TriggerFilter
	switch ev.Event {
	case EventPush:
		f = t.Push
	case EventPullRequest:
		f = t.PullRequest
	case EventManual:
		f = t.Manual
	default:
		return false
	}
	if f == nil {
		return false
	}
	return f.matchRef(ev.Ref)
}

func (f *TriggerFilter) matchRef(ref string) bool {
	if len(f.Refs) == 0 {
		return true
	}
	for _, pat := range f.Refs {
		if matchRef(pat, ref) {
			return true
		}
	}
	return false
}

// matchRef supports literal refs, "*" for any ref, a trailing "/**" that
// matches any suffix so "refs/heads/release/**" covers every release
// branch, and single-segment globs like "refs/tags/*".
func matchRef(pattern, ref string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return ref == prefix || strings.HasPrefix(ref, prefix+"/")
	}
	if strings.Contains(pattern, "*") {
		ok, err := path.Match(pattern, ref)
		return err == nil && ok
	}
	return pattern == ref
}

// ValidateEvent rejects event names the engine does not know.
func ValidateEvent(name string) error {
	switch name {
	case EventPush, EventPullRequest, EventManual:
		return nil
	}
	return fmt.Errorf("unknown event %q, want one of %s, %s, %s", name, EventPush, EventPullRequest, EventManual)
}
