package event_test

import (
	"testing"
	"time"

	"github.com/imlsys/imlcore/internal/domain/event"
)

func TestTopicMatches_SingleSegmentWildcard(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"plan.*.started", "plan.p1.started", true},
		{"plan.*.started", "plan.p1.p2.started", false},
		{"plan.#", "plan.p1.action.a1.completed", true},
		{"plan.#", "plan", true},
		{"trigger.*", "trigger.fired", true},
		{"trigger.*", "trigger.fired.extra", false},
	}
	for _, c := range cases {
		if got := event.TopicMatches(c.pattern, c.topic); got != c.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestTopicMatches_SlashNormalisation(t *testing.T) {
	if !event.TopicMatches("plan/*/started", "plan.p1.started") {
		t.Fatal("expected slash-delimited pattern to match dot-delimited topic")
	}
}

func TestSpawnChild_CausalLink(t *testing.T) {
	now := time.Now()
	parent, err := event.New(now, event.TypePlanStarted, "plan.p1.started", "scheduler", map[string]string{"plan_id": "p1"}, event.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	child, err := parent.SpawnChild(now, event.TypeActionStateChanged, "plan.p1.action.a1.running", map[string]string{"action_id": "a1"}, event.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if child.CausedBy != parent.ID {
		t.Fatalf("expected child.CausedBy = %q, got %q", parent.ID, child.CausedBy)
	}
	if len(parent.Causes) != 1 || parent.Causes[0] != child.ID {
		t.Fatalf("expected parent.Causes to contain child id, got %v", parent.Causes)
	}
}
