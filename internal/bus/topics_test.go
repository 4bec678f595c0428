package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_PrefixGroups(t *testing.T) {
	for _, topic := range []string{TopicTaskQueued, TopicTaskRunning, TopicTaskSucceeded, TopicTaskFailed} {
		if !strings.HasPrefix(topic, "task.") {
			t.Fatalf("task topic %q must share the task. prefix", topic)
		}
	}
	for _, topic := range []string{TopicApprovalRequested, TopicApprovalResolved, TopicApprovalExpired} {
		if !strings.HasPrefix(topic, "approval.") {
			t.Fatalf("approval topic %q must share the approval. prefix", topic)
		}
	}
}

func TestTopics_ApprovalSubscriberSeesResolution(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskQueued, TaskEvent{TaskID: 1})
	b.Publish(TopicApprovalResolved, ApprovalEvent{ApprovalID: "appr_1", Status: "approved", Decision: "always"})

	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(ApprovalEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Payload)
		}
		if got.ApprovalID != "appr_1" || got.Decision != "always" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for approval event")
	}
}
