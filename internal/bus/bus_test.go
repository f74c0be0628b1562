package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("job.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicJobComplete, JobEvent{JobID: "j1", Status: "completed"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicJobComplete {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicJobComplete)
		}
		je, ok := event.Payload.(JobEvent)
		if !ok || je.JobID != "j1" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	agentSub := b.Subscribe("agent.")
	defer b.Unsubscribe(agentSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicAgentCreated, AgentEvent{WorkerID: "w1"})
	b.Publish(TopicJobProgress, JobProgressEvent{JobID: "j1", Percent: 50})

	select {
	case event := <-agentSub.Ch():
		if event.Topic != TopicAgentCreated {
			t.Fatalf("agent subscriber got %q", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent event")
	}
	select {
	case event := <-agentSub.Ch():
		t.Fatalf("agent subscriber should not see %q", event.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("all-topics subscriber missed an event")
		}
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(TopicJobError, JobEvent{JobID: "j1"})
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; publish never blocks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicJobProgress, JobProgressEvent{JobID: "j1", Percent: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("job.")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(TopicJobProgress, JobProgressEvent{JobID: "j", Percent: j})
			}
		}()
	}
	wg.Wait()
}
