package bus

import (
	"sync"
	"testing"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []string

	b.Subscribe("run:1", "a", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "a:"+e.Name)
	})
	b.Subscribe("run:1", "b", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "b:"+e.Name)
	})

	b.Publish("run:1", Event{Name: "delta"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("run:1", "a", func(Event) { calls++ })
	b.Unsubscribe("run:1", "a")
	b.Publish("run:1", Event{Name: "delta"})
	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", calls)
	}
}

func TestPublishIsolatesPanickingHandler(t *testing.T) {
	b := New()
	b.Subscribe("run:1", "panics", func(Event) { panic("boom") })
	delivered := false
	b.Subscribe("run:1", "ok", func(Event) { delivered = true })

	b.Publish("run:1", Event{Name: "delta"})

	if !delivered {
		t.Fatal("expected surviving subscriber to still receive the event")
	}
}

func TestUnsubscribeAllRemovesFromEveryTopic(t *testing.T) {
	b := New()
	b.Subscribe("run:1", "x", func(Event) {})
	b.Subscribe("session:s1", "x", func(Event) {})
	b.UnsubscribeAll("x")
	if b.SubscriberCount("run:1") != 0 || b.SubscriberCount("session:s1") != 0 {
		t.Fatal("expected subscriber removed from all topics")
	}
}

func TestTopicBuilders(t *testing.T) {
	if RunTopic("r1") != "run:r1" {
		t.Fatal("unexpected run topic")
	}
	if SessionTopic("agent:x:main") != "session:agent:x:main" {
		t.Fatal("unexpected session topic")
	}
	if ServiceLogsTopic("svc") != "service:svc:logs" {
		t.Fatal("unexpected service logs topic")
	}
}
