package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventTaskStatus)

	bus.Publish(NewTypedEvent(SourceRegistry, TaskStatusPayload{TaskID: "task_1", Status: "running"}))
	bus.Publish(NewTypedEvent(SourceRegistry, TaskCreatedPayload{TaskID: "task_2"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskStatus {
		t.Errorf("expected task.status, got %s", received[0].Type)
	}
	if received[0].TaskID != "task_1" {
		t.Errorf("expected task_1, got %s", received[0].TaskID)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent(SourceRegistry, TaskStatusPayload{TaskID: "task_1", Status: "running"}))
	bus.Publish(NewTypedEvent(SourceHub, ServerNoticePayload{Notice: "hi"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

// Events for a task must reach every subscriber in publication order.
func TestBusOrderingPreserved(t *testing.T) {
	bus := NewBus(256)
	defer bus.Close()

	var mu sync.Mutex
	var got []string

	bus.Subscribe(func(e Event) {
		p, ok := GetTaskStatusPayload(e)
		if !ok {
			t.Errorf("extract payload from %s", e.Type)
			return
		}
		mu.Lock()
		got = append(got, p.Status)
		mu.Unlock()
	}, EventTaskStatus)

	statuses := make([]string, 50)
	for i := range statuses {
		statuses[i] = fmt.Sprintf("step-%02d", i)
	}
	for _, st := range statuses {
		bus.Publish(NewTypedEvent(SourceRegistry, TaskStatusPayload{TaskID: "task_ord", Status: st}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == len(statuses) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(statuses) {
		t.Fatalf("expected %d events, got %d", len(statuses), len(got))
	}
	for i, st := range statuses {
		if got[i] != st {
			t.Fatalf("order broken at %d: got %s, want %s", i, got[i], st)
		}
	}
}

func TestBusCloseDrains(t *testing.T) {
	bus := NewBus(64)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(NewTypedEvent(SourceRegistry, TaskStatusPayload{TaskID: "task_1", Status: "running"}))
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected 10 events delivered before close returned, got %d", count)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewTypedEvent(SourceRegistry, TaskStatusPayload{TaskID: fmt.Sprintf("task_%d", i), Status: "pending"}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].TaskID != "task_2" {
		t.Errorf("expected oldest retained task_2, got %s", events[0].TaskID)
	}
}

func TestSubscribeChan(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(8, EventTaskMessage)
	defer unsub()

	bus.Publish(NewTypedEvent(SourceRegistry, TaskMessagePayload{
		TaskID:  "task_1",
		Message: MessageBody{ID: "msg_1", Role: "assistant", Content: "hello"},
	}))

	select {
	case e := <-ch:
		if e.Type != EventTaskMessage {
			t.Errorf("expected task.message, got %s", e.Type)
		}
		p, ok := GetTaskMessagePayload(e)
		if !ok || p.Message.Content != "hello" {
			t.Errorf("payload round-trip failed: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
