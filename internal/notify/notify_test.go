package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDeduper_SuppressesWithinWindow(t *testing.T) {
	d := NewDeduper(5*time.Second, 16)
	now := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if !d.ShouldSend("user-1", "hello") {
		t.Fatal("first send should be allowed")
	}
	now = now.Add(2 * time.Second)
	if d.ShouldSend("user-1", "hello") {
		t.Fatal("duplicate within window should be suppressed")
	}
	now = now.Add(4 * time.Second)
	if !d.ShouldSend("user-1", "hello") {
		t.Fatal("send after window should be allowed again")
	}
}

func TestDeduper_DistinctRecipientsIndependent(t *testing.T) {
	d := NewDeduper(5*time.Second, 16)
	if !d.ShouldSend("user-1", "same text") {
		t.Fatal("first recipient")
	}
	if !d.ShouldSend("user-2", "same text") {
		t.Fatal("second recipient should not share the first's window")
	}
}

func TestDeduper_ForceBypassesWindow(t *testing.T) {
	d := NewDeduper(time.Hour, 16)
	if !d.ShouldSend("user-1", "terminal event") {
		t.Fatal("first send")
	}
	if !d.ShouldSendForce("user-1", "terminal event") {
		t.Fatal("forced send must bypass the window")
	}
}

func TestDeduper_BoundedEviction(t *testing.T) {
	d := NewDeduper(time.Hour, 3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		if !d.ShouldSend("u", msg) {
			t.Fatalf("send %q should be allowed", msg)
		}
	}
	if d.Len() != 3 {
		t.Fatalf("len = %d, want 3", d.Len())
	}
	// "a" was evicted, so it is sendable again despite the long window.
	if !d.ShouldSend("u", "a") {
		t.Fatal("evicted entry should be sendable again")
	}
}

func TestDeduper_Concurrent(t *testing.T) {
	d := NewDeduper(time.Second, 64)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.ShouldSend("u", "race message")
			}
		}()
	}
	wg.Wait()
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []string
	failWith error
}

func (f *fakeNotifier) Send(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestDispatcher(n Notifier) *Dispatcher {
	return NewDispatcher(n, NewDeduper(5*time.Second, 16), Options{
		Enabled:      true,
		Recipient:    "12345",
		DashboardURL: "http://localhost:4105",
	})
}

func TestDispatch_TaskCreated(t *testing.T) {
	fake := &fakeNotifier{}
	d := newTestDispatcher(fake)

	d.Dispatch(context.Background(), Event{
		Kind:        KindTaskCreated,
		TaskID:      "task-abcdef123456",
		UserMessage: "Build me a REST API for tasks",
	})

	msgs := fake.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "#123456") {
		t.Fatalf("message missing short id: %q", msgs[0])
	}
	if !strings.Contains(msgs[0], "http://localhost:4105") {
		t.Fatalf("message missing dashboard url: %q", msgs[0])
	}
}

func TestDispatch_TruncatesLongRequest(t *testing.T) {
	fake := &fakeNotifier{}
	d := newTestDispatcher(fake)

	d.Dispatch(context.Background(), Event{
		Kind:        KindTaskCreated,
		TaskID:      "t",
		UserMessage: strings.Repeat("x", 200),
	})

	msgs := fake.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], strings.Repeat("x", 80)+"...") {
		t.Fatalf("request not truncated at 80: %q", msgs[0])
	}
	if strings.Contains(msgs[0], strings.Repeat("x", 81)) {
		t.Fatalf("request longer than 80 chars survived: %q", msgs[0])
	}
}

func TestDispatch_DedupSuppressesRepeat(t *testing.T) {
	fake := &fakeNotifier{}
	d := newTestDispatcher(fake)

	event := Event{Kind: KindStageStarted, TaskID: "t", StageNumber: 1, TotalStages: 4, AgentName: "builder"}
	d.Dispatch(context.Background(), event)
	d.Dispatch(context.Background(), event)

	if got := len(fake.messages()); got != 1 {
		t.Fatalf("sent %d messages, want 1 (second suppressed)", got)
	}
}

func TestDispatch_ForceBypassesDedup(t *testing.T) {
	fake := &fakeNotifier{}
	d := newTestDispatcher(fake)

	event := Event{Kind: KindTaskCompleted, TaskID: "t", Force: true}
	d.Dispatch(context.Background(), event)
	d.Dispatch(context.Background(), event)

	if got := len(fake.messages()); got != 2 {
		t.Fatalf("sent %d messages, want 2 (forced)", got)
	}
}

func TestDispatch_SwallowsSendFailure(t *testing.T) {
	fake := &fakeNotifier{failWith: errors.New("provider down")}
	d := newTestDispatcher(fake)

	// Must not panic or propagate anything.
	d.Dispatch(context.Background(), Event{Kind: KindTaskFailed, TaskID: "t", ErrorMessage: "boom"})
}

func TestDispatch_DisabledIsNoop(t *testing.T) {
	fake := &fakeNotifier{}
	d := NewDispatcher(fake, NewDeduper(time.Second, 4), Options{Enabled: false, Recipient: "12345"})

	d.Dispatch(context.Background(), Event{Kind: KindTaskCreated, TaskID: "t"})
	if len(fake.messages()) != 0 {
		t.Fatal("disabled dispatcher must not send")
	}
}

func TestRender_StageCompletedTail(t *testing.T) {
	d := newTestDispatcher(&fakeNotifier{})

	mid := d.render(Event{Kind: KindStageCompleted, StageNumber: 2, TotalStages: 4, AgentName: "a", DurationSeconds: 45})
	if !strings.Contains(mid, "Moving on") {
		t.Fatalf("mid-stage message = %q", mid)
	}
	last := d.render(Event{Kind: KindStageCompleted, StageNumber: 4, TotalStages: 4, AgentName: "a", DurationSeconds: 45})
	if !strings.Contains(last, "Wrapping up") {
		t.Fatalf("final-stage message = %q", last)
	}
}
