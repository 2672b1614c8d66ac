package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/pkg/types"
)

type fakeStore struct {
	mu         sync.Mutex
	standalone []types.Reminder
	recurring  []types.Reminder
	events     []types.CalendarEvent
	deleted    []int64
}

func (f *fakeStore) DueStandaloneReminders(_ context.Context, now time.Time) ([]types.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []types.Reminder
	for _, r := range f.standalone {
		if !r.TriggerTime.After(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

func (f *fakeStore) RecurringReminders(context.Context) ([]types.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Reminder(nil), f.recurring...), nil
}

func (f *fakeStore) DeleteReminder(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	for i, r := range f.standalone {
		if r.ID == id {
			f.standalone = append(f.standalone[:i], f.standalone[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) EventsWithAutoReminders(context.Context) ([]types.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.CalendarEvent(nil), f.events...), nil
}

type fakePub struct {
	mu    sync.Mutex
	agent []struct {
		agentID string
		n       types.Notification
	}
	fanout []types.Notification
}

func (f *fakePub) PublishToAgent(_ context.Context, agentID string, n types.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = append(f.agent, struct {
		agentID string
		n       types.Notification
	}{agentID, n})
	return nil
}

func (f *fakePub) PublishNotification(_ context.Context, n types.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fanout = append(f.fanout, n)
	return nil
}

func newTestScheduler(st *fakeStore, pub *fakePub, at time.Time) *Scheduler {
	cfg := config.SchedulerConfig{PollInterval: 30 * time.Second, DefaultAgent: "primary_agent"}
	return New(cfg, st, pub, WithClock(func() time.Time { return at }))
}

func TestStandaloneReminder_FiredAndDeleted(t *testing.T) {
	now := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{standalone: []types.Reminder{{
		ID:           7,
		Title:        "take medication",
		TriggerTime:  now.Add(-10 * time.Second),
		TargetAgents: []string{"care_agent"},
	}}}
	pub := &fakePub{}
	s := newTestScheduler(st, pub, now)

	s.Tick(context.Background())

	if len(pub.agent) != 1 {
		t.Fatalf("agent emissions = %d, want 1", len(pub.agent))
	}
	got := pub.agent[0]
	if got.agentID != "care_agent" {
		t.Errorf("agent = %s, want care_agent", got.agentID)
	}
	if got.n.NotificationType != types.NotifySystemAlert || got.n.Payload["title"] != "take medication" {
		t.Errorf("notification = %+v", got.n)
	}
	if len(pub.fanout) != 1 || pub.fanout[0].NotificationType != types.NotifyAppInteraction {
		t.Fatalf("fanout = %+v", pub.fanout)
	}
	if pub.fanout[0].Payload["type"] != "reminder_triggered" {
		t.Errorf("ui payload = %v", pub.fanout[0].Payload)
	}
	if len(st.deleted) != 1 || st.deleted[0] != 7 {
		t.Errorf("deleted = %v, want [7]", st.deleted)
	}
}

func TestStandaloneReminder_FutureNotFired(t *testing.T) {
	now := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{standalone: []types.Reminder{{
		ID:          8,
		Title:       "later",
		TriggerTime: now.Add(time.Minute),
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 0 || len(st.deleted) != 0 {
		t.Errorf("future reminder fired: agent=%v deleted=%v", pub.agent, st.deleted)
	}
}

func TestStandaloneReminder_DefaultAgent(t *testing.T) {
	now := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{standalone: []types.Reminder{{
		ID:          9,
		Title:       "untargeted",
		TriggerTime: now,
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 1 || pub.agent[0].agentID != "primary_agent" {
		t.Errorf("agent emissions = %+v, want primary_agent", pub.agent)
	}
}

// A daily rule created yesterday fires today's instance when the poll lands
// inside the 30 s window, and the row survives.
func TestRecurringReminder_WindowFire(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 2, 9, 0, 15, 0, time.UTC)
	st := &fakeStore{recurring: []types.Reminder{{
		ID:             3,
		Title:          "daily standup",
		TriggerTime:    start,
		RecurrenceRule: "FREQ=DAILY;COUNT=3",
		TargetAgents:   []string{"primary_agent", "care_agent"},
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 2 {
		t.Fatalf("agent emissions = %d, want 2 (one per target)", len(pub.agent))
	}
	if len(pub.fanout) != 1 {
		t.Fatalf("ui emissions = %d, want 1", len(pub.fanout))
	}
	if len(st.deleted) != 0 {
		t.Errorf("recurring reminder deleted: %v", st.deleted)
	}
	want := now.Add(-15 * time.Second).Format(time.RFC3339)
	if got := pub.agent[0].n.Payload["trigger_time"]; got != want {
		t.Errorf("trigger_time = %v, want %v", got, want)
	}
}

// A long-lived daily reminder must keep firing even once its history far
// exceeds the per-poll instance cap.
func TestRecurringReminder_DeepHistoryStillFires(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	now := start.AddDate(0, 0, 200).Add(15 * time.Second)
	st := &fakeStore{recurring: []types.Reminder{{
		ID:             7,
		Title:          "take medication",
		TriggerTime:    start,
		RecurrenceRule: "FREQ=DAILY",
		TargetAgents:   []string{"care_agent"},
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 1 {
		t.Fatalf("agent emissions = %d, want 1: a 200-day-old daily rule must still fire", len(pub.agent))
	}
	want := now.Add(-15 * time.Second).Format(time.RFC3339)
	if got := pub.agent[0].n.Payload["trigger_time"]; got != want {
		t.Errorf("trigger_time = %v, want %v", got, want)
	}
}

func TestRecurringReminder_OutsideWindowSilent(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	// 45 s past the instance: outside the 30 s window.
	now := time.Date(2025, 1, 2, 9, 0, 45, 0, time.UTC)
	st := &fakeStore{recurring: []types.Reminder{{
		ID:             3,
		Title:          "daily standup",
		TriggerTime:    start,
		RecurrenceRule: "FREQ=DAILY;COUNT=3",
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 0 {
		t.Errorf("instance outside window fired: %+v", pub.agent)
	}
}

func TestRecurringReminder_ExceptionDateSkipped(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 2, 9, 0, 15, 0, time.UTC)
	st := &fakeStore{recurring: []types.Reminder{{
		ID:             3,
		Title:          "daily standup",
		TriggerTime:    start,
		RecurrenceRule: "FREQ=DAILY;COUNT=3",
		ExceptionDates: []time.Time{time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)},
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 0 {
		t.Errorf("excepted instance fired: %+v", pub.agent)
	}
}

func TestRecurringReminder_DedupedAcrossTicks(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{recurring: []types.Reminder{{
		ID:             3,
		Title:          "daily standup",
		TriggerTime:    start,
		RecurrenceRule: "FREQ=DAILY;COUNT=3",
	}}}
	pub := &fakePub{}
	now := time.Date(2025, 1, 2, 9, 0, 5, 0, time.UTC)
	s := newTestScheduler(st, pub, now)

	s.Tick(context.Background())
	// A second poll still inside the window must not re-fire the instance.
	s.now = func() time.Time { return now.Add(20 * time.Second) }
	s.Tick(context.Background())

	if len(pub.agent) != 1 {
		t.Errorf("agent emissions = %d, want 1 across overlapping polls", len(pub.agent))
	}
}

func TestRecurringReminder_BadRuleLogged(t *testing.T) {
	now := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{recurring: []types.Reminder{{
		ID:             4,
		Title:          "broken",
		TriggerTime:    now,
		RecurrenceRule: "FREQ=SOMETIMES",
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 0 {
		t.Errorf("broken rule fired: %+v", pub.agent)
	}
}

func TestEventAutoReminder(t *testing.T) {
	now := time.Date(2025, 1, 2, 9, 0, 10, 0, time.UTC)
	st := &fakeStore{events: []types.CalendarEvent{{
		ID:            11,
		Title:         "doctor appointment",
		StartTime:     now.Add(15*time.Minute - 10*time.Second), // reminder_time 10 s ago
		AutoReminders: []int{15},
		TargetAgents:  []string{"care_agent"},
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 1 {
		t.Fatalf("agent emissions = %d, want 1", len(pub.agent))
	}
	if got := pub.agent[0].n.Payload["title"]; got != "doctor appointment in 15 minutes" {
		t.Errorf("title = %v", got)
	}
}

func TestEventAutoReminder_RecurringWithin24h(t *testing.T) {
	// Daily 10:00 event created a week ago; at 09:45:05 the 15-minute
	// reminder for today's instance is 5 s old.
	start := time.Date(2024, 12, 26, 10, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 2, 9, 45, 5, 0, time.UTC)
	st := &fakeStore{events: []types.CalendarEvent{{
		ID:             12,
		Title:          "walk",
		StartTime:      start,
		RecurrenceRule: "FREQ=DAILY",
		AutoReminders:  []int{15},
	}}}
	pub := &fakePub{}
	newTestScheduler(st, pub, now).Tick(context.Background())

	if len(pub.agent) != 1 {
		t.Fatalf("agent emissions = %d, want 1", len(pub.agent))
	}
	if got := pub.agent[0].n.Payload["title"]; got != "walk in 15 minutes" {
		t.Errorf("title = %v", got)
	}
}

func TestExpandRule_CapsInstances(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := expandRule("FREQ=DAILY", start, start, start.AddDate(10, 0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != maxInstances {
		t.Errorf("expansion = %d instances, want cap %d", len(out), maxInstances)
	}
}

func TestExpandRule_RespectsUntilAndCount(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	out, err := expandRule("FREQ=DAILY;COUNT=3", start, start, start.AddDate(0, 1, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("instances = %d, want 3", len(out))
	}
	if !out[2].Equal(start.AddDate(0, 0, 2)) {
		t.Errorf("last instance = %v", out[2])
	}
}

// A rule with far more history than the instance cap must still reach the
// current window: the cap applies inside [from, until], not from DTSTART.
func TestExpandRule_DeepHistoryReachesWindow(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	from := start.AddDate(0, 0, 200)
	out, err := expandRule("FREQ=DAILY", start, from, from.Add(time.Hour), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("instances = %d, want 1", len(out))
	}
	if !out[0].Equal(from) {
		t.Errorf("instance = %v, want %v", out[0], from)
	}
}
