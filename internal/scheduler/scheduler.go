// Package scheduler materializes due reminders on a fixed poll and emits
// them to agent queues and the UI.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/pkg/types"
)

const (
	defaultPollInterval = 30 * time.Second

	// maxInstances caps recurrence expansion per rule per poll.
	maxInstances = 100

	// eventHorizon is how far ahead recurring calendar events are expanded
	// when synthesizing auto-reminder instances.
	eventHorizon = 24 * time.Hour
)

// Store is the slice of the relational store the scheduler reads.
type Store interface {
	DueStandaloneReminders(ctx context.Context, now time.Time) ([]types.Reminder, error)
	RecurringReminders(ctx context.Context) ([]types.Reminder, error)
	DeleteReminder(ctx context.Context, id int64) error
	EventsWithAutoReminders(ctx context.Context) ([]types.CalendarEvent, error)
}

// Publisher is the slice of the broker the scheduler writes.
type Publisher interface {
	PublishToAgent(ctx context.Context, agentID string, n types.Notification) error
	PublishNotification(ctx context.Context, n types.Notification) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls three reminder sources every PollInterval: standalone
// non-recurring rows (fired then hard-deleted), standalone recurring rows
// (expanded each poll), and virtual reminders synthesized from calendar
// events with auto_reminders offsets.
type Scheduler struct {
	store        Store
	pub          Publisher
	poll         time.Duration
	defaultAgent string
	now          func() time.Time

	// fired dedupes instances across adjacent polls; keys are pruned once
	// they fall well outside the fire window.
	fired map[string]time.Time
}

// New builds a Scheduler from config.
func New(cfg config.SchedulerConfig, store Store, pub Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		pub:          pub,
		poll:         cfg.PollInterval,
		defaultAgent: cfg.DefaultAgent,
		now:          time.Now,
		fired:        make(map[string]time.Time),
	}
	if s.poll <= 0 {
		s.poll = defaultPollInterval
	}
	if s.defaultAgent == "" {
		s.defaultAgent = "primary_agent"
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full materialization pass. Source failures are logged and
// do not abort the other sources.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	if err := s.fireStandalone(ctx, now); err != nil {
		slog.Error("standalone reminder pass failed", "err", err)
	}
	if err := s.fireRecurring(ctx, now); err != nil {
		slog.Error("recurring reminder pass failed", "err", err)
	}
	if err := s.fireEventReminders(ctx, now); err != nil {
		slog.Error("event reminder pass failed", "err", err)
	}
	s.pruneFired(now)
}

// ─── sources ──────────────────────────────────────────────────────────────────

func (s *Scheduler) fireStandalone(ctx context.Context, now time.Time) error {
	due, err := s.store.DueStandaloneReminders(ctx, now)
	if err != nil {
		return err
	}
	for _, r := range due {
		s.emit(ctx, r.Title, r.Description, r.TriggerTime, r.TargetAgents)
		if err := s.store.DeleteReminder(ctx, r.ID); err != nil {
			slog.Error("fired reminder delete failed", "reminder_id", r.ID, "err", err)
		}
	}
	return nil
}

func (s *Scheduler) fireRecurring(ctx context.Context, now time.Time) error {
	reminders, err := s.store.RecurringReminders(ctx)
	if err != nil {
		return err
	}
	for _, r := range reminders {
		instances, err := expandRule(r.RecurrenceRule, r.TriggerTime, now.Add(-s.poll), now, r.ExceptionDates)
		if err != nil {
			slog.Error("recurrence rule rejected",
				"reminder_id", r.ID, "rule", r.RecurrenceRule, "err", err)
			continue
		}
		for _, inst := range instances {
			if !s.inWindow(now, inst) {
				continue
			}
			key := fmt.Sprintf("reminder:%d:%d", r.ID, inst.Unix())
			if s.alreadyFired(key, now) {
				continue
			}
			s.emit(ctx, r.Title, r.Description, inst, r.TargetAgents)
		}
	}
	return nil
}

func (s *Scheduler) fireEventReminders(ctx context.Context, now time.Time) error {
	events, err := s.store.EventsWithAutoReminders(ctx)
	if err != nil {
		return err
	}
	for _, e := range events {
		starts, err := eventOccurrences(e, now)
		if err != nil {
			slog.Error("event recurrence rule rejected",
				"event_id", e.ID, "rule", e.RecurrenceRule, "err", err)
			continue
		}
		for _, start := range starts {
			for _, minutes := range e.AutoReminders {
				at := start.Add(-time.Duration(minutes) * time.Minute)
				if !s.inWindow(now, at) {
					continue
				}
				key := fmt.Sprintf("event:%d:%d:%d", e.ID, minutes, start.Unix())
				if s.alreadyFired(key, now) {
					continue
				}
				title := fmt.Sprintf("%s in %d minutes", e.Title, minutes)
				s.emit(ctx, title, "", at, e.TargetAgents)
			}
		}
	}
	return nil
}

// eventOccurrences returns the event start times that fall inside the
// upcoming horizon, honoring exception dates.
func eventOccurrences(e types.CalendarEvent, now time.Time) ([]time.Time, error) {
	if e.RecurrenceRule == "" {
		if e.StartTime.Before(now.Add(-eventHorizon)) || e.StartTime.After(now.Add(eventHorizon)) {
			return nil, nil
		}
		return []time.Time{e.StartTime}, nil
	}
	return expandRule(e.RecurrenceRule, e.StartTime, now.Add(-eventHorizon), now.Add(eventHorizon), e.ExceptionDates)
}

// ─── emission ─────────────────────────────────────────────────────────────────

// emit publishes one reminder twice: a system_alert to each target agent's
// queue and a broadcast app_interaction so every connected UI updates.
func (s *Scheduler) emit(ctx context.Context, title, description string, at time.Time, targets []string) {
	if len(targets) == 0 {
		targets = []string{s.defaultAgent}
	}
	payload := map[string]any{
		"type":         "reminder",
		"title":        title,
		"description":  description,
		"trigger_time": at.UTC().Format(time.RFC3339),
	}
	for _, agent := range targets {
		n := types.NewNotification(types.NotifySystemAlert, "scheduler", "", payload)
		if err := s.pub.PublishToAgent(ctx, agent, n); err != nil {
			slog.Error("reminder publish failed", "agent_id", agent, "title", title, "err", err)
		}
	}

	ui := types.NewNotification(types.NotifyAppInteraction, "scheduler", "", map[string]any{
		"type":         "reminder_triggered",
		"title":        title,
		"description":  description,
		"trigger_time": at.UTC().Format(time.RFC3339),
	})
	if err := s.pub.PublishNotification(ctx, ui); err != nil {
		slog.Error("reminder ui publish failed", "title", title, "err", err)
	}
	slog.Info("reminder fired", "title", title, "trigger_time", at)
}

// ─── windowing ────────────────────────────────────────────────────────────────

// inWindow reports whether an instance fired within the last poll interval:
// (now - at) in [0, poll].
func (s *Scheduler) inWindow(now, at time.Time) bool {
	d := now.Sub(at)
	return d >= 0 && d <= s.poll
}

func (s *Scheduler) alreadyFired(key string, now time.Time) bool {
	if _, ok := s.fired[key]; ok {
		return true
	}
	s.fired[key] = now
	return false
}

func (s *Scheduler) pruneFired(now time.Time) {
	cutoff := now.Add(-3 * s.poll)
	for key, at := range s.fired {
		if at.Before(cutoff) {
			delete(s.fired, key)
		}
	}
}
