package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/pkg/types"
)

// DueStandaloneReminders returns non-recurring standalone reminders with
// trigger_time <= now. The scheduler deletes them after firing.
func (s *Store) DueStandaloneReminders(ctx context.Context, now time.Time) ([]types.Reminder, error) {
	const q = `
		SELECT id, event_id, title, description, trigger_time, recurrence_rule,
		       exception_dates, target_agents, created_by
		FROM   reminders
		WHERE  event_id = 0 AND recurrence_rule = '' AND trigger_time <= $1
		ORDER  BY trigger_time`
	rows, err := s.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("store: due standalone reminders: %w", err)
	}
	return collectReminders(rows)
}

// RecurringReminders returns every standalone reminder carrying a recurrence
// rule; the scheduler expands instances itself.
func (s *Store) RecurringReminders(ctx context.Context) ([]types.Reminder, error) {
	const q = `
		SELECT id, event_id, title, description, trigger_time, recurrence_rule,
		       exception_dates, target_agents, created_by
		FROM   reminders
		WHERE  event_id = 0 AND recurrence_rule <> ''`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: recurring reminders: %w", err)
	}
	return collectReminders(rows)
}

// DeleteReminder hard-deletes one reminder after it fired.
func (s *Store) DeleteReminder(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete reminder: %w", err)
	}
	return nil
}

// EventsWithAutoReminders returns calendar events that carry auto-reminder
// offsets, for virtual reminder synthesis.
func (s *Store) EventsWithAutoReminders(ctx context.Context) ([]types.CalendarEvent, error) {
	const q = `
		SELECT id, title, start_time, end_time, recurrence_rule,
		       exception_dates, auto_reminders, target_agents
		FROM   calendar_events
		WHERE  cardinality(auto_reminders) > 0`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: events with auto reminders: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CalendarEvent, error) {
		var e types.CalendarEvent
		err := row.Scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.RecurrenceRule,
			&e.ExceptionDates, &e.AutoReminders, &e.TargetAgents)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan events: %w", err)
	}
	return events, nil
}

func collectReminders(rows pgx.Rows) ([]types.Reminder, error) {
	reminders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Reminder, error) {
		var r types.Reminder
		err := row.Scan(&r.ID, &r.EventID, &r.Title, &r.Description, &r.TriggerTime,
			&r.RecurrenceRule, &r.ExceptionDates, &r.TargetAgents, &r.CreatedBy)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan reminders: %w", err)
	}
	return reminders, nil
}
