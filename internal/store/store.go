// Package store provides the PostgreSQL persistence layer shared by the
// Voxwire processes: calls with their participants, events and transcripts,
// pending notifications, conversation messages, reminders and calendar
// events, the phone whitelist, and the app registry.
//
// All methods are safe for concurrent use; a single [pgxpool.Pool] backs the
// whole store. [Migrate] applies the inline DDL idempotently at startup.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id             TEXT         PRIMARY KEY,
    session_id          TEXT         NOT NULL,
    initiated_by        TEXT         NOT NULL,
    initial_target      TEXT         NOT NULL,
    current_agent_id    TEXT         NOT NULL DEFAULT '',
    status              TEXT         NOT NULL,
    end_reason          TEXT         NOT NULL DEFAULT '',
    ended_by            TEXT         NOT NULL DEFAULT '',
    started_at          TIMESTAMPTZ  NOT NULL,
    ringing_at          TIMESTAMPTZ,
    connected_at        TIMESTAMPTZ,
    ended_at            TIMESTAMPTZ,
    metadata            JSONB        NOT NULL DEFAULT '{}',
    twilio_call_sid     TEXT         NOT NULL DEFAULT '',
    caller_phone_number TEXT         NOT NULL DEFAULT '',
    call_source         TEXT         NOT NULL DEFAULT 'web'
);

CREATE INDEX IF NOT EXISTS idx_calls_session_id ON calls (session_id);
CREATE INDEX IF NOT EXISTS idx_calls_status     ON calls (status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_one_active_per_session
    ON calls (session_id) WHERE status <> 'ended';
`

const ddlCallChildren = `
CREATE TABLE IF NOT EXISTS call_participants (
    id               BIGSERIAL    PRIMARY KEY,
    call_id          TEXT         NOT NULL REFERENCES calls (call_id),
    agent_id         TEXT         NOT NULL,
    role             TEXT         NOT NULL,
    joined_at        TIMESTAMPTZ  NOT NULL,
    left_at          TIMESTAMPTZ,
    transferred_from TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_call_participants_call_id
    ON call_participants (call_id);

CREATE TABLE IF NOT EXISTS call_events (
    id           BIGSERIAL    PRIMARY KEY,
    call_id      TEXT         NOT NULL REFERENCES calls (call_id),
    event_type   TEXT         NOT NULL,
    event_data   JSONB        NOT NULL DEFAULT '{}',
    triggered_by TEXT         NOT NULL DEFAULT '',
    ts           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_events_call_id ON call_events (call_id);

CREATE TABLE IF NOT EXISTS call_transcripts (
    id                BIGSERIAL    PRIMARY KEY,
    call_id           TEXT         NOT NULL REFERENCES calls (call_id),
    speaker_type      TEXT         NOT NULL,
    speaker_id        TEXT         NOT NULL DEFAULT '',
    content           TEXT         NOT NULL,
    audio_file_path   TEXT         NOT NULL DEFAULT '',
    audio_duration_ms INTEGER      NOT NULL DEFAULT 0,
    stt_confidence    REAL         NOT NULL DEFAULT 0,
    ts                TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_call_ts
    ON call_transcripts (call_id, ts);
`

const ddlPendingNotifications = `
CREATE TABLE IF NOT EXISTS pending_notifications (
    id                   BIGSERIAL    PRIMARY KEY,
    session_id           TEXT         NOT NULL,
    notification_id      TEXT         NOT NULL UNIQUE,
    notification_type    TEXT         NOT NULL,
    notification_payload JSONB        NOT NULL,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    delivered_at         TIMESTAMPTZ,
    delivery_attempts    INTEGER      NOT NULL DEFAULT 0,
    last_attempt_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pending_session_undelivered
    ON pending_notifications (session_id, created_at)
    WHERE delivered_at IS NULL;
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    sender     TEXT         NOT NULL,
    agent_id   TEXT         NOT NULL DEFAULT '',
    content    TEXT         NOT NULL,
    input_mode TEXT         NOT NULL DEFAULT 'text',
    ts         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_session_ts
    ON conversation_messages (session_id, ts);
`

const ddlScheduling = `
CREATE TABLE IF NOT EXISTS reminders (
    id              BIGSERIAL    PRIMARY KEY,
    event_id        BIGINT       NOT NULL DEFAULT 0,
    title           TEXT         NOT NULL,
    description     TEXT         NOT NULL DEFAULT '',
    trigger_time    TIMESTAMPTZ  NOT NULL,
    recurrence_rule TEXT         NOT NULL DEFAULT '',
    exception_dates TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
    target_agents   TEXT[]       NOT NULL DEFAULT '{}',
    created_by      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reminders_trigger_time ON reminders (trigger_time);

CREATE TABLE IF NOT EXISTS calendar_events (
    id              BIGSERIAL    PRIMARY KEY,
    title           TEXT         NOT NULL,
    start_time      TIMESTAMPTZ  NOT NULL,
    end_time        TIMESTAMPTZ  NOT NULL,
    recurrence_rule TEXT         NOT NULL DEFAULT '',
    exception_dates TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
    auto_reminders  INTEGER[]    NOT NULL DEFAULT '{}',
    target_agents   TEXT[]       NOT NULL DEFAULT '{}'
);
`

const ddlWhitelist = `
CREATE TABLE IF NOT EXISTS allowed_phone_numbers (
    phone_number TEXT         PRIMARY KEY,
    display_name TEXT         NOT NULL DEFAULT '',
    added_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlApps = `
CREATE TABLE IF NOT EXISTS registered_apps (
    app_id                TEXT         PRIMARY KEY,
    container_url         TEXT         NOT NULL,
    manifest              JSONB        NOT NULL DEFAULT '{}',
    status                TEXT         NOT NULL DEFAULT 'unknown',
    registered_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_health_check     TIMESTAMPTZ,
    health_check_failures INTEGER      NOT NULL DEFAULT 0
);
`

// Store is the shared persistence layer. Obtain one via [New].
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the inline DDL. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range []string{
		ddlCalls, ddlCallChildren, ddlPendingNotifications,
		ddlMessages, ddlScheduling, ddlWhitelist, ddlApps,
	} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
