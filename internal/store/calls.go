package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/pkg/types"
)

// ErrCallNotFound is returned when a call id has no row.
var ErrCallNotFound = errors.New("store: call not found")

// ErrActiveCallExists is returned by CreateCall when the session already has
// a non-ended call (enforced by a partial unique index).
var ErrActiveCallExists = errors.New("store: session already has an active call")

const callColumns = `call_id, session_id, initiated_by, initial_target, current_agent_id,
       status, end_reason, ended_by, started_at, ringing_at, connected_at, ended_at,
       metadata, twilio_call_sid, caller_phone_number, call_source`

// CreateCall inserts a new call row.
func (s *Store) CreateCall(ctx context.Context, c *types.Call) error {
	const q = `
		INSERT INTO calls
		    (` + callColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	meta := c.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, q,
		c.CallID, c.SessionID, c.InitiatedBy, c.InitialTarget, c.CurrentAgentID,
		string(c.Status), string(c.EndReason), c.EndedBy,
		c.StartedAt, nullTime(c.RingingAt), nullTime(c.ConnectedAt), nullTime(c.EndedAt),
		meta, c.TwilioCallSID, c.CallerPhoneNumber, string(c.CallSource),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveCallExists
		}
		return fmt.Errorf("store: create call: %w", err)
	}
	return nil
}

// UpdateCall persists the mutable fields of a call after a state transition.
func (s *Store) UpdateCall(ctx context.Context, c *types.Call) error {
	const q = `
		UPDATE calls
		SET    current_agent_id = $2, status = $3, end_reason = $4, ended_by = $5,
		       ringing_at = $6, connected_at = $7, ended_at = $8, metadata = $9,
		       twilio_call_sid = $10, caller_phone_number = $11, call_source = $12
		WHERE  call_id = $1`

	meta := c.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	tag, err := s.pool.Exec(ctx, q,
		c.CallID, c.CurrentAgentID, string(c.Status), string(c.EndReason), c.EndedBy,
		nullTime(c.RingingAt), nullTime(c.ConnectedAt), nullTime(c.EndedAt),
		meta, c.TwilioCallSID, c.CallerPhoneNumber, string(c.CallSource),
	)
	if err != nil {
		return fmt.Errorf("store: update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

// GetCall loads one call by id.
func (s *Store) GetCall(ctx context.Context, callID string) (*types.Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	row := s.pool.QueryRow(ctx, q, callID)
	c, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get call: %w", err)
	}
	return c, nil
}

// ActiveCalls returns all calls with a non-terminal status, for restore on
// startup and for the timeout monitor.
func (s *Store) ActiveCalls(ctx context.Context) ([]*types.Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE status <> 'ended' ORDER BY started_at`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: active calls: %w", err)
	}
	defer rows.Close()

	var calls []*types.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// AddParticipant opens a participant row for an agent joining a call.
func (s *Store) AddParticipant(ctx context.Context, p *types.CallParticipant) error {
	const q = `
		INSERT INTO call_participants (call_id, agent_id, role, joined_at, transferred_from)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, p.CallID, p.AgentID, string(p.Role), p.JoinedAt, p.TransferredFrom)
	if err != nil {
		return fmt.Errorf("store: add participant: %w", err)
	}
	return nil
}

// CloseParticipant stamps left_at on the open participant row of a call.
// A call has at most one open row at a time.
func (s *Store) CloseParticipant(ctx context.Context, callID string, leftAt time.Time) error {
	const q = `UPDATE call_participants SET left_at = $2 WHERE call_id = $1 AND left_at IS NULL`
	if _, err := s.pool.Exec(ctx, q, callID, leftAt); err != nil {
		return fmt.Errorf("store: close participant: %w", err)
	}
	return nil
}

// Participants returns all participant rows of a call in join order.
func (s *Store) Participants(ctx context.Context, callID string) ([]types.CallParticipant, error) {
	const q = `
		SELECT call_id, agent_id, role, joined_at, left_at, transferred_from
		FROM   call_participants
		WHERE  call_id = $1
		ORDER  BY joined_at`
	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: participants: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CallParticipant, error) {
		var (
			p      types.CallParticipant
			role   string
			leftAt *time.Time
		)
		if err := row.Scan(&p.CallID, &p.AgentID, &role, &p.JoinedAt, &leftAt, &p.TransferredFrom); err != nil {
			return types.CallParticipant{}, err
		}
		p.Role = types.ParticipantRole(role)
		if leftAt != nil {
			p.LeftAt = *leftAt
		}
		return p, nil
	})
}

// AddEvent appends an audit entry for a call. Events are never mutated.
func (s *Store) AddEvent(ctx context.Context, e *types.CallEvent) error {
	const q = `
		INSERT INTO call_events (call_id, event_type, event_data, triggered_by, ts)
		VALUES ($1, $2, $3, $4, $5)`
	data := e.EventData
	if data == nil {
		data = map[string]any{}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, e.CallID, e.EventType, data, e.TriggeredBy, ts); err != nil {
		return fmt.Errorf("store: add event: %w", err)
	}
	return nil
}

// AddTranscript appends one transcript line for a call.
func (s *Store) AddTranscript(ctx context.Context, t *types.CallTranscript) error {
	const q = `
		INSERT INTO call_transcripts
		    (call_id, speaker_type, speaker_id, content, audio_file_path, audio_duration_ms, stt_confidence, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, q,
		t.CallID, string(t.SpeakerType), t.SpeakerID, t.Content,
		t.AudioFilePath, t.AudioDurationMS, t.STTConfidence, ts,
	)
	if err != nil {
		return fmt.Errorf("store: add transcript: %w", err)
	}
	return nil
}

// Transcripts returns a call's transcript ordered by timestamp.
func (s *Store) Transcripts(ctx context.Context, callID string) ([]types.CallTranscript, error) {
	const q = `
		SELECT call_id, speaker_type, speaker_id, content, audio_file_path, audio_duration_ms, stt_confidence, ts
		FROM   call_transcripts
		WHERE  call_id = $1
		ORDER  BY ts`
	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: transcripts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CallTranscript, error) {
		var (
			t       types.CallTranscript
			speaker string
		)
		if err := row.Scan(&t.CallID, &speaker, &t.SpeakerID, &t.Content,
			&t.AudioFilePath, &t.AudioDurationMS, &t.STTConfidence, &t.Timestamp); err != nil {
			return types.CallTranscript{}, err
		}
		t.SpeakerType = types.SpeakerType(speaker)
		return t, nil
	})
}

// scanCall reads one call row. Works for both QueryRow and rows.Next.
func scanCall(row pgx.Row) (*types.Call, error) {
	var (
		c                         types.Call
		status, endReason, source string
		ringing, connected, ended *time.Time
	)
	if err := row.Scan(
		&c.CallID, &c.SessionID, &c.InitiatedBy, &c.InitialTarget, &c.CurrentAgentID,
		&status, &endReason, &c.EndedBy,
		&c.StartedAt, &ringing, &connected, &ended,
		&c.Metadata, &c.TwilioCallSID, &c.CallerPhoneNumber, &source,
	); err != nil {
		return nil, err
	}
	c.Status = types.CallStatus(status)
	c.EndReason = types.EndReason(endReason)
	c.CallSource = types.CallSource(source)
	if ringing != nil {
		c.RingingAt = *ringing
	}
	if connected != nil {
		c.ConnectedAt = *connected
	}
	if ended != nil {
		c.EndedAt = *ended
	}
	return &c, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
