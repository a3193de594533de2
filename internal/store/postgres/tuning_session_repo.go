package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

type TuningSessionRepo struct {
	db *DB
}

func NewTuningSessionRepo(db *DB) *TuningSessionRepo {
	return &TuningSessionRepo{db: db}
}

const sessionColumns = `
	id, loop_id, status, started_at, ended_at, params,
	ultimate_period, ultimate_amplitude, critical_gain,
	computed_kp, computed_ki, computed_kd,
	original_kp, original_ki, original_kd,
	confidence, cycles, applied, notes`

func (r *TuningSessionRepo) Create(ctx context.Context, s *model.TuningSession) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO tuning_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, args...); err != nil {
		return fmt.Errorf("insert tuning session %s: %w", s.ID, err)
	}
	return nil
}

func (r *TuningSessionRepo) Update(ctx context.Context, s *model.TuningSession) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tuning_sessions SET
			loop_id = $2, status = $3, started_at = $4, ended_at = $5, params = $6,
			ultimate_period = $7, ultimate_amplitude = $8, critical_gain = $9,
			computed_kp = $10, computed_ki = $11, computed_kd = $12,
			original_kp = $13, original_ki = $14, original_kd = $15,
			confidence = $16, cycles = $17, applied = $18, notes = $19
		WHERE id = $1
	`, args...)
	if err != nil {
		return fmt.Errorf("update tuning session %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tuning session %s: %w", s.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update tuning session %s: not found", s.ID)
	}
	return nil
}

func sessionArgs(s *model.TuningSession) ([]any, error) {
	params, err := json.Marshal(s.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal tuning params: %w", err)
	}
	var endedAt sql.NullTime
	if s.EndedAt != nil {
		endedAt = sql.NullTime{Time: *s.EndedAt, Valid: true}
	}
	var kp, ki, kd sql.NullFloat64
	if g := s.ComputedGains; g != nil {
		kp = sql.NullFloat64{Float64: g.Kp, Valid: true}
		ki = sql.NullFloat64{Float64: g.Ki, Valid: true}
		kd = sql.NullFloat64{Float64: g.Kd, Valid: true}
	}
	return []any{
		s.ID, s.LoopID, string(s.Status), s.StartedAt, endedAt, params,
		s.UltimatePeriod, s.UltimateAmplitude, s.CriticalGain,
		kp, ki, kd,
		s.OriginalGains.Kp, s.OriginalGains.Ki, s.OriginalGains.Kd,
		s.Confidence, s.Cycles, s.Applied, s.Notes,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.TuningSession, error) {
	var (
		s          model.TuningSession
		status     string
		endedAt    sql.NullTime
		params     []byte
		kp, ki, kd sql.NullFloat64
	)
	if err := row.Scan(
		&s.ID, &s.LoopID, &status, &s.StartedAt, &endedAt, &params,
		&s.UltimatePeriod, &s.UltimateAmplitude, &s.CriticalGain,
		&kp, &ki, &kd,
		&s.OriginalGains.Kp, &s.OriginalGains.Ki, &s.OriginalGains.Kd,
		&s.Confidence, &s.Cycles, &s.Applied, &s.Notes,
	); err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Params); err != nil {
			return nil, fmt.Errorf("unmarshal tuning params: %w", err)
		}
	}
	if kp.Valid {
		s.ComputedGains = &model.Gains{Kp: kp.Float64, Ki: ki.Float64, Kd: kd.Float64}
	}
	return &s, nil
}

func (r *TuningSessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.TuningSession, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tuning_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tuning session %s: %w", id, err)
	}
	return s, nil
}

func (r *TuningSessionRepo) ListByLoop(ctx context.Context, loopID int64, limit int) ([]model.TuningSession, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	// LIMIT NULL means no limit.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM tuning_sessions
		WHERE loop_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, loopID, lim)
	if err != nil {
		return nil, fmt.Errorf("list tuning sessions of loop %d: %w", loopID, err)
	}
	defer rows.Close()

	sessions := make([]model.TuningSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tuning session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tuning session rows: %w", err)
	}
	return sessions, nil
}

// FailInterrupted marks every RUNNING session FAILED. It runs once at
// startup, before any new session can be created.
func (r *TuningSessionRepo) FailInterrupted(ctx context.Context, note string, at time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tuning_sessions
		SET status = 'FAILED', ended_at = $1, notes = $2
		WHERE status = 'RUNNING'
	`, at, note)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tuning sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tuning sessions: %w", err)
	}
	return n, nil
}

var _ store.TuningSessionRepository = (*TuningSessionRepo)(nil)
