package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

type LoopRepo struct {
	db *DB
}

func NewLoopRepo(db *DB) *LoopRepo {
	return &LoopRepo{db: db}
}

const loopColumns = `
	id, name,
	input_ref, set_point_ref, output_ref,
	manual_value_ref, auto_switch_ref, reverse_flag_ref, digital_output_ref,
	kp, ki, kd,
	output_min, output_max, dead_zone, derivative_filter, max_slew_rate,
	hysteresis_high, hysteresis_low,
	cascade_level, parent_id,
	enabled, interval_ms, max_input_age_ms,
	version, updated_at`

// List returns every loop, enabled or not. Rows with unparseable references
// are returned with a zero reference so validation rejects them downstream
// instead of failing the whole load.
func (r *LoopRepo) List(ctx context.Context) ([]model.ControlLoop, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+loopColumns+` FROM control_loops ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list control loops: %w", err)
	}
	defer rows.Close()

	var loops []model.ControlLoop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan control loop: %w", err)
		}
		loops = append(loops, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read control loop rows: %w", err)
	}
	return loops, nil
}

func scanLoop(rows *sql.Rows) (model.ControlLoop, error) {
	var (
		l                            model.ControlLoop
		input, output                string
		setPoint, manual, autoSwitch sql.NullString
		reverse, digital             sql.NullString
		hystHigh, hystLow            sql.NullFloat64
		parentID                     sql.NullInt64
		intervalMS, maxAgeMS         int64
	)
	if err := rows.Scan(
		&l.ID, &l.Name,
		&input, &setPoint, &output,
		&manual, &autoSwitch, &reverse, &digital,
		&l.Gains.Kp, &l.Gains.Ki, &l.Gains.Kd,
		&l.OutputMin, &l.OutputMax, &l.DeadZone, &l.DerivativeFilter, &l.MaxSlewRate,
		&hystHigh, &hystLow,
		&l.CascadeLevel, &parentID,
		&l.Enabled, &intervalMS, &maxAgeMS,
		&l.Version, &l.UpdatedAt,
	); err != nil {
		return model.ControlLoop{}, err
	}

	l.Input, _ = model.ParseReference(input)
	l.Output, _ = model.ParseReference(output)
	l.SetPoint = optionalRef(setPoint)
	l.ManualValue = optionalRef(manual)
	l.AutoSwitch = optionalRef(autoSwitch)
	l.ReverseFlag = optionalRef(reverse)
	l.DigitalOutput = optionalRef(digital)
	if hystHigh.Valid {
		l.HysteresisHigh = &hystHigh.Float64
	}
	if hystLow.Valid {
		l.HysteresisLow = &hystLow.Float64
	}
	if parentID.Valid {
		l.ParentID = &parentID.Int64
	}
	l.Interval = time.Duration(intervalMS) * time.Millisecond
	l.MaxInputAge = time.Duration(maxAgeMS) * time.Millisecond
	return l, nil
}

// optionalRef keeps a malformed reference as an invalid non-nil value so the
// loop fails validation rather than silently losing the binding.
func optionalRef(s sql.NullString) *model.Reference {
	if !s.Valid || s.String == "" {
		return nil
	}
	ref, err := model.ParseReference(s.String)
	if err != nil {
		return &model.Reference{}
	}
	return &ref
}

func nullRef(ref *model.Reference) sql.NullString {
	if ref == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ref.String(), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Upsert inserts or replaces a loop definition. The version trigger bumps
// the version of an existing row.
func (r *LoopRepo) Upsert(ctx context.Context, l *model.ControlLoop) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var parentID sql.NullInt64
	if l.ParentID != nil {
		parentID = sql.NullInt64{Int64: *l.ParentID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO control_loops (`+loopColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, 1, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			input_ref = EXCLUDED.input_ref,
			set_point_ref = EXCLUDED.set_point_ref,
			output_ref = EXCLUDED.output_ref,
			manual_value_ref = EXCLUDED.manual_value_ref,
			auto_switch_ref = EXCLUDED.auto_switch_ref,
			reverse_flag_ref = EXCLUDED.reverse_flag_ref,
			digital_output_ref = EXCLUDED.digital_output_ref,
			kp = EXCLUDED.kp, ki = EXCLUDED.ki, kd = EXCLUDED.kd,
			output_min = EXCLUDED.output_min,
			output_max = EXCLUDED.output_max,
			dead_zone = EXCLUDED.dead_zone,
			derivative_filter = EXCLUDED.derivative_filter,
			max_slew_rate = EXCLUDED.max_slew_rate,
			hysteresis_high = EXCLUDED.hysteresis_high,
			hysteresis_low = EXCLUDED.hysteresis_low,
			cascade_level = EXCLUDED.cascade_level,
			parent_id = EXCLUDED.parent_id,
			enabled = EXCLUDED.enabled,
			interval_ms = EXCLUDED.interval_ms,
			max_input_age_ms = EXCLUDED.max_input_age_ms
	`,
		l.ID, l.Name,
		l.Input.String(), nullRef(l.SetPoint), l.Output.String(),
		nullRef(l.ManualValue), nullRef(l.AutoSwitch), nullRef(l.ReverseFlag), nullRef(l.DigitalOutput),
		l.Gains.Kp, l.Gains.Ki, l.Gains.Kd,
		l.OutputMin, l.OutputMax, l.DeadZone, l.DerivativeFilter, l.MaxSlewRate,
		nullFloat(l.HysteresisHigh), nullFloat(l.HysteresisLow),
		l.CascadeLevel, parentID,
		l.Enabled, l.Interval.Milliseconds(), l.MaxInputAge.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert control loop %d: %w", l.ID, err)
	}
	return nil
}

// UpdateGains stores new gains and returns the bumped version.
func (r *LoopRepo) UpdateGains(ctx context.Context, loopID int64, gains model.Gains) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var version int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE control_loops
		SET kp = $2, ki = $3, kd = $4
		WHERE id = $1
		RETURNING version
	`, loopID, gains.Kp, gains.Ki, gains.Kd).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("update gains of loop %d: %w", loopID, store.ErrLoopNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("update gains of loop %d: %w", loopID, err)
	}
	return version, nil
}

var _ store.LoopRepository = (*LoopRepo)(nil)
