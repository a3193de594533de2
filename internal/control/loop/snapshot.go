package loop

import (
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/control/pid"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
)

// TermsView is the JSON form of the last PID terms.
type TermsView struct {
	Error       float64 `json:"error"`
	P           float64 `json:"p"`
	I           float64 `json:"i"`
	D           float64 `json:"d"`
	Raw         float64 `json:"raw"`
	InDeadZone  bool    `json:"in_dead_zone"`
	Saturated   bool    `json:"saturated"`
	SlewLimited bool    `json:"slew_limited"`
}

func termsView(t pid.Terms) TermsView {
	return TermsView{
		Error:       t.Error,
		P:           t.P,
		I:           t.I,
		D:           t.D,
		Raw:         t.Raw,
		InDeadZone:  t.InDeadZone,
		Saturated:   t.Saturated,
		SlewLimited: t.SlewLimited,
	}
}

// Snapshot is the diagnostic view of a loop, refreshed on every tick.
type Snapshot struct {
	LoopID         int64       `json:"loop_id"`
	Name           string      `json:"name"`
	Version        int64       `json:"version"`
	Enabled        bool        `json:"enabled"`
	CascadeLevel   int         `json:"cascade_level"`
	Mode           Mode        `json:"mode"`
	Owner          string      `json:"owner"`
	Gains          model.Gains `json:"gains"`
	ProcessValue   float64     `json:"process_value"`
	SetPoint       float64     `json:"set_point"`
	Reverse        bool        `json:"reverse"`
	Terms          TermsView   `json:"terms"`
	Output         float64     `json:"output"`
	HasOutput      bool        `json:"has_output"`
	Digital        *bool       `json:"digital_output,omitempty"`
	Degraded       bool        `json:"degraded"`
	DegradedReason string      `json:"degraded_reason,omitempty"`
	DegradedTicks  uint64      `json:"degraded_ticks"`
	Halted         bool        `json:"halted"`
	LastTick       time.Time   `json:"last_tick"`
}

func (s *Snapshot) fill(cfg *model.ControlLoop, owner Owner, mode Mode, now time.Time) {
	s.Name = cfg.Name
	s.Version = cfg.Version
	s.Enabled = cfg.Enabled
	s.CascadeLevel = cfg.CascadeLevel
	s.Gains = cfg.Gains
	s.Owner = owner.String()
	s.Mode = mode
	s.LastTick = now
}

// Snapshot returns a copy of the latest diagnostic state. Gains and
// enablement always reflect the current configuration, even between ticks.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	s := l.snap
	l.snapMu.RUnlock()

	cfg := l.cfg.Load()
	s.Name = cfg.Name
	s.Version = cfg.Version
	s.Enabled = cfg.Enabled
	s.CascadeLevel = cfg.CascadeLevel
	s.Gains = cfg.Gains
	if s.Digital != nil {
		d := *s.Digital
		s.Digital = &d
	}
	return s
}

func (l *Loop) setSnapOwner(o Owner) {
	l.snapMu.Lock()
	l.snap.Owner = o.String()
	l.snapMu.Unlock()
}
