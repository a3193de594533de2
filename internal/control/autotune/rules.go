package autotune

import (
	"fmt"
	"math"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
)

// UltimateGain is Ku for a relay of amplitude d that produced an oscillation
// of amplitude a.
func UltimateGain(d, a float64) float64 {
	return 4 * d / (math.Pi * a)
}

// GainsFor derives PID gains from the ultimate gain and period (seconds).
func GainsFor(rule model.TuningRule, ku, pu float64) (model.Gains, error) {
	if !(ku > 0) || !(pu > 0) {
		return model.Gains{}, fmt.Errorf("ultimate gain %g and period %g must be positive", ku, pu)
	}
	var kp, ti, td float64
	switch rule {
	case model.TuningRuleZieglerNichols:
		kp, ti, td = 0.6*ku, pu/2, pu/8
	case model.TuningRuleTyreusLuyben:
		kp, ti, td = ku/2.2, 2.2*pu, pu/6.3
	case model.TuningRuleSomeOvershoot:
		kp, ti, td = 0.33*ku, pu/2, pu/3
	case model.TuningRuleNoOvershoot:
		kp, ti, td = 0.2*ku, pu/2, pu/3
	default:
		return model.Gains{}, fmt.Errorf("unknown tuning rule %q", rule)
	}
	return model.Gains{Kp: kp, Ki: kp / ti, Kd: kp * td}, nil
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// cv is the coefficient of variation (population standard deviation over mean).
func cv(xs []float64) float64 {
	m := mean(xs)
	if m == 0 {
		return math.Inf(1)
	}
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss/float64(len(xs))) / math.Abs(m)
}
