package screal

import (
	"math"
	"testing"
)

const smallDiff = 1e-9

func TestScaledRoundTrip(tst *testing.T) {
	for _, x := range []float64{0, 1, 0.5, 1e-3, 1e-12, 1e-100} {
		s := NewScaled(x)
		if math.Abs(s.Float()-x) > smallDiff*x {
			tst.Error("Expected ", x, ", got ", s.Float())
		}
	}
}

func TestScaledNoUnderflow(tst *testing.T) {
	// 10000 multiplications by 1e-50 would underflow any double;
	// the log must still come out right.
	s := NewScaled(1)
	for i := 0; i < 10000; i++ {
		s = s.MulFloat(1e-50)
	}
	want := 10000 * math.Log(1e-50)
	if math.Abs(s.Log()-want) > math.Abs(want)*1e-12 {
		tst.Error("Expected log ", want, ", got ", s.Log())
	}
}

func TestScaledAdd(tst *testing.T) {
	a := NewScaled(1e-20)
	b := NewScaled(3e-20)
	sum := a.Add(b)
	if math.Abs(sum.Log()-math.Log(4e-20)) > smallDiff {
		tst.Error("Expected ", math.Log(4e-20), ", got ", sum.Log())
	}
	// Adding a negligible value must not perturb the big one.
	big := NewScaled(0.25)
	tiny := NewScaled(1e-300)
	if big.Add(tiny).Log() != big.Log() {
		tst.Error("negligible addition changed the value")
	}
}

func TestScaledCompare(tst *testing.T) {
	small := NewScaled(1e-200)
	large := NewScaled(1e-10)
	if !small.Less(large) {
		tst.Error("1e-200 should be less than 1e-10")
	}
	if large.Less(small) {
		tst.Error("1e-10 should not be less than 1e-200")
	}
	zero := NewScaled(0)
	if !zero.IsZero() || !zero.Less(small) || small.Less(zero) {
		tst.Error("zero ordering is broken")
	}
}

func TestFloatMatchesScaled(tst *testing.T) {
	af, as := Float(0.125), NewScaled(0.125)
	bf, bs := Float(0.5), NewScaled(0.5)
	if math.Abs(af.Mul(bf).Log()-as.Mul(bs).Log()) > smallDiff {
		tst.Error("Mul mismatch between Float and Scaled")
	}
	if math.Abs(af.Add(bf).Log()-as.Add(bs).Log()) > smallDiff {
		tst.Error("Add mismatch between Float and Scaled")
	}
}
