package eventloop

import "testing"

func TestTimeValSaturatingAdd(t *testing.T) {
	if got := Maximum.Add(1); got != Maximum {
		t.Errorf("Maximum.Add(1) = %v, want Maximum", got)
	}
	if got := Minimum.Add(-1); got != Minimum {
		t.Errorf("Minimum.Add(-1) = %v, want Minimum", got)
	}
	if got := TimeVal(5).Add(3); got != 8 {
		t.Errorf("5.Add(3) = %v, want 8", got)
	}
}

func TestTimeValSaturatingSub(t *testing.T) {
	if got := Minimum.Sub(1); got != Minimum {
		t.Errorf("Minimum.Sub(1) = %v, want Minimum", got)
	}
	if got := Maximum.Sub(-1); got != Maximum {
		t.Errorf("Maximum.Sub(-1) = %v, want Maximum", got)
	}
	if got := TimeVal(5).Sub(3); got != 2 {
		t.Errorf("5.Sub(3) = %v, want 2", got)
	}
}

func TestTimeValNegationRoundTrip(t *testing.T) {
	tv := NewTimeVal(3, 500000)
	sum := tv.Add(tv.Neg())
	if sum != Zero {
		t.Errorf("t + (-t) = %v, want Zero", sum)
	}
	diff := tv.Sub(tv.Neg())
	want := tv.Add(tv)
	if diff != want {
		t.Errorf("t - (-t) = %v, want %v (2t)", diff, want)
	}
}

func TestTimeValOrdering(t *testing.T) {
	if !(Minimum < Zero) {
		t.Error("Minimum should be less than Zero")
	}
	if !(Zero < Maximum) {
		t.Error("Zero should be less than Maximum")
	}
}

func TestSystemClockMonotonic(t *testing.T) {
	c := NewSystemClock()
	first := c.Advance()
	second := c.Advance()
	if second < first {
		t.Errorf("clock went backwards: %v then %v", first, second)
	}
	if c.Now() != second {
		t.Errorf("Now() = %v, want cached %v", c.Now(), second)
	}
}

func TestRandomUniformBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := RandomUniform(TimeVal(10), TimeVal(20))
		if v < 10 || v >= 20 {
			t.Fatalf("RandomUniform(10,20) returned %v, out of range", v)
		}
	}
	if v := RandomUniform(TimeVal(10), TimeVal(10)); v != 10 {
		t.Errorf("RandomUniform with empty range should return lo, got %v", v)
	}
}
