package clock

import "testing"

func TestNowMonotonic(t *testing.T) {
	o := New(7, Config{ClockSkew: 100, ClockError: 50})
	prev := o.Now()
	for i := 0; i < 1000; i++ {
		cur := o.Now()
		if !prev.Less(cur) {
			t.Fatalf("clock went backwards or stalled: prev=%v cur=%v", prev, cur)
		}
		prev = cur
	}
}

func TestNowStampsClientID(t *testing.T) {
	o := New(42, Config{})
	ts := o.Now()
	if ts.ClientID != 42 {
		t.Fatalf("ClientID = %d, want 42", ts.ClientID)
	}
}

func TestUncertainty(t *testing.T) {
	o := New(1, Config{ClockSkew: 10, ClockError: 5})
	if got := o.Uncertainty(); got != 15 {
		t.Fatalf("Uncertainty() = %d, want 15", got)
	}
}
