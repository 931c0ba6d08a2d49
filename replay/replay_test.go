package replay

import "testing"

const rejectAfterMessages = uint64(1<<64 - (1 << 13) - 1)

func TestReplayFilter(t *testing.T) {
	var f Filter

	accept := func(c uint64) {
		t.Helper()
		if !f.ValidateCounter(c, rejectAfterMessages) {
			t.Fatalf("expected counter %d to be accepted", c)
		}
	}
	reject := func(c uint64) {
		t.Helper()
		if f.ValidateCounter(c, rejectAfterMessages) {
			t.Fatalf("expected counter %d to be rejected", c)
		}
	}

	accept(0)
	reject(0)

	accept(1)
	reject(1)

	accept(9)
	accept(8)
	accept(7)
	reject(7)

	const w = counterWindowSize
	accept(w)
	accept(w - 1)
	accept(w - 2)
	accept(2)
	reject(2)

	accept(w + 16)
	reject(3)
	reject(w + 16)
}

func TestReplayFilterRejectsAtCeiling(t *testing.T) {
	var f Filter
	if f.ValidateCounter(rejectAfterMessages, rejectAfterMessages) {
		t.Fatal("counter at the reject ceiling must never validate")
	}
	if f.ValidateCounter(rejectAfterMessages+1, rejectAfterMessages) {
		t.Fatal("counter beyond the reject ceiling must never validate")
	}
}
