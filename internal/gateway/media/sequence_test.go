package media

import "testing"

func TestSequenceTrackerContiguous(t *testing.T) {
	st := NewSequenceTracker()
	for seq := uint16(10); seq < 20; seq++ {
		if _, lost := st.Update(seq); lost != 0 {
			t.Fatalf("Update(%d) reported %d lost", seq, lost)
		}
	}
	received, lost := st.Stats()
	if received != 10 || lost != 0 {
		t.Errorf("Stats() = (%d, %d), want (10, 0)", received, lost)
	}
	if st.LossRate() != 0 {
		t.Errorf("LossRate() = %f, want 0", st.LossRate())
	}
}

func TestSequenceTrackerGap(t *testing.T) {
	st := NewSequenceTracker()
	st.Update(100)
	_, lost := st.Update(104)
	if lost != 3 {
		t.Errorf("Update(104) after 100 reported %d lost, want 3", lost)
	}
	received, totalLost := st.Stats()
	if received != 2 || totalLost != 3 {
		t.Errorf("Stats() = (%d, %d), want (2, 3)", received, totalLost)
	}
	want := 3.0 / 5.0
	if got := st.LossRate(); got != want {
		t.Errorf("LossRate() = %f, want %f", got, want)
	}
}

func TestSequenceTrackerRollover(t *testing.T) {
	st := NewSequenceTracker()
	st.Update(65534)
	st.Update(65535)
	extended, lost := st.Update(0)
	if lost != 0 {
		t.Errorf("rollover reported %d lost", lost)
	}
	if extended != (1<<16)|0 {
		t.Errorf("extended = %d, want %d", extended, 1<<16)
	}
	extended, _ = st.Update(1)
	if extended != (1<<16)|1 {
		t.Errorf("extended = %d, want %d", extended, (1<<16)|1)
	}
}

func TestSequenceTrackerReorderNotCounted(t *testing.T) {
	st := NewSequenceTracker()
	st.Update(5)
	st.Update(6)
	// 4 arrives late; neither it nor the following in-order packet should
	// add loss.
	if _, lost := st.Update(4); lost != 0 {
		t.Errorf("late packet reported %d lost", lost)
	}
	if _, lost := st.Update(7); lost != 0 {
		t.Errorf("in-order packet after reorder reported %d lost", lost)
	}
	_, totalLost := st.Stats()
	if totalLost != 0 {
		t.Errorf("total lost = %d, want 0", totalLost)
	}
}
