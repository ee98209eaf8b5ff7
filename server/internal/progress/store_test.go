package progress

import "testing"

func TestStoreSetGetDelete(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected no snapshot for unknown id")
	}

	s.Set("a", Snapshot{Status: StatusStarting, Message: "init"})

	snap, ok := s.Get("a")
	if !ok {
		t.Fatal("expected snapshot after Set")
	}
	if snap.Status != StatusStarting {
		t.Errorf("Status = %s, expected %s", snap.Status, StatusStarting)
	}

	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected snapshot gone after Delete")
	}
}

func TestStorePercentMonotonicWhileDownloading(t *testing.T) {
	s := NewStore()

	updates := []float64{10, 40, 25, 40, 90, 70}
	expected := []float64{10, 40, 40, 40, 90, 90}

	for i, p := range updates {
		s.Set("dl", Snapshot{Status: StatusDownloading, Percent: p})
		snap, _ := s.Get("dl")
		if snap.Percent != expected[i] {
			t.Errorf("update %d: Percent = %.1f, expected %.1f", i, snap.Percent, expected[i])
		}
	}
}

func TestStorePercentBounds(t *testing.T) {
	s := NewStore()

	s.Set("x", Snapshot{Status: StatusDownloading, Percent: -5})
	if snap, _ := s.Get("x"); snap.Percent != 0 {
		t.Errorf("Percent = %.1f, expected clamp to 0", snap.Percent)
	}

	s.Set("x", Snapshot{Status: StatusDownloading, Percent: 150})
	if snap, _ := s.Get("x"); snap.Percent != 100 {
		t.Errorf("Percent = %.1f, expected clamp to 100", snap.Percent)
	}
}

func TestStoreStatusChangeResetsMonotonicGuard(t *testing.T) {
	s := NewStore()

	s.Set("y", Snapshot{Status: StatusDownloading, Percent: 80})
	s.Set("y", Snapshot{Status: StatusProcessing, Percent: 95})
	s.Set("y", Snapshot{Status: StatusStreaming, Percent: 100})

	snap, _ := s.Get("y")
	if snap.Status != StatusStreaming || snap.Percent != 100 {
		t.Errorf("snapshot = %+v, expected streaming at 100", snap)
	}
}
