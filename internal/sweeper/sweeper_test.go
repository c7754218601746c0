package sweeper

import (
	"errors"
	"testing"
	"time"
)

type mockStore struct {
	purgeFunc   func(before time.Time) (int64, error)
	releaseFunc func(olderThan time.Time) ([]string, error)

	purgeCalls   []time.Time
	releaseCalls []time.Time
}

func (m *mockStore) PurgeUsageEvents(before time.Time) (int64, error) {
	m.purgeCalls = append(m.purgeCalls, before)
	if m.purgeFunc != nil {
		return m.purgeFunc(before)
	}
	return 0, nil
}

func (m *mockStore) ReleaseStaleClaims(olderThan time.Time) ([]string, error) {
	m.releaseCalls = append(m.releaseCalls, olderThan)
	if m.releaseFunc != nil {
		return m.releaseFunc(olderThan)
	}
	return nil, nil
}

func TestPurgeUsage_CutoffMatchesRetention(t *testing.T) {
	store := &mockStore{
		purgeFunc: func(time.Time) (int64, error) { return 3, nil },
	}
	s := New(store, 0)

	before := time.Now()
	s.PurgeUsage()

	if len(store.purgeCalls) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(store.purgeCalls))
	}
	wantCutoff := before.Add(-usageRetention)
	cutoff := store.purgeCalls[0]
	if diff := cutoff.Sub(wantCutoff); diff < 0 || diff > time.Second {
		t.Errorf("cutoff = %v, want about %v", cutoff, wantCutoff)
	}
}

func TestReleaseStale_CutoffMatchesThreshold(t *testing.T) {
	store := &mockStore{
		releaseFunc: func(time.Time) ([]string, error) { return []string{"conv-1"}, nil },
	}
	s := New(store, 5*time.Minute)

	before := time.Now()
	s.ReleaseStale()

	if len(store.releaseCalls) != 1 {
		t.Fatalf("release calls = %d, want 1", len(store.releaseCalls))
	}
	wantCutoff := before.Add(-5 * time.Minute)
	cutoff := store.releaseCalls[0]
	if diff := cutoff.Sub(wantCutoff); diff < 0 || diff > time.Second {
		t.Errorf("cutoff = %v, want about %v", cutoff, wantCutoff)
	}
}

func TestSweepsSurviveStoreErrors(t *testing.T) {
	store := &mockStore{
		purgeFunc:   func(time.Time) (int64, error) { return 0, errors.New("disk error") },
		releaseFunc: func(time.Time) ([]string, error) { return nil, errors.New("disk error") },
	}
	s := New(store, 0)

	// Neither sweep may panic or propagate the error.
	s.PurgeUsage()
	s.ReleaseStale()
}

func TestNew_DefaultThreshold(t *testing.T) {
	s := New(&mockStore{}, 0)
	if s.staleThreshold != defaultStaleThreshold {
		t.Errorf("staleThreshold = %v, want default %v", s.staleThreshold, defaultStaleThreshold)
	}
}

func TestStartStop(t *testing.T) {
	s := New(&mockStore{}, time.Minute)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
