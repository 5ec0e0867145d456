// Package pairs persists versioned pair configuration snapshots in a WAL.
// Every save appends a full snapshot; the WAL index is the snapshot version,
// so restarts recover the latest configuration and its version together.
package pairs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/skim/internal/domain"
)

const (
	DefaultDir   = "./wal/pairs"
	segmentLimit = 100
	maxSegments  = 10

	snapshotKey = "pairs_snapshot"
)

// WALStore is a WAL-backed store of pair snapshots.
type WALStore struct {
	wal    *gowal.Wal
	mu     sync.RWMutex
	latest domain.PairsSnapshot
}

// NewWALStore opens the WAL in dir and recovers the latest snapshot.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "pairs_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init pairs WAL")
	}

	s := &WALStore{wal: wal}
	if err := s.recover(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	return s, nil
}

// recover replays the WAL and keeps the newest decodable snapshot.
func (s *WALStore) recover() error {
	current := s.wal.CurrentIndex()
	for idx := current; idx >= 1; idx-- {
		key, payload, err := s.wal.Get(idx)
		if err != nil || key != snapshotKey {
			continue
		}
		var snap domain.PairsSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return errors.Wrapf(err, "decode pairs snapshot at index %d", idx)
		}
		snap.Version = idx
		s.latest = snap
		return nil
	}
	return nil
}

// Save validates and appends a new snapshot, returning it with its version.
func (s *WALStore) Save(pairs []domain.PairConfig) (domain.PairsSnapshot, error) {
	if s == nil || s.wal == nil {
		return domain.PairsSnapshot{}, errors.New("pairs store is not initialized")
	}
	if err := validate(pairs); err != nil {
		return domain.PairsSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.wal.CurrentIndex() + 1
	snap := domain.PairsSnapshot{Version: version, Pairs: pairs}

	payload, err := json.Marshal(snap)
	if err != nil {
		return domain.PairsSnapshot{}, errors.Wrap(err, "marshal pairs snapshot")
	}
	if err := s.wal.Write(version, snapshotKey, payload); err != nil {
		return domain.PairsSnapshot{}, errors.Wrap(err, "write pairs snapshot")
	}

	s.latest = snap
	return snap, nil
}

// Latest returns the newest snapshot. An empty store yields version zero with
// no pairs.
func (s *WALStore) Latest() (domain.PairsSnapshot, error) {
	if s == nil || s.wal == nil {
		return domain.PairsSnapshot{}, errors.New("pairs store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("pairs store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

func validate(pairs []domain.PairConfig) error {
	seen := make(map[string]struct{}, len(pairs))
	for _, pc := range pairs {
		if pc.Exchange == "" {
			return fmt.Errorf("pair %s has no exchange", pc.Pair)
		}
		if pc.Pair.Base == "" || pc.Pair.Quote == "" {
			return fmt.Errorf("incomplete pair for exchange %s", pc.Exchange)
		}
		if !pc.QuoteBudget.IsPositive() {
			return fmt.Errorf("pair %s: quote budget must be positive", pc.Key())
		}
		if pc.DeviationPct.IsNegative() {
			return fmt.Errorf("pair %s: deviation must not be negative", pc.Key())
		}
		if _, err := domain.ParseGapMode(string(pc.GapMode)); err != nil {
			return fmt.Errorf("pair %s: %s", pc.Key(), err)
		}
		if _, dup := seen[pc.Key()]; dup {
			return fmt.Errorf("duplicate pair %s", pc.Key())
		}
		seen[pc.Key()] = struct{}{}
	}
	return nil
}
