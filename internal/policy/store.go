package policy

import (
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store holds the active Snapshot. Readers never block; Reload swaps the whole
// snapshot in one atomic store.
type Store struct {
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	reloadMu   sync.Mutex
	logger     *zap.Logger
}

// NewStore activates initial. A nil initial activates Default().
func NewStore(initial *Snapshot, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initial == nil {
		initial = Default()
	}
	s := &Store{logger: logger}
	s.activate(initial)
	return s
}

// Current returns the last successfully loaded snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload loads a new snapshot from r. On error the previous snapshot stays
// active and the *ConfigError is returned.
func (s *Store) Reload(r io.Reader) (*Snapshot, error) {
	snap, err := Load(r)
	return s.swap(snap, err, "reader")
}

// ReloadFile is Reload for a file on disk.
func (s *Store) ReloadFile(path string) (*Snapshot, error) {
	snap, err := LoadFile(path)
	return s.swap(snap, err, path)
}

func (s *Store) swap(snap *Snapshot, err error, source string) (*Snapshot, error) {
	if err != nil {
		prev := s.Current()
		s.logger.Warn("policy reload rejected",
			zap.String("source", source),
			zap.String("active_version", prev.Version),
			zap.Error(err))
		return nil, err
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.activate(snap)
	s.logger.Info("policy reloaded",
		zap.String("source", source),
		zap.String("version", snap.Version),
		zap.Uint64("generation", snap.Generation),
		zap.String("checksum", snap.Checksum))
	return snap, nil
}

// activate stamps the generation before publishing; a published snapshot is
// never written again.
func (s *Store) activate(snap *Snapshot) {
	snap.Generation = s.generation.Add(1)
	s.current.Store(snap)
}
