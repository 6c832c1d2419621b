package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrOutOfSequence is returned when an entry would leave a gap in the log.
var ErrOutOfSequence = errors.New("audit: entry out of sequence")

const (
	entriesFile = "entries.log"
	rootsFile   = "roots.log"
)

// FileStore appends entries as JSON lines to entries.log and commits every
// batchSize entries to a Merkle root in roots.log.
type FileStore struct {
	mu          sync.Mutex
	entriesPath string
	rootsPath   string
	batchSize   int
	lastID      int64
	batchHashes []string
	batchStart  int64
}

func NewFileStore(dataDir string, batchSize int) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	entriesPath, rootsPath := FilePaths(dataDir)
	s := &FileStore{
		entriesPath: entriesPath,
		rootsPath:   rootsPath,
		batchSize:   batchSize,
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// FilePaths returns where a FileStore rooted at dataDir keeps its entries
// and roots, without opening anything.
func FilePaths(dataDir string) (entries, roots string) {
	return filepath.Join(dataDir, entriesFile), filepath.Join(dataDir, rootsFile)
}

// Paths returns the entries and roots file locations.
func (s *FileStore) Paths() (string, string) {
	return s.entriesPath, s.rootsPath
}

// LastID is the id of the newest entry written to entries.log.
func (s *FileStore) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *FileStore) BatchSize() int {
	return s.batchSize
}

func (s *FileStore) Write(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastID != 0 {
		switch {
		case e.ID <= s.lastID:
			return nil
		case e.ID != s.lastID+1:
			return fmt.Errorf("%w: got %d after %d", ErrOutOfSequence, e.ID, s.lastID)
		}
	}
	e.Persisted = true
	if err := appendJSONLine(s.entriesPath, e); err != nil {
		return fmt.Errorf("audit: append entry %d: %w", e.ID, err)
	}
	s.lastID = e.ID

	if len(s.batchHashes) == 0 {
		s.batchStart = e.ID
	}
	s.batchHashes = append(s.batchHashes, e.EntryHash)
	if len(s.batchHashes) < s.batchSize {
		return nil
	}
	root := RootRecord{
		FromID:    s.batchStart,
		ToID:      e.ID,
		RootHash:  MerkleRoot(s.batchHashes),
		CreatedAt: time.Now().UTC(),
	}
	s.batchHashes = nil
	s.batchStart = 0
	if root.RootHash == "" {
		return nil
	}
	if err := appendJSONLine(s.rootsPath, root); err != nil {
		return fmt.Errorf("audit: append root %d-%d: %w", root.FromID, root.ToID, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// LoadTail reads entries.log and returns up to limit of the newest entries.
func (s *FileStore) LoadTail(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readTail(ctx, s.entriesPath, limit)
}

// ReadTail returns up to limit of the newest entries under dataDir without
// creating anything. A missing directory or log reads as empty.
func ReadTail(ctx context.Context, dataDir string, limit int) ([]Entry, error) {
	entriesPath, _ := FilePaths(dataDir)
	return readTail(ctx, entriesPath, limit)
}

func readTail(ctx context.Context, path string, limit int) ([]Entry, error) {
	var tail []Entry
	err := scanEntries(path, func(e Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tail = append(tail, e)
		if limit > 0 && len(tail) > limit {
			tail = tail[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), tail...), nil
}

func (s *FileStore) LastRoot() (*RootRecord, error) {
	roots, err := readRoots(s.rootsPath)
	if err != nil || len(roots) == 0 {
		return nil, err
	}
	return &roots[len(roots)-1], nil
}

// CurrentBatchRoot is the Merkle root of the entries not yet committed to
// roots.log.
func (s *FileStore) CurrentBatchRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MerkleRoot(s.batchHashes)
}

func (s *FileStore) loadState() error {
	lastRoot, err := s.LastRoot()
	if err != nil {
		return err
	}
	lastCommitted := int64(0)
	if lastRoot != nil {
		lastCommitted = lastRoot.ToID
	}
	return scanEntries(s.entriesPath, func(e Entry) error {
		s.lastID = e.ID
		if e.ID > lastCommitted {
			if s.batchStart == 0 {
				s.batchStart = e.ID
			}
			s.batchHashes = append(s.batchHashes, e.EntryHash)
		}
		return nil
	})
}

func scanEntries(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func appendJSONLine(path string, v interface{}) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
