package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"content_assurance/internal/model"
)

func sampleAndResult(i int) (model.ContentSample, model.EnforcementResult) {
	sample := model.ContentSample{
		InputText:  fmt.Sprintf("prompt %d", i),
		OutputText: fmt.Sprintf("answer %d", i),
		UserID:     "user-1",
		Timestamp:  time.Now().UTC(),
	}
	result := model.EnforcementResult{
		RequestID:      fmt.Sprintf("req-%d", i),
		Action:         model.ActionAllow,
		DimensionScore: model.DimensionScore{Composite: 90.2},
		PolicyVersion:  "1.0.0",
		Timestamp:      time.Now().UTC(),
	}
	return sample, result
}

func TestFileStoreDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 2)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	chain := NewChain(WithStore(store))
	for i := 0; i < 3; i++ {
		s, r := sampleAndResult(i)
		if e := chain.Append(context.Background(), s, r); !e.Persisted {
			t.Fatalf("entry %d not persisted", e.ID)
		}
	}

	entriesPath, rootsPath := store.Paths()
	report := VerifyFile(entriesPath, rootsPath, 2)
	if !report.OK || report.RootsChecked != 1 {
		t.Fatalf("expected ok before tamper: %+v", report)
	}

	data, err := os.ReadFile(entriesPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	data[10] = 'X'
	if err := os.WriteFile(entriesPath, data, 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	report = VerifyFile(entriesPath, rootsPath, 2)
	if report.OK {
		t.Fatalf("expected tamper detection")
	}
}

func TestFileStoreChainProperty(t *testing.T) {
	f := func(n uint8) bool {
		dir := t.TempDir()
		store, err := NewFileStore(dir, 5)
		if err != nil {
			return false
		}
		chain := NewChain(WithStore(store))
		count := int(n%20 + 1)
		for i := 0; i < count; i++ {
			s, r := sampleAndResult(i)
			chain.Append(context.Background(), s, r)
		}
		report := VerifyFile(filepath.Join(dir, entriesFile), filepath.Join(dir, rootsFile), 5)
		return report.OK && report.Total == int64(count) && report.RootsChecked == count/5
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestChainIntegrityProperty(t *testing.T) {
	f := func(n uint8, max uint8) bool {
		chain := NewChain(WithMaxEntries(int(max%10) + 1))
		count := int(n % 40)
		for i := 0; i < count; i++ {
			s, r := sampleAndResult(i)
			chain.Append(context.Background(), s, r)
		}
		return chain.VerifyIntegrity()
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestChainTamperedEntryHash(t *testing.T) {
	chain := NewChain(WithStore(NewMemoryStore()))
	for i := 0; i < 5; i++ {
		s, r := sampleAndResult(i)
		chain.Append(context.Background(), s, r)
	}
	if !chain.VerifyIntegrity() {
		t.Fatalf("fresh chain should verify")
	}

	chain.mu.Lock()
	chain.entries[2].EntryHash = HashText("forged")
	chain.mu.Unlock()

	if chain.VerifyIntegrity() {
		t.Fatalf("expected integrity failure after altering entry 3")
	}
	for _, e := range chain.Recent(0) {
		ok := VerifyEntry(e)
		if e.ID == 3 && ok {
			t.Fatalf("entry 3 should not verify")
		}
		if e.ID != 3 && !ok {
			t.Fatalf("entry %d should still verify against its own fields", e.ID)
		}
	}
}

func TestChainTamperedInputHash(t *testing.T) {
	chain := NewChain()
	for i := 0; i < 5; i++ {
		s, r := sampleAndResult(i)
		chain.Append(context.Background(), s, r)
	}
	chain.mu.Lock()
	chain.entries[1].InputHash = HashText("something else")
	chain.mu.Unlock()
	if chain.VerifyIntegrity() {
		t.Fatalf("expected integrity failure after altering input hash")
	}
}

func TestChainGenesisAndLinkage(t *testing.T) {
	chain := NewChain()
	s, r := sampleAndResult(0)
	first := chain.Append(context.Background(), s, r)
	second := chain.Append(context.Background(), s, r)
	if first.ID != 1 || first.PreviousEntryHash != GenesisHash {
		t.Fatalf("first entry not linked to genesis: %+v", first)
	}
	if second.PreviousEntryHash != first.EntryHash {
		t.Fatalf("second entry not linked to first")
	}
	if first.InputHash != HashText(s.InputText) || first.UserRef != UserRef("user-1") {
		t.Fatalf("digests not recorded: %+v", first)
	}
}

func TestChainEvictionKeepsVerifiability(t *testing.T) {
	chain := NewChain(WithMaxEntries(3))
	var all []Entry
	for i := 0; i < 7; i++ {
		s, r := sampleAndResult(i)
		all = append(all, chain.Append(context.Background(), s, r))
	}
	recent := chain.Recent(10)
	if len(recent) != 3 || recent[0].ID != 5 || recent[2].ID != 7 {
		t.Fatalf("unexpected window: %+v", recent)
	}
	if !chain.VerifyIntegrity() {
		t.Fatalf("window should verify against truncation anchor")
	}
	sum := chain.ExportChainSummary()
	if sum.TotalEntries != 7 || sum.RetainedEntries != 3 || sum.TruncatedAt != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.AnchorHash != all[3].EntryHash || sum.HeadHash != all[6].EntryHash {
		t.Fatalf("anchor/head mismatch: %+v", sum)
	}
	if !sum.ChainValid || sum.MerkleRoot == "" || sum.OldestTimestamp == nil {
		t.Fatalf("summary incomplete: %+v", sum)
	}
}

func TestChainRecentNewestLast(t *testing.T) {
	chain := NewChain()
	for i := 0; i < 4; i++ {
		s, r := sampleAndResult(i)
		chain.Append(context.Background(), s, r)
	}
	got := chain.Recent(2)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Fatalf("recent = %+v", got)
	}
	if len(chain.ExportRecent(0)) != 4 {
		t.Fatalf("export should return the whole window")
	}
}

type failingStore struct{ err error }

func (f failingStore) Write(context.Context, Entry) error { return f.err }
func (f failingStore) Close() error                      { return nil }

func TestChainPersistenceFailure(t *testing.T) {
	chain := NewChain(WithStore(failingStore{err: fmt.Errorf("disk full")}))
	s, r := sampleAndResult(0)
	e := chain.Append(context.Background(), s, r)
	if e.Persisted {
		t.Fatalf("expected persisted=false")
	}
	if e.EntryHash == "" || !chain.VerifyIntegrity() {
		t.Fatalf("entry should still be linked")
	}
	if got := chain.Recent(1); len(got) != 1 || got[0].Persisted {
		t.Fatalf("retained entry should carry persisted=false")
	}
}

func TestChainAppendIgnoresCancelledRequest(t *testing.T) {
	mem := NewMemoryStore()
	chain := NewChain(WithStore(mem))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, r := sampleAndResult(0)
	if e := chain.Append(ctx, s, r); !e.Persisted {
		t.Fatalf("write should not inherit request cancellation")
	}
}

func TestRestoreFromFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 4)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	chain := NewChain(WithStore(store))
	var last Entry
	for i := 0; i < 6; i++ {
		s, r := sampleAndResult(i)
		last = chain.Append(context.Background(), s, r)
	}

	reopened, err := NewFileStore(dir, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.LastID(); got != 6 {
		t.Fatalf("reopened last id = %d, want 6", got)
	}
	restored, err := Restore(context.Background(), reopened, WithMaxEntries(3))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	sum := restored.ExportChainSummary()
	if sum.HeadHash != last.EntryHash || sum.TruncatedAt != 3 || sum.RetainedEntries != 3 {
		t.Fatalf("restored summary = %+v", sum)
	}
	s, r := sampleAndResult(6)
	next := restored.Append(context.Background(), s, r)
	if next.ID != 7 || next.PreviousEntryHash != last.EntryHash {
		t.Fatalf("restored chain did not continue: %+v", next)
	}
	entriesPath, rootsPath := reopened.Paths()
	if report := VerifyFile(entriesPath, rootsPath, 4); !report.OK || report.Total != 7 {
		t.Fatalf("file after restore: %+v", report)
	}
}

func TestRestoreRejectsTamperedStore(t *testing.T) {
	mem := NewMemoryStore()
	chain := NewChain(WithStore(mem))
	for i := 0; i < 3; i++ {
		s, r := sampleAndResult(i)
		chain.Append(context.Background(), s, r)
	}
	mem.mu.Lock()
	mem.entries[1].Action = model.ActionBlock
	mem.mu.Unlock()
	if _, err := Restore(context.Background(), mem); err == nil {
		t.Fatalf("expected restore to reject a tampered store")
	}
}

func TestStableJSONKeyOrder(t *testing.T) {
	a, err := StableJSON(map[string]interface{}{"b": 1, "a": "x", "c": 2.5})
	if err != nil {
		t.Fatalf("stable json: %v", err)
	}
	b, err := StableJSON(map[string]interface{}{"c": 2.5, "a": "x", "b": 1})
	if err != nil {
		t.Fatalf("stable json: %v", err)
	}
	if string(a) != string(b) || string(a) != `["a","x","b",1,"c",2.5]` {
		t.Fatalf("unstable encoding: %s vs %s", a, b)
	}
}

func TestMerkleRoot(t *testing.T) {
	if MerkleRoot(nil) != "" {
		t.Fatalf("empty root should be empty")
	}
	h := HashText("a")
	if MerkleRoot([]string{h}) != h {
		t.Fatalf("single leaf root should be the leaf")
	}
	if MerkleRoot([]string{h, HashText("b"), HashText("c")}) == MerkleRoot([]string{h, HashText("c"), HashText("b")}) {
		t.Fatalf("root should depend on order")
	}
	if MerkleRoot([]string{"zz"}) != "" {
		t.Fatalf("non-hex input should yield empty root")
	}
}

// flakyStore fails the first write of failID and passes everything else to
// the wrapped FileStore.
type flakyStore struct {
	*FileStore
	failID int64
	failed bool
}

func (f *flakyStore) Write(ctx context.Context, e Entry) error {
	if e.ID == f.failID && !f.failed {
		f.failed = true
		return errors.New("disk full")
	}
	return f.FileStore.Write(ctx, e)
}

func TestChainRecoversFromFailedWrite(t *testing.T) {
	dir := t.TempDir()
	files, err := NewFileStore(dir, 2)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	chain := NewChain(WithStore(&flakyStore{FileStore: files, failID: 3}))
	var got []Entry
	for i := 0; i < 5; i++ {
		s, r := sampleAndResult(i)
		got = append(got, chain.Append(context.Background(), s, r))
	}
	if got[2].Persisted {
		t.Fatalf("entry 3 should be reported unpersisted")
	}
	if !got[3].Persisted || !got[4].Persisted {
		t.Fatalf("entries after recovery should persist")
	}
	if n := chain.Pending(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	for _, e := range chain.Recent(0) {
		if !e.Persisted {
			t.Fatalf("entry %d still marked unpersisted", e.ID)
		}
	}

	entriesPath, rootsPath := files.Paths()
	if report := VerifyFile(entriesPath, rootsPath, 2); !report.OK || report.LastID != 5 {
		t.Fatalf("cold verify after recovery: %+v", report)
	}
	reopened, err := NewFileStore(dir, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	restored, err := Restore(context.Background(), reopened)
	if err != nil {
		t.Fatalf("restore after recovery: %v", err)
	}
	if restored.ExportChainSummary().HeadHash != got[4].EntryHash {
		t.Fatalf("restored head does not match the last entry")
	}
}

type switchStore struct {
	*MemoryStore
	down bool
}

func (s *switchStore) Write(ctx context.Context, e Entry) error {
	if s.down {
		return errors.New("store offline")
	}
	return s.MemoryStore.Write(ctx, e)
}

func TestChainFlushWritesBacklogInOrder(t *testing.T) {
	store := &switchStore{MemoryStore: NewMemoryStore(), down: true}
	chain := NewChain(WithStore(store))
	for i := 0; i < 3; i++ {
		s, r := sampleAndResult(i)
		if e := chain.Append(context.Background(), s, r); e.Persisted {
			t.Fatalf("entry %d persisted while store is down", e.ID)
		}
	}
	if n := chain.Flush(context.Background()); n != 3 {
		t.Fatalf("flush while down left %d pending, want 3", n)
	}

	store.down = false
	if n := chain.Flush(context.Background()); n != 0 {
		t.Fatalf("flush left %d pending", n)
	}
	written := store.Entries()
	if len(written) != 3 {
		t.Fatalf("store holds %d entries", len(written))
	}
	for i, e := range written {
		if e.ID != int64(i+1) {
			t.Fatalf("store entry %d has id %d", i, e.ID)
		}
	}
	for _, e := range chain.Recent(0) {
		if !e.Persisted {
			t.Fatalf("entry %d not marked persisted after flush", e.ID)
		}
	}
}

func TestChainPendingIsBounded(t *testing.T) {
	store := &switchStore{MemoryStore: NewMemoryStore(), down: true}
	chain := NewChain(WithStore(store), WithMaxPending(2))
	for i := 0; i < 5; i++ {
		s, r := sampleAndResult(i)
		chain.Append(context.Background(), s, r)
	}
	if n := chain.Pending(); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}
	store.down = false
	chain.Flush(context.Background())
	written := store.Entries()
	if len(written) != 2 || written[0].ID != 4 || written[1].ID != 5 {
		t.Fatalf("flushed %+v, want the newest two entries", written)
	}
}

func TestFileStoreRejectsGaps(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	chain := NewChain()
	var entries []Entry
	for i := 0; i < 3; i++ {
		s, r := sampleAndResult(i)
		entries = append(entries, chain.Append(context.Background(), s, r))
	}
	ctx := context.Background()
	if err := store.Write(ctx, entries[0]); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := store.Write(ctx, entries[2]); !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("write 3 after 1: err = %v, want ErrOutOfSequence", err)
	}
	if err := store.Write(ctx, entries[0]); err != nil {
		t.Fatalf("rewrite of 1 should be a no-op: %v", err)
	}
	if err := store.Write(ctx, entries[1]); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	tail, err := store.LoadTail(ctx, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tail) != 2 || tail[1].ID != 2 {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestRestoreRequiresGenesisForFirstEntry(t *testing.T) {
	e := Entry{
		ID:                1,
		Timestamp:         time.Now().UTC().Truncate(time.Microsecond),
		RequestID:         "req-1",
		Action:            "allow",
		PolicyVersion:     "1.0.0",
		PreviousEntryHash: strings.Repeat("a", 64),
	}
	h, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e.EntryHash = h
	mem := NewMemoryStore()
	if err := mem.Write(context.Background(), e); err != nil {
		t.Fatalf("write: %v", err)
	}
	if report := VerifyRecords([]Entry{e}, e.PreviousEntryHash); !report.OK {
		t.Fatalf("entry should be self-consistent: %+v", report)
	}
	if _, err := Restore(context.Background(), mem); err == nil {
		t.Fatalf("expected restore to reject a first entry not linked to genesis")
	}
}

func TestChainConcurrentAppend(t *testing.T) {
	const n = 64
	mem := NewMemoryStore()
	chain := NewChain(WithStore(mem))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, r := sampleAndResult(i)
			chain.Append(context.Background(), s, r)
		}(i)
	}
	wg.Wait()

	entries := chain.Recent(0)
	if len(entries) != n {
		t.Fatalf("retained %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.ID != int64(i+1) {
			t.Fatalf("entry %d has id %d", i, e.ID)
		}
	}
	if !chain.VerifyIntegrity() {
		t.Fatalf("chain built concurrently does not verify")
	}
	written := mem.Entries()
	if len(written) != n {
		t.Fatalf("store received %d entries, want %d", len(written), n)
	}
	for i, e := range written {
		if e.ID != int64(i+1) {
			t.Fatalf("store entry %d has id %d", i, e.ID)
		}
	}
}

func TestReadTailDoesNotCreateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	entries, err := ReadTail(context.Background(), dir, 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("read missing dir: %v, %d entries", err, len(entries))
	}
	entriesPath, rootsPath := FilePaths(dir)
	VerifyFile(entriesPath, rootsPath, 2)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("read-only paths created %s: %v", dir, err)
	}

	store, err := NewFileStore(dir, 2)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	chain := NewChain(WithStore(store))
	for i := 0; i < 3; i++ {
		s, r := sampleAndResult(i)
		chain.Append(context.Background(), s, r)
	}
	entries, err = ReadTail(context.Background(), dir, 2)
	if err != nil || len(entries) != 2 || entries[1].ID != 3 {
		t.Fatalf("read tail = %+v, %v", entries, err)
	}
}

func TestChainQueryAndFind(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	chain := NewChain()
	actions := []model.Action{model.ActionAllow, model.ActionBlock, model.ActionAllow, model.ActionBlock}
	for i, action := range actions {
		s, r := sampleAndResult(i)
		r.Action = action
		r.Timestamp = base.Add(time.Duration(i) * time.Hour)
		chain.Append(context.Background(), s, r)
	}

	blocked := chain.Query(Filter{Action: model.ActionBlock}, 0)
	if len(blocked) != 2 || blocked[0].ID != 2 || blocked[1].ID != 4 {
		t.Fatalf("blocked = %+v", blocked)
	}
	window := chain.Query(Filter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}, 0)
	if len(window) != 2 || window[0].ID != 2 || window[1].ID != 3 {
		t.Fatalf("window = %+v", window)
	}
	if newest := chain.Query(Filter{}, 1); len(newest) != 1 || newest[0].ID != 4 {
		t.Fatalf("newest = %+v", newest)
	}

	e, ok := chain.Find("req-2")
	if !ok || e.ID != 3 {
		t.Fatalf("find req-2 = %+v, %v", e, ok)
	}
	if _, ok := chain.Find("req-99"); ok {
		t.Fatalf("found an unknown request")
	}
	if _, ok := chain.Find(""); ok {
		t.Fatalf("empty request id matched")
	}
}
