package interlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gridops/gridledger/internal/audit"
)

func openLedger(t *testing.T) *audit.Ledger {
	t.Helper()
	l, err := audit.Open(context.Background(), audit.Options{Store: audit.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Log(context.Context, audit.Draft) (audit.Entry, error) {
	f.calls++
	return audit.Entry{}, errors.New("digest unavailable")
}

func TestOpen_NonexistentFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "interlocks.yaml"), nil)
	if err != nil {
		t.Fatalf("Open with nonexistent file should not error: %v", err)
	}
	if s.IsEngaged("breaker-1") {
		t.Error("nothing should be engaged initially")
	}
	if len(s.List()) != 0 {
		t.Errorf("expected empty list, got %v", s.List())
	}
}

func TestOpen_LoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlocks.yaml")
	data := []byte("interlocks:\n  - id: feeder-12\n    engaged_at: \"2026-01-01T00:00:00Z\"\n    reason: \"crew on line\"\n    engaged_by: \"op-3\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsEngaged("feeder-12") {
		t.Error("feeder-12 should be engaged after loading")
	}
	if got := s.List()[0].EngagedBy; got != "op-3" {
		t.Errorf("engaged_by: expected op-3, got %q", got)
	}
}

func TestEngage_RecordsSafetySwitchEntry(t *testing.T) {
	l := openLedger(t)
	s, _ := Open(filepath.Join(t.TempDir(), "interlocks.yaml"), l)

	if err := s.Engage(context.Background(), "breaker-7", "maintenance", "op-1"); err != nil {
		t.Fatal(err)
	}
	if !s.IsEngaged("breaker-7") {
		t.Fatal("breaker-7 should be engaged")
	}

	recent := l.Recent(0)
	if len(recent) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(recent))
	}
	e := recent[0]
	if e.Kind != audit.KindSafetySwitch || e.Resource != "breaker-7" || e.Operator != "op-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Metadata["action"] != "engage" {
		t.Errorf("action: expected engage, got %v", e.Metadata["action"])
	}
}

func TestEngage_Idempotent(t *testing.T) {
	l := openLedger(t)
	s, _ := Open(filepath.Join(t.TempDir(), "interlocks.yaml"), l)

	_ = s.Engage(context.Background(), "breaker-7", "first", "op-1")
	_ = s.Engage(context.Background(), "breaker-7", "second", "op-2")

	if got := s.List()[0].Reason; got != "first" {
		t.Errorf("second engage should be a no-op, reason is %q", got)
	}
	if n := l.Status().Entries; n != 1 {
		t.Errorf("expected 1 ledger entry, got %d", n)
	}
}

func TestEngage_EmptyID(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "interlocks.yaml"), nil)
	if err := s.Engage(context.Background(), "", "x", "op"); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestEngage_RecorderFailureRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlocks.yaml")
	rec := &failingRecorder{}
	s, _ := Open(path, rec)

	if err := s.Engage(context.Background(), "breaker-7", "maintenance", "op-1"); err == nil {
		t.Fatal("expected recorder error")
	}
	if s.IsEngaged("breaker-7") {
		t.Error("engage should be rolled back when recording fails")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("nothing should be persisted when recording fails")
	}
}

func TestRelease(t *testing.T) {
	l := openLedger(t)
	s, _ := Open(filepath.Join(t.TempDir(), "interlocks.yaml"), l)

	_ = s.Engage(context.Background(), "breaker-7", "maintenance", "op-1")
	if err := s.Release(context.Background(), "breaker-7", "op-2"); err != nil {
		t.Fatal(err)
	}
	if s.IsEngaged("breaker-7") {
		t.Error("breaker-7 should be released")
	}

	recent := l.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(recent))
	}
	if recent[0].Metadata["action"] != "release" || recent[0].Operator != "op-2" {
		t.Errorf("unexpected release entry: %+v", recent[0])
	}
	res, err := l.Verify(context.Background())
	if err != nil || !res.Valid {
		t.Errorf("chain should verify: %+v, %v", res, err)
	}
}

func TestRelease_NotEngaged(t *testing.T) {
	rec := &failingRecorder{}
	s, _ := Open(filepath.Join(t.TempDir(), "interlocks.yaml"), rec)

	if err := s.Release(context.Background(), "ghost", "op"); err != nil {
		t.Errorf("release of a released switch should be a no-op: %v", err)
	}
	if rec.calls != 0 {
		t.Error("no entry should be recorded for a no-op release")
	}
}

func TestRelease_RecorderFailureKeepsEngaged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlocks.yaml")
	s, _ := Open(path, nil)
	_ = s.Engage(context.Background(), "breaker-7", "maintenance", "op-1")

	s.recorder = &failingRecorder{}
	if err := s.Release(context.Background(), "breaker-7", "op-2"); err == nil {
		t.Fatal("expected recorder error")
	}
	if !s.IsEngaged("breaker-7") {
		t.Error("switch should stay engaged when recording fails")
	}
}

func TestPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlocks.yaml")
	s1, _ := Open(path, nil)
	_ = s1.Engage(context.Background(), "breaker-7", "maintenance", "op-1")
	_ = s1.Engage(context.Background(), "capacitor-2", "fault", "op-1")

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.IsEngaged("breaker-7") || !s2.IsEngaged("capacitor-2") {
		t.Error("engaged switches should persist across Open")
	}

	_ = s1.Release(context.Background(), "breaker-7", "op-1")
	if err := s2.Reload(); err != nil {
		t.Fatal(err)
	}
	if s2.IsEngaged("breaker-7") {
		t.Error("breaker-7 should be released after Reload")
	}
	if !s2.IsEngaged("capacitor-2") {
		t.Error("capacitor-2 should still be engaged after Reload")
	}
}

func TestReload_InvalidFileKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interlocks.yaml")
	s, _ := Open(path, nil)
	_ = s.Engage(context.Background(), "breaker-7", "maintenance", "op-1")

	if err := os.WriteFile(path, []byte("{{{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Error("expected error for invalid YAML")
	}
	if !s.IsEngaged("breaker-7") {
		t.Error("state should be kept when reload fails")
	}
}
