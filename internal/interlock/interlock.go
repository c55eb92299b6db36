// Package interlock manages safety switches that operators engage to block
// automated actuation on a grid resource. State is persisted to
// interlocks.yaml and every change is recorded in the audit ledger.
package interlock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gridops/gridledger/internal/audit"
	"gopkg.in/yaml.v3"
)

// Recorder appends an audit entry. *audit.Ledger satisfies it.
type Recorder interface {
	Log(ctx context.Context, d audit.Draft) (audit.Entry, error)
}

// Switch is one engaged safety switch as stored in interlocks.yaml.
type Switch struct {
	ID        string    `yaml:"id" json:"id"`
	EngagedAt time.Time `yaml:"engaged_at" json:"engagedAt"`
	Reason    string    `yaml:"reason" json:"reason"`
	EngagedBy string    `yaml:"engaged_by" json:"engagedBy"`
}

type fileFormat struct {
	Interlocks []Switch `yaml:"interlocks"`
}

// Set is the collection of engaged switches.
//
// IsEngaged is read on every actuation check from many goroutines, while
// Engage/Release/Reload modify the state.
type Set struct {
	mu       sync.RWMutex
	engaged  map[string]Switch
	path     string
	recorder Recorder
	now      func() time.Time
}

// Open loads the switch state from path. A missing file means nothing is
// engaged.
func Open(path string, recorder Recorder) (*Set, error) {
	s := &Set{
		engaged:  make(map[string]Switch),
		path:     path,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := s.loadFromFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsEngaged reports whether the switch id is engaged.
func (s *Set) IsEngaged(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.engaged[id]
	return ok
}

// List returns the engaged switches sorted by id.
func (s *Set) List() []Switch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Switch, 0, len(s.engaged))
	for _, sw := range s.engaged {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Engage engages switch id. Engaging an engaged switch is a no-op and
// records nothing. If the audit entry cannot be recorded the switch is
// left released and the error is returned.
func (s *Set) Engage(ctx context.Context, id, reason, operator string) error {
	if id == "" {
		return fmt.Errorf("interlock id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.engaged[id]; ok {
		return nil
	}

	sw := Switch{ID: id, EngagedAt: s.now(), Reason: reason, EngagedBy: operator}
	s.engaged[id] = sw

	_, err := s.record(ctx, audit.Draft{
		Operator: operator,
		Kind:     audit.KindSafetySwitch,
		Resource: id,
		Details:  fmt.Sprintf("Safety switch %s engaged: %s", id, reason),
		Metadata: audit.Metadata{"action": "engage", "reason": reason},
	})
	if err != nil {
		delete(s.engaged, id)
		return fmt.Errorf("recording engage of %s: %w", id, err)
	}

	slog.Warn("safety switch engaged", "id", id, "reason", reason, "by", operator)
	return s.saveToFile()
}

// Release releases switch id. Releasing a released switch is a no-op.
// If the audit entry cannot be recorded the switch stays engaged.
func (s *Set) Release(ctx context.Context, id, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.engaged[id]
	if !ok {
		return nil
	}
	delete(s.engaged, id)

	_, err := s.record(ctx, audit.Draft{
		Operator: operator,
		Kind:     audit.KindSafetySwitch,
		Resource: id,
		Details:  fmt.Sprintf("Safety switch %s released", id),
		Metadata: audit.Metadata{
			"action":    "release",
			"engagedBy": prev.EngagedBy,
			"heldMs":    s.now().Sub(prev.EngagedAt).Milliseconds(),
		},
	})
	if err != nil {
		s.engaged[id] = prev
		return fmt.Errorf("recording release of %s: %w", id, err)
	}

	slog.Info("safety switch released", "id", id, "by", operator)
	return s.saveToFile()
}

// Reload re-reads interlocks.yaml. Called by the config watcher when the
// file changes on disk. Changes made by hand are not recorded.
func (s *Set) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.engaged
	s.engaged = make(map[string]Switch)
	if err := s.loadFromFile(); err != nil {
		s.engaged = prev
		return err
	}

	slog.Info("interlocks reloaded", "engaged", len(s.engaged))
	return nil
}

func (s *Set) record(ctx context.Context, d audit.Draft) (audit.Entry, error) {
	if s.recorder == nil {
		return audit.Entry{}, nil
	}
	return s.recorder.Log(ctx, d)
}

// loadFromFile reads interlocks.yaml. Caller must hold the mutex.
func (s *Set) loadFromFile() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading interlocks %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing interlocks %s: %w", s.path, err)
	}
	for _, sw := range f.Interlocks {
		s.engaged[sw.ID] = sw
	}
	return nil
}

// saveToFile writes the engaged set. Caller must hold the mutex.
func (s *Set) saveToFile() error {
	f := fileFormat{Interlocks: make([]Switch, 0, len(s.engaged))}
	for _, sw := range s.engaged {
		f.Interlocks = append(f.Interlocks, sw)
	}
	sort.Slice(f.Interlocks, func(i, j int) bool { return f.Interlocks[i].ID < f.Interlocks[j].ID })

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling interlocks: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}
