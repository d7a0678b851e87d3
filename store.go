package calltrace

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// PatchKind says which subsystem installed a patch.
type PatchKind int

const (
	KindTrace PatchKind = iota
	KindInterpose
)

func (k PatchKind) String() string {
	switch k {
	case KindTrace:
		return "trace"
	case KindInterpose:
		return "interpose"
	}
	return fmt.Sprintf("PatchKind(%d)", int(k))
}

// RecordState is the lifecycle state of a PatchRecord.
type RecordState int32

const (
	StateActive RecordState = iota
	StateUndone
	// StateInvalidated marks records that were chained above a record that
	// was undone out of order. Their slot no longer routes through them.
	StateInvalidated
)

func (s RecordState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateUndone:
		return "undone"
	case StateInvalidated:
		return "invalidated"
	}
	return fmt.Sprintf("RecordState(%d)", int32(s))
}

// PatchRecord describes one installed patch.
type PatchRecord struct {
	Slot Slot
	Name string

	// Original is the slot's value immediately before this patch. It may be
	// another record's Installed value.
	Original  reflect.Value
	Installed reflect.Value

	Seq   uint64
	Kind  PatchKind
	Trace *Trace

	state atomic.Int32
}

// State returns the record's current state.
func (r *PatchRecord) State() RecordState {
	return RecordState(r.state.Load())
}

// Active reports whether the record is still installed.
func (r *PatchRecord) Active() bool {
	return r.State() == StateActive
}

func (r *PatchRecord) String() string {
	return fmt.Sprintf("#%d %s %s (%s)", r.Seq, r.Kind, r.Name, r.State())
}

// BuildFunc returns the value to install given the slot's current value.
type BuildFunc func(prev reflect.Value) (reflect.Value, error)

// Store is the registry of installed patches. All methods are safe to call
// while patched functions are running.
type Store struct {
	// MaxChainDepth limits the number of records on one slot. Zero means no
	// limit.
	MaxChainDepth int

	mu      sync.Mutex
	seq     uint64
	records []*PatchRecord
	chains  map[uintptr][]*PatchRecord
	log     log.FieldLogger
}

// NewStore returns an empty store. A nil logger uses the logrus standard
// logger.
func NewStore(logger log.FieldLogger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		chains: map[uintptr][]*PatchRecord{},
		log:    logger,
	}
}

// Install loads the current value of slot, passes it to build, and stores
// the result. If build or the store fails the slot is left untouched.
func (s *Store) Install(slot Slot, name string, build BuildFunc, trace *Trace, kind PatchKind) (*PatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := slot.Addr()
	chain := s.chains[addr]
	if s.MaxChainDepth > 0 && len(chain) >= s.MaxChainDepth {
		return nil, fmt.Errorf("%w: %d patches on %s", ErrChainTooDeep, len(chain), name)
	}

	prev := slot.Load()
	next, err := build(prev)
	if err != nil {
		return nil, err
	}

	err = slot.Store(next)
	if err != nil {
		return nil, err
	}

	s.seq++
	rec := &PatchRecord{
		Slot:      slot,
		Name:      name,
		Original:  prev,
		Installed: next,
		Seq:       s.seq,
		Kind:      kind,
		Trace:     trace,
	}
	s.records = append(s.records, rec)
	s.chains[addr] = append(chain, rec)

	s.log.WithFields(log.Fields{
		"symbol": name,
		"kind":   kind,
		"seq":    rec.Seq,
		"depth":  len(chain) + 1,
	}).Debug("installed patch")

	return rec, nil
}

// Undo restores the slot of rec to the value it had before rec was
// installed. Records chained above rec on the same slot are invalidated and
// returned.
func (s *Store) Undo(rec *PatchRecord) ([]*PatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undo(rec)
}

func (s *Store) undo(rec *PatchRecord) ([]*PatchRecord, error) {
	if !rec.Active() {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, rec)
	}

	addr := rec.Slot.Addr()
	chain := s.chains[addr]
	i := slices.Index(chain, rec)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, rec)
	}

	err := rec.Slot.Store(rec.Original)
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %w", rec.Name, err)
	}

	invalidated := slices.Clone(chain[i+1:])
	rec.state.Store(int32(StateUndone))
	for _, r := range invalidated {
		r.state.Store(int32(StateInvalidated))
	}

	if i == 0 {
		delete(s.chains, addr)
	} else {
		s.chains[addr] = chain[:i:i]
	}
	s.records = slices.DeleteFunc(s.records, func(r *PatchRecord) bool {
		return !r.Active()
	})

	entry := s.log.WithFields(log.Fields{
		"symbol": rec.Name,
		"kind":   rec.Kind,
		"seq":    rec.Seq,
	})
	if len(invalidated) > 0 {
		entry.WithField("invalidated", len(invalidated)).Warn("undid patch out of order")
	} else {
		entry.Debug("undid patch")
	}

	return invalidated, nil
}

// UndoLast undoes the most recently installed record. It returns false if
// there was nothing to undo or the slot could not be restored.
func (s *Store) UndoLast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == 0 {
		return false
	}

	_, err := s.undo(s.records[len(s.records)-1])
	if err != nil {
		s.log.WithError(err).Error("unable to undo patch")
		return false
	}
	return true
}

// UndoAll undoes every record in reverse install order and returns how many
// were undone.
func (s *Store) UndoAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for len(s.records) > 0 {
		_, err := s.undo(s.records[len(s.records)-1])
		if err != nil {
			s.log.WithError(err).Error("unable to undo patch")
			break
		}
		n++
	}
	return n
}

// Records returns the active records in install order.
func (s *Store) Records() []*PatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Chain returns the active records on slot, oldest first.
func (s *Store) Chain(slot Slot) []*PatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chains[slot.Addr()])
}

// Len returns the number of active records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
