package calltrace

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Rebinding replaces the call-table entry Name with Replacement. If Replaced
// is a pointer to a func variable, the previous entry is stored there so the
// replacement can forward to it.
type Rebinding struct {
	Name        string
	Replacement any
	Replaced    any
}

// Interposer redirects call-table entries across images.
type Interposer struct {
	store  *Store
	images *Images
	log    log.FieldLogger
	report func(target string, err error)

	mu         sync.Mutex
	pending    [][]Rebinding
	registered bool
}

// NewInterposer returns an interposer that installs through store. A nil
// logger uses the logrus standard logger.
func NewInterposer(store *Store, images *Images, logger log.FieldLogger) *Interposer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Interposer{
		store:  store,
		images: images,
		log:    logger,
	}
}

// Interpose applies rbs to the call table of img. Names the image does not
// import are skipped. It returns the number of entries replaced and the
// errors of entries that could not be.
func (ip *Interposer) Interpose(img *Image, rbs []Rebinding) (int, error) {
	var errs []error
	n := 0
	for _, rb := range rbs {
		sym := img.Lookup(rb.Name)
		if sym == nil || sym.Kind != KindImport {
			continue
		}

		applied, err := ip.rebind(sym, rb)
		if err != nil {
			errs = append(errs, &TargetError{Name: sym.String(), Err: err})
			continue
		}
		if applied {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// errAlreadyBound stops an install whose slot already holds the
// replacement. Chaining it again would make Replaced point at itself.
var errAlreadyBound = errors.New("already bound")

// rebind installs rb on sym. It reports false, with no error, when the slot
// already holds rb.Replacement.
func (ip *Interposer) rebind(sym *Symbol, rb Rebinding) (bool, error) {
	slot, err := ResolveSlot(sym)
	if err != nil {
		return false, err
	}

	repl := reflect.ValueOf(rb.Replacement)
	err = checkSignature(slot.Type(), repl)
	if err != nil {
		return false, err
	}

	var replaced reflect.Value
	if rb.Replaced != nil {
		replaced = reflect.ValueOf(rb.Replaced)
		if replaced.Kind() != reflect.Pointer || replaced.IsNil() || replaced.Elem().Kind() != reflect.Func {
			return false, fmt.Errorf("%w: Replaced must be a pointer to a func variable, got %T", ErrUnsupportedTarget, rb.Replaced)
		}
		err = checkSignature(replaced.Elem().Type(), slot.Load())
		if err != nil {
			return false, err
		}
	}

	_, err = ip.store.Install(slot, sym.Name, func(prev reflect.Value) (reflect.Value, error) {
		if !prev.IsNil() && funcWord(prev) == funcWord(repl) {
			return reflect.Value{}, errAlreadyBound
		}
		if replaced.IsValid() {
			replaced.Elem().Set(prev.Convert(replaced.Elem().Type()))
		}
		return repl, nil
	}, nil, KindInterpose)
	if errors.Is(err, errAlreadyBound) {
		ip.log.WithField("symbol", sym.String()).Debug("entry already rebound")
		return false, nil
	}
	return err == nil, err
}

// RebindSymbols applies rbs to every loaded image and to every image loaded
// later. Registrations accumulate. When an image is loaded, a name rebound
// by more than one registration gets the most recent replacement.
func (ip *Interposer) RebindSymbols(rbs []Rebinding) (int, error) {
	ip.mu.Lock()
	ip.pending = append(ip.pending, slices.Clone(rbs))
	first := !ip.registered
	ip.registered = true
	ip.mu.Unlock()

	if first {
		ip.images.OnLoad(ip.imageLoaded)
	}

	var errs []error
	total := 0
	for _, img := range ip.images.All() {
		n, err := ip.Interpose(img, rbs)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (ip *Interposer) imageLoaded(img *Image) {
	rbs := ip.merged()
	if len(rbs) == 0 {
		return
	}

	n, err := ip.Interpose(img, rbs)
	ip.log.WithFields(log.Fields{
		"image":   img.Name,
		"rebound": n,
	}).Debug("applied rebindings to new image")

	if err == nil || ip.report == nil {
		return
	}
	for _, e := range unwrapJoined(err) {
		var te *TargetError
		if errors.As(e, &te) {
			ip.report(te.Name, te.Err)
		} else {
			ip.report(img.Name, e)
		}
	}
}

// merged flattens the pending registrations, keeping the latest rebinding
// for each name in the position the name first appeared.
func (ip *Interposer) merged() []Rebinding {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	var out []Rebinding
	index := map[string]int{}
	for _, rbs := range ip.pending {
		for _, rb := range rbs {
			if i, ok := index[rb.Name]; ok {
				out[i] = rb
				continue
			}
			index[rb.Name] = len(out)
			out = append(out, rb)
		}
	}
	return out
}

// RevertInterposes undoes every interpose patch, newest first, and drops
// the rebindings registered for future images. Trace patches chained above
// an interposed entry are invalidated and returned.
func (ip *Interposer) RevertInterposes() (int, []*PatchRecord) {
	ip.mu.Lock()
	ip.pending = nil
	ip.mu.Unlock()

	var invalidated []*PatchRecord
	n := 0
	records := ip.store.Records()
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Kind != KindInterpose || !rec.Active() {
			continue
		}

		inv, err := ip.store.Undo(rec)
		if err != nil {
			ip.log.WithError(err).WithField("symbol", rec.Name).Error("unable to revert interpose")
			continue
		}
		invalidated = append(invalidated, inv...)
		n++
	}
	return n, invalidated
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
