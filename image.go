package calltrace

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// SymbolKind is the kind of slot a symbol names.
type SymbolKind int

const (
	// KindImport is a call-table entry: a func variable callers go through.
	KindImport SymbolKind = iota
	// KindFunc is a function implementation, patched in its machine code.
	KindFunc
)

func (k SymbolKind) String() string {
	switch k {
	case KindImport:
		return "import"
	case KindFunc:
		return "func"
	}
	return fmt.Sprintf("SymbolKind(%d)", int(k))
}

// Symbol is a named, patchable location in an Image.
type Symbol struct {
	Name  string
	Kind  SymbolKind
	Image *Image

	// Type is the function type of the symbol, if known. It is nil for
	// symbols read from image files.
	Type reflect.Type

	// Receiver is the receiver type of a method, or nil.
	Receiver reflect.Type

	// Addr is the address of the slot for imports and the entry point for
	// functions.
	Addr uintptr

	target reflect.Value

	slotOnce sync.Once
	slot     Slot
	slotErr  error
}

// DisplayName is the demangled name used for filtering and output.
func (s *Symbol) DisplayName() string {
	return DisplayName(s.Name)
}

// Package returns the Go package path of the symbol, or "" if the name is
// not a Go symbol name.
func (s *Symbol) Package() string {
	return packageName(s.Name)
}

func (s *Symbol) String() string {
	if s.Image == nil {
		return s.Name
	}
	return s.Image.Name + ":" + s.Name
}

func packageName(name string) string {
	slash := strings.LastIndexByte(name, '/')
	dot := strings.IndexByte(name[slash+1:], '.')
	if dot < 0 {
		return ""
	}
	return name[:slash+1+dot]
}

// Image is a unit of code: the running program, a group of functions
// registered together, or an executable file on disk.
type Image struct {
	Name string

	// Base is the start of the image's text. Slide is the difference
	// between the address the image was linked at and where it runs. Go
	// modules are never slid.
	Base  uintptr
	Slide uintptr

	// Path is set for images read from a file.
	Path string

	mu      sync.RWMutex
	symbols []*Symbol
	byName  map[string]*Symbol
}

// NewImage returns an empty image. Add symbols, then hand it to
// Images.Load.
func NewImage(name string) *Image {
	return &Image{
		Name:   name,
		byName: map[string]*Symbol{},
	}
}

// Import registers a call-table entry. ptr must point to a variable of
// function type.
//
// The variable is patched with atomic stores. Callers that may run while it
// is patched must read it with Entry.
func (img *Image) Import(name string, ptr any) (*Symbol, error) {
	slot, err := newVarSlot(ptr)
	if err != nil {
		return nil, err
	}

	return img.add(&Symbol{
		Name:   name,
		Kind:   KindImport,
		Type:   slot.Type(),
		Addr:   slot.Addr(),
		target: reflect.ValueOf(ptr),
	})
}

// Func registers a function implementation under its runtime symbol name.
func (img *Image) Func(fn any) (*Symbol, error) {
	fnv, err := funcValue(fn)
	if err != nil {
		return nil, err
	}
	return img.addFunc(funcName(fnv), fnv, nil)
}

// FuncAs registers a function implementation under the given name.
func (img *Image) FuncAs(name string, fn any) (*Symbol, error) {
	fnv, err := funcValue(fn)
	if err != nil {
		return nil, err
	}
	return img.addFunc(name, fnv, nil)
}

// Method registers a method expression, such as (*T).M. The first
// parameter is taken as the receiver.
func (img *Image) Method(fn any) (*Symbol, error) {
	fnv, err := funcValue(fn)
	if err != nil {
		return nil, err
	}
	if fnv.Type().NumIn() == 0 {
		return nil, fmt.Errorf("%w: %s has no receiver", ErrUnsupportedTarget, funcName(fnv))
	}
	return img.addFunc(funcName(fnv), fnv, fnv.Type().In(0))
}

func (img *Image) addFunc(name string, fnv reflect.Value, recv reflect.Type) (*Symbol, error) {
	return img.add(&Symbol{
		Name:     name,
		Kind:     KindFunc,
		Type:     fnv.Type(),
		Receiver: recv,
		Addr:     fnv.Pointer(),
		target:   fnv,
	})
}

func funcValue(fn any) (reflect.Value, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: not a function, kind: %v", ErrUnsupportedTarget, fnv.Kind())
	}
	if fnv.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: nil function", ErrUnsupportedTarget)
	}
	return fnv, nil
}

// add appends sym to the symbol table. Registering the same name twice for
// the same location returns the existing symbol.
func (img *Image) add(sym *Symbol) (*Symbol, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if existing, ok := img.byName[sym.Name]; ok {
		if existing.Kind == sym.Kind && existing.Addr == sym.Addr {
			return existing, nil
		}
		return nil, fmt.Errorf("symbol %s is already registered in %s", sym.Name, img.Name)
	}

	sym.Image = img
	img.symbols = append(img.symbols, sym)
	img.byName[sym.Name] = sym
	return sym, nil
}

// Lookup returns the symbol registered as name, or nil.
func (img *Image) Lookup(name string) *Symbol {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.byName[name]
}

// Symbols returns the symbol table in registration order.
func (img *Image) Symbols() []*Symbol {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return slices.Clone(img.symbols)
}

// Images tracks the loaded images of the process.
type Images struct {
	mu        sync.RWMutex
	main      *Image
	images    []*Image
	byName    map[string]*Image
	callbacks []func(*Image)
}

// MainImageName is the name of the image representing the running program.
const MainImageName = "main"

// NewImages returns a set holding only the main image.
func NewImages() *Images {
	main := NewImage(MainImageName)
	main.Base = moduleText(reflect.ValueOf(NewImages).Pointer())

	return &Images{
		main:   main,
		images: []*Image{main},
		byName: map[string]*Image{main.Name: main},
	}
}

// Main returns the image of the running program.
func (is *Images) Main() *Image {
	return is.main
}

// Load adds an image and runs every load callback on it.
func (is *Images) Load(img *Image) error {
	is.mu.Lock()
	if _, ok := is.byName[img.Name]; ok {
		is.mu.Unlock()
		return fmt.Errorf("image %s is already loaded", img.Name)
	}
	is.images = append(is.images, img)
	is.byName[img.Name] = img
	callbacks := slices.Clone(is.callbacks)
	is.mu.Unlock()

	for _, cb := range callbacks {
		cb(img)
	}
	return nil
}

// Unload removes an image. The main image cannot be unloaded.
func (is *Images) Unload(name string) bool {
	is.mu.Lock()
	defer is.mu.Unlock()

	img, ok := is.byName[name]
	if !ok || img == is.main {
		return false
	}
	delete(is.byName, name)
	is.images = slices.DeleteFunc(is.images, func(i *Image) bool { return i == img })
	return true
}

// OnLoad registers a callback for every image loaded from now on.
// Registrations are never removed.
func (is *Images) OnLoad(cb func(*Image)) {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.callbacks = append(is.callbacks, cb)
}

// Get returns the loaded image called name, or nil.
func (is *Images) Get(name string) *Image {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return is.byName[name]
}

// All returns the loaded images in load order.
func (is *Images) All() []*Image {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return slices.Clone(is.images)
}
