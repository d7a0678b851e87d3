package calltrace

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blacktop/go-macho"
)

var (
	elfMagic     = []byte(elf.ELFMAG)
	machoMagic32 = []byte{0xfe, 0xed, 0xfa, 0xce}
	machoMagic64 = []byte{0xfe, 0xed, 0xfa, 0xcf}
)

// OpenImageFile reads the symbol table of an ELF or Mach-O executable or
// shared library. The image is not loaded into the process, so its symbols
// can be listed but not patched.
func OpenImageFile(path string) (*Image, error) {
	magic, err := readMagic(path)
	if err != nil {
		return nil, err
	}

	img := NewImage(filepath.Base(path))
	img.Path = path

	switch {
	case bytes.Equal(magic, elfMagic):
		err = readELFSymbols(img, path)
	case isMachO(magic):
		err = readMachOSymbols(img, path)
	default:
		return nil, fmt.Errorf("%w: %s is not an ELF or Mach-O file", ErrUnsupportedTarget, path)
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

func readMagic(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return magic, nil
}

func isMachO(magic []byte) bool {
	for _, m := range [][]byte{machoMagic32, machoMagic64} {
		if bytes.Equal(magic, m) {
			return true
		}
		// Byte-swapped
		if magic[0] == m[3] && magic[1] == m[2] && magic[2] == m[1] && magic[3] == m[0] {
			return true
		}
	}
	return false
}

func readELFSymbols(img *Image, path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img.Base = ^uintptr(0)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && uintptr(p.Vaddr) < img.Base {
			img.Base = uintptr(p.Vaddr)
		}
	}
	if img.Base == ^uintptr(0) {
		img.Base = 0
	}

	// Static executables have no dynamic symbols.
	imports, err := f.ImportedSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return err
	}
	for _, sym := range imports {
		img.addFileSymbol(sym.Name, KindImport, 0)
	}

	syms, err := f.Symbols()
	if err == elf.ErrNoSymbols {
		return nil
	}
	if err != nil {
		return err
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		img.addFileSymbol(sym.Name, KindFunc, uintptr(sym.Value))
	}
	return nil
}

func readMachOSymbols(img *Image, path string) error {
	f, err := macho.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if text := f.Segment("__TEXT"); text != nil {
		img.Base = uintptr(text.Addr)
	}

	if f.Symtab == nil {
		return nil
	}
	syms := f.Symtab.Syms

	// The undefined external symbols are the ones bound at load time.
	if dt := f.Dysymtab; dt != nil {
		lo, hi := int(dt.Iundefsym), int(dt.Iundefsym+dt.Nundefsym)
		if lo <= hi && hi <= len(syms) {
			for _, sym := range syms[lo:hi] {
				img.addFileSymbol(sym.Name, KindImport, 0)
			}
		}
	}

	for _, sym := range syms {
		if sym.Type.IsDebugSym() || !sym.Type.IsDefinedInSection() {
			continue
		}
		img.addFileSymbol(sym.Name, KindFunc, uintptr(sym.Value))
	}
	return nil
}

// addFileSymbol adds a symbol without a target. Duplicate names, which are
// common for local symbols, keep the first entry.
func (img *Image) addFileSymbol(name string, kind SymbolKind, addr uintptr) {
	if name == "" {
		return
	}

	img.mu.Lock()
	defer img.mu.Unlock()

	if _, ok := img.byName[name]; ok {
		return
	}
	sym := &Symbol{
		Name:  name,
		Kind:  kind,
		Image: img,
		Addr:  addr,
	}
	img.symbols = append(img.symbols, sym)
	img.byName[name] = sym
}
