package calltrace

import (
	"fmt"
	"regexp"
)

// ScopeKind says how a Scope selects symbols.
type ScopeKind int

const (
	ScopeImage ScopeKind = iota
	ScopeMain
	ScopeAll
	ScopePattern
	ScopeInstance
	ScopeSymbols
	ScopeFile
)

// Scope selects the symbols a trace applies to.
type Scope struct {
	Kind ScopeKind

	// Name is the image name for ScopeImage and the path for ScopeFile.
	Name     string
	Pattern  *regexp.Regexp
	Instance any
	Symbols  []*Symbol
}

// ImageScope selects every symbol of the named image.
func ImageScope(name string) Scope {
	return Scope{Kind: ScopeImage, Name: name}
}

// MainScope selects every symbol of the main image.
func MainScope() Scope {
	return Scope{Kind: ScopeMain}
}

// AllScope selects every symbol of every loaded image.
func AllScope() Scope {
	return Scope{Kind: ScopeAll}
}

// PatternScope selects symbols of every loaded image whose display name
// matches re.
func PatternScope(re *regexp.Regexp) Scope {
	return Scope{Kind: ScopePattern, Pattern: re}
}

// InstanceScope selects the methods of ptr's type. Only calls with ptr as
// the receiver are reported.
func InstanceScope(ptr any) Scope {
	return Scope{Kind: ScopeInstance, Instance: ptr}
}

// SymbolScope selects exactly the given symbols.
func SymbolScope(syms ...*Symbol) Scope {
	return Scope{Kind: ScopeSymbols, Symbols: syms}
}

// FileScope selects the symbols of an executable file. It can only be used
// to list names.
func FileScope(path string) Scope {
	return Scope{Kind: ScopeFile, Name: path}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeImage:
		return "image " + s.Name
	case ScopeMain:
		return "main image"
	case ScopeAll:
		return "all images"
	case ScopePattern:
		if s.Pattern == nil {
			return "pattern <nil>"
		}
		return "pattern " + s.Pattern.String()
	case ScopeInstance:
		return fmt.Sprintf("instance %T", s.Instance)
	case ScopeSymbols:
		return fmt.Sprintf("%d symbols", len(s.Symbols))
	case ScopeFile:
		return "file " + s.Name
	}
	return fmt.Sprintf("Scope(%d)", int(s.Kind))
}
