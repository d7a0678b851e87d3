package calltrace

import (
	"strings"

	"github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	"github.com/zeebo/xxh3"
)

const displayNameCacheSize = 4096

var displayNames, _ = freelru.NewSynced[string, string](displayNameCacheSize, hashString)

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// DisplayName returns the name used to filter and print a symbol. Itanium
// C++ and Rust v0 mangled names, as found in the symbol tables of native
// images, are demangled. Go symbol names are returned as is.
func DisplayName(name string) string {
	if !isMangled(name) {
		return name
	}

	if v, ok := displayNames.Get(name); ok {
		return v
	}

	// Mach-O prefixes every C symbol with an extra underscore.
	raw := name
	if strings.HasPrefix(raw, "__Z") || strings.HasPrefix(raw, "__R") {
		raw = raw[1:]
	}

	v := demangle.Filter(raw, demangle.NoClones)
	if v == raw {
		v = name
	}
	displayNames.Add(name, v)
	return v
}

func isMangled(name string) bool {
	for _, prefix := range []string{"_Z", "__Z", "_R", "__R"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
