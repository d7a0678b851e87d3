package calltrace

import (
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/davecgh/go-spew/spew"
)

const maxValueWidth = 64

var valueConfig = spew.ConfigState{
	DisableMethods:          true,
	DisablePointerMethods:   true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
	MaxDepth:                2,
}

// formatValues summarizes an argument or result frame for display. It never
// calls methods on the values, and a value that cannot be formatted is shown
// as its type.
func formatValues(vals []reflect.Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ", ")
}

func formatValue(v reflect.Value) (s string) {
	if !v.IsValid() {
		return "<invalid>"
	}
	if !v.CanInterface() {
		return v.Type().String()
	}

	defer func() {
		if recover() != nil {
			s = v.Type().String()
		}
	}()

	if v.Kind() == reflect.String {
		s = strconv.Quote(v.String())
	} else {
		s = valueConfig.Sprintf("%v", v.Interface())
	}
	return truncate(s, maxValueWidth)
}

// truncate shortens s to at most width bytes, ending in "...", without
// splitting a rune.
func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	end := width - 3
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + "..."
}
