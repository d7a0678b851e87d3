package calltrace

import "github.com/petermattis/goid"

// callStack is the trace state of one goroutine. It is only ever touched by
// the goroutine that owns it.
type callStack struct {
	depth   int
	anchors []anchor

	// busy is set while the recorder itself is running so that traced
	// functions it calls are passed straight through.
	busy bool
}

// anchor is a directly selected call whose callees are reported up to
// subLevels deep, counting the anchor itself.
type anchor struct {
	depth     int
	subLevels int
}

func (s *callStack) withinBudget() bool {
	if len(s.anchors) == 0 {
		return false
	}
	a := s.anchors[len(s.anchors)-1]
	return s.depth-a.depth < a.subLevels
}

func (s *callStack) push(a anchor) {
	s.anchors = append(s.anchors, a)
}

func (s *callStack) pop() {
	s.anchors = s.anchors[:len(s.anchors)-1]
}

func goroutineID() int64 {
	return goid.Get()
}
