package splice

import "strings"

// Flags select the shutdown policy of an Operation. They combine freely.
type Flags uint

const (
	// CloseStream1 closes the first stream once both directions are done.
	CloseStream1 Flags = 1 << iota
	// CloseStream2 closes the second stream once both directions are done.
	CloseStream2
	// WaitForBoth lets each direction run until its own source reaches EOF.
	// Without it, the first direction to finish cancels the other one.
	WaitForBoth
	// CloseWriteOnEOF half-closes the destination's write side when a
	// direction's source reaches EOF, if the destination supports it.
	CloseWriteOnEOF

	// None is the default policy: cancel the peer direction on first
	// completion and leave both streams open.
	None Flags = 0
)

// Has reports whether every bit in flag is set in f.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	if f == None {
		return "none"
	}
	var parts []string
	if f.Has(CloseStream1) {
		parts = append(parts, "close-stream1")
	}
	if f.Has(CloseStream2) {
		parts = append(parts, "close-stream2")
	}
	if f.Has(WaitForBoth) {
		parts = append(parts, "wait-for-both")
	}
	if f.Has(CloseWriteOnEOF) {
		parts = append(parts, "close-write-on-eof")
	}
	return strings.Join(parts, "|")
}

// Direction identifies one of the two copy loops of an Operation.
type Direction int

const (
	// Forward copies from the first stream to the second.
	Forward Direction = iota
	// Reverse copies from the second stream to the first.
	Reverse
)

func (d Direction) String() string {
	if d == Forward {
		return "stream1->stream2"
	}
	return "stream2->stream1"
}

func (d Direction) other() Direction { return 1 - d }

// State is the lifecycle position of an Operation.
type State int

const (
	Idle State = iota
	Running
	OneSideDone
	BothDone
	Closing
	Completed
)

var stateNames = [...]string{
	Idle:        "idle",
	Running:     "running",
	OneSideDone: "one-side-done",
	BothDone:    "both-done",
	Closing:     "closing",
	Completed:   "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
