package notification

type accumulationState int

const (
	idle accumulationState = iota
	accumulating
)

func (s accumulationState) String() string {
	if s == accumulating {
		return "accumulating"
	}

	return "idle"
}

// accumulator is the state machine behind the accumulation window.
//
//	idle --start--> accumulating(1, [])
//	accumulating(n, b) --start--> accumulating(n+1, b)
//	accumulating(n, b) --post--> accumulating(n, merge(b, x))
//	accumulating(n>1, b) --finish--> accumulating(n-1, b)
//	accumulating(1, b) --finish--> idle, releasing b
//	idle --finish--> idle
//
// The buffer is empty whenever the state is idle. It is not safe for
// concurrent use; the Sender guards it.
type accumulator struct {
	state  accumulationState
	depth  int
	buffer []Notification
}

// start opens a window. It reports whether this was the outermost start.
func (a *accumulator) start() bool {
	a.depth++

	if a.state == idle {
		a.state = accumulating

		return true
	}

	return false
}

// accumulate buffers n when accumulating. It reports whether n was taken and
// whether it merged into an earlier notification.
func (a *accumulator) accumulate(n Notification) (taken, merged bool) {
	if a.state == idle {
		return false, false
	}

	a.buffer, merged = merge(a.buffer, n)

	return true, merged
}

// closing reports whether the next finish closes the outermost window.
func (a *accumulator) closing() bool {
	return a.state == accumulating && a.depth == 1
}

// finish closes a window. When the outermost window closes it returns the
// buffer in merge order and reports ended.
func (a *accumulator) finish() (flushed []Notification, ended bool) {
	if a.state == idle {
		return nil, false
	}

	a.depth--
	if a.depth > 0 {
		return nil, false
	}

	flushed = a.buffer
	a.buffer = nil
	a.state = idle

	return flushed, true
}

// discard drops the buffer and returns to idle.
func (a *accumulator) discard() []Notification {
	dropped := a.buffer

	a.buffer = nil
	a.depth = 0
	a.state = idle

	return dropped
}
