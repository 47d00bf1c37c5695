// Package trigger implements the multi-stage byte-level trigger matcher
// that runs across transfer boundaries and fires exactly once per
// acquisition.
package trigger

// NStages is the fixed depth of the trigger pattern.
const NStages = 4

// Fired is the sentinel stage value meaning "the matcher has already
// fired; stream raw from here on". It replaces the original driver's
// overloaded use of -1/S for the same purpose with a named constant.
const Fired = NStages

// Matcher is stateful: it must see every byte of every transfer, in
// order, for the lifetime of one acquisition.
type Matcher struct {
	Stage  int
	Mask   [NStages]byte
	Value  [NStages]byte
	Buffer [NStages]byte
}

// New builds a matcher from per-stage masks/values. If no stage has an
// active mask, the matcher starts already Fired so every sample passes
// straight through (the "no trigger configured" case from §4.3.2).
func New(mask, value [NStages]byte) *Matcher {
	m := &Matcher{Mask: mask, Value: value}
	for _, mk := range mask {
		if mk != 0 {
			return m
		}
	}
	m.Stage = Fired
	return m
}

// Result reports the outcome of feeding one transfer's bytes to the
// matcher.
type Result struct {
	// Fired is true if the matcher fired during this call, or had
	// already fired on entry.
	Fired bool
	// Offset is the index within data of the first post-trigger byte.
	// Valid only when Fired is true. Firing on byte i gives i+1; 0
	// means "the whole buffer", which happens only when the matcher was
	// already Fired on entry.
	Offset int
	// TriggerBuffer holds the bytes that produced the match, to be
	// emitted as the first post-trigger LOGIC packet. Non-nil only on
	// the call where the matcher actually fires.
	TriggerBuffer []byte
}

// Feed advances the matcher over data, which is the body of one bulk-IN
// transfer. The matcher never reorders or buffers beyond what it needs
// to track the current stage.
func (m *Matcher) Feed(data []byte) Result {
	if m.Stage == Fired {
		return Result{Fired: true}
	}

	for i := 0; i < len(data); i++ {
		b := data[i]
		if b&m.Mask[m.Stage] == m.Value[m.Stage] {
			m.Buffer[m.Stage] = b
			m.Stage++
			if m.Stage == NStages || m.Mask[m.Stage] == 0 {
				matched := m.Stage
				tb := append([]byte(nil), m.Buffer[:matched]...)
				m.Stage = Fired
				return Result{Fired: true, Offset: i + 1, TriggerBuffer: tb}
			}
			continue
		}
		// Partial match broken: rewind to reconsider the bytes we
		// thought we'd matched as candidates for stage 0. Clamped so
		// the loop's i++ lands the next iteration on index 0.
		if m.Stage > 0 {
			i -= m.Stage
			if i < -1 {
				i = -1
			}
			m.Stage = 0
		}
	}

	return Result{}
}
