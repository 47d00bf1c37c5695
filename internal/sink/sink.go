// Package sink defines the datafeed contract the acquisition engine emits
// packets to. The session/datafeed bus itself is explicitly out of scope
// (spec.md §1): this package only ships the contract plus two small
// implementations, a channel-backed one used by the CLI and a Recorder
// used by tests, that stand in for a real session bus the way the teacher's ASICDevice
// stands in front of a real gRPC transport in internal/driver/host.
package sink

import "time"

// Kind tags a Packet's payload variant.
type Kind int

const (
	Header Kind = iota
	Logic
	Trigger
	End
)

func (k Kind) String() string {
	switch k {
	case Header:
		return "HEADER"
	case Logic:
		return "LOGIC"
	case Trigger:
		return "TRIGGER"
	case End:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// HeaderPayload carries the acquisition's framing information.
type HeaderPayload struct {
	FeedVersion    int
	StartTime      time.Time
	SampleRate     uint64
	NumLogicProbes int
}

// LogicPayload carries one batch of captured samples.
type LogicPayload struct {
	UnitSizeBytes int
	Data          []byte
}

// Packet is the tagged union emitted to the session sink.
type Packet struct {
	Kind   Kind
	Header HeaderPayload
	Logic  LogicPayload
}

// Sink is the abstract consumer of datafeed packets, supplied by the host
// application at acquisition start.
type Sink interface {
	Send(Packet) error
}

// Channel is a Sink backed by a buffered Go channel, used by the CLI in
// both its summary and live-monitor modes.
type Channel struct {
	packets chan Packet
}

// NewChannel creates a Channel sink with the given buffer depth.
func NewChannel(buffer int) *Channel {
	return &Channel{packets: make(chan Packet, buffer)}
}

func (c *Channel) Send(p Packet) error {
	c.packets <- p
	return nil
}

// C exposes the receive side of the channel for consumers.
func (c *Channel) C() <-chan Packet { return c.packets }

// Close signals that no more packets will be sent.
func (c *Channel) Close() { close(c.packets) }

// Recorder is a Sink that stores every packet it receives, for tests that
// want to assert on the full trace.
type Recorder struct {
	Packets []Packet
}

func (r *Recorder) Send(p Packet) error {
	r.Packets = append(r.Packets, p)
	return nil
}
