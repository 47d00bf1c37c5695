// Package acquisition implements the streaming acquisition engine (C5):
// it pulls sample data off the device's bulk IN endpoint, runs it through
// the trigger matcher, and emits datafeed packets to a sink until the
// caller stops it, the device goes quiet, or the sample limit is hit.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guiperry/fx2la/internal/sink"
	"github.com/guiperry/fx2la/internal/trigger"
	"github.com/guiperry/fx2la/internal/usbio"
)

// bulkInEndpoint is the FX2 sample-stream endpoint address (spec.md §6).
const bulkInEndpoint = 0x82

// firstBufferSize and restBufferSize are the transfer buffer sizes from
// spec.md §4.5 step 2: the first slot is smaller so the engine can start
// emitting LOGIC packets sooner.
const (
	firstBufferSize = 2048
	restBufferSize  = 4096
)

// transferTimeout bounds each individual bulk read, mirroring the
// source's 40ms per-transfer timeout.
const transferTimeout = 40 * time.Millisecond

// State replaces the source's num_samples==-1 kill-switch with a named
// state machine.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

// ErrAlreadyRunning is returned by Start when the engine is already active.
var ErrAlreadyRunning = errors.New("acquisition: already running")

// Params configures one acquisition run. Dev, Sink and Matcher are
// supplied fresh (or reset) for every Start.
type Params struct {
	Dev     usbio.Device
	Sink    sink.Sink
	Matcher *trigger.Matcher

	NumSimulTransfers int
	MaxEmptyTransfers int
	SampleLimit       uint64
	SampleRate        uint64
	NumProbes         int

	// PretriggerBytes sizes the ring buffer that retains bytes seen while
	// still searching for the trigger. 0 (the default) preserves the
	// original discard-on-no-match behavior.
	PretriggerBytes int
}

// Engine owns everything about one device's in-flight acquisition: the
// transfer worker pool, the trigger matcher, and the sample/empty-
// transfer counters, none of which are process-wide statics.
type Engine struct {
	mu     sync.Mutex
	state  State
	params Params

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	doneCh  chan struct{}

	seqCounter int64
	numSamples uint64
	emptyCount int

	ring []byte
}

// New builds an idle Engine. Start must be called before it does anything.
func New() *Engine {
	return &Engine{state: Idle, doneCh: closedChan()}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start launches the worker pool and begins streaming. It returns once
// the HEADER packet has been emitted and workers are running; the
// acquisition itself proceeds asynchronously.
func (e *Engine) Start(ctx context.Context, p Params) error {
	e.mu.Lock()
	if e.state == Running || e.state == Stopping {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if p.NumSimulTransfers <= 0 {
		p.NumSimulTransfers = 1
	}
	e.params = p
	e.numSamples = 0
	e.emptyCount = 0
	e.ring = nil
	e.seqCounter = 0
	e.state = Running
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	if err := p.Sink.Send(sink.Packet{
		Kind: sink.Header,
		Header: sink.HeaderPayload{
			FeedVersion:    1,
			StartTime:      time.Now(),
			SampleRate:     p.SampleRate,
			NumLogicProbes: p.NumProbes,
		},
	}); err != nil {
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
		return fmt.Errorf("acquisition: emit header: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	results := make(chan readResult, p.NumSimulTransfers)
	e.wg.Add(p.NumSimulTransfers + 1)
	for i := 0; i < p.NumSimulTransfers; i++ {
		bufSize := restBufferSize
		if i == 0 {
			bufSize = firstBufferSize
		}
		go e.worker(runCtx, bufSize, results)
	}
	go e.processLoop(runCtx, results)

	go func() {
		e.wg.Wait()
		e.finish()
	}()

	return nil
}

// Stop requests shutdown. It is idempotent and does not block; callers
// that need to know draining has finished should use Wait.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return
	}
	e.state = Stopping
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the engine has finished draining and emitted END.
func (e *Engine) Wait() {
	e.mu.Lock()
	ch := e.doneCh
	e.mu.Unlock()
	<-ch
}

func (e *Engine) finish() {
	e.mu.Lock()
	sk := e.params.Sink
	e.state = Stopped
	ch := e.doneCh
	e.mu.Unlock()

	if err := sk.Send(sink.Packet{Kind: sink.End}); err != nil {
		log.Printf("acquisition: emit end: %v", err)
	}
	close(ch)
}

type readResult struct {
	seq int64
	data []byte
	err  error
}

func (e *Engine) worker(ctx context.Context, bufSize int, results chan<- readResult) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seq := atomic.AddInt64(&e.seqCounter, 1) - 1
		buf := make([]byte, bufSize)

		rctx, cancel := context.WithTimeout(ctx, transferTimeout)
		n, err := e.params.Dev.BulkRead(rctx, bulkInEndpoint, buf)
		cancel()

		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			// Per-transfer timeout with no data is a zero-length
			// completion, not a fatal error.
			select {
			case results <- readResult{seq: seq, data: nil}:
			case <-ctx.Done():
				return
			}
			continue
		}
		if err != nil {
			log.Printf("acquisition: bulk read failed: %v", err)
			select {
			case results <- readResult{seq: seq, err: err}:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case results <- readResult{seq: seq, data: buf[:n]}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) processLoop(ctx context.Context, results chan readResult) {
	defer e.wg.Done()

	pending := make(map[int64]readResult)
	var nextSeq int64

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			pending[r.seq] = r
			for {
				next, found := pending[nextSeq]
				if !found {
					break
				}
				delete(pending, nextSeq)
				nextSeq++
				if stop := e.handleRead(next); stop {
					return
				}
			}
		}
	}
}

// handleRead applies one completed transfer's result per §4.5.1 and
// returns true if the engine has begun stopping.
func (e *Engine) handleRead(r readResult) bool {
	if r.err != nil {
		return false
	}

	if len(r.data) == 0 {
		e.mu.Lock()
		e.emptyCount++
		exceeded := e.emptyCount > e.params.MaxEmptyTransfers
		e.mu.Unlock()
		if exceeded {
			e.Stop()
			return true
		}
		return false
	}

	e.mu.Lock()
	e.emptyCount = 0
	e.mu.Unlock()

	result := e.params.Matcher.Feed(r.data)

	if !result.Fired {
		if e.params.PretriggerBytes > 0 {
			e.mu.Lock()
			e.ring = append(e.ring, r.data...)
			if over := len(e.ring) - e.params.PretriggerBytes; over > 0 {
				e.ring = e.ring[over:]
			}
			e.mu.Unlock()
		}
		return false
	}

	if result.TriggerBuffer != nil {
		e.mu.Lock()
		ring := e.ring
		e.ring = nil
		e.mu.Unlock()

		if len(ring) > 0 {
			if err := e.params.Sink.Send(sink.Packet{
				Kind:  sink.Logic,
				Logic: sink.LogicPayload{UnitSizeBytes: 1, Data: ring},
			}); err != nil {
				log.Printf("acquisition: emit pretrigger logic: %v", err)
			}
		}

		if err := e.params.Sink.Send(sink.Packet{Kind: sink.Trigger}); err != nil {
			log.Printf("acquisition: emit trigger: %v", err)
		}
		if err := e.params.Sink.Send(sink.Packet{
			Kind:  sink.Logic,
			Logic: sink.LogicPayload{UnitSizeBytes: 1, Data: result.TriggerBuffer},
		}); err != nil {
			log.Printf("acquisition: emit trigger-buffer logic: %v", err)
		}

		if remainder := r.data[result.Offset:]; len(remainder) > 0 {
			if err := e.params.Sink.Send(sink.Packet{
				Kind:  sink.Logic,
				Logic: sink.LogicPayload{UnitSizeBytes: 1, Data: remainder},
			}); err != nil {
				log.Printf("acquisition: emit remainder logic: %v", err)
			}
		}
	} else {
		// Already FIRED on entry: the whole buffer is post-trigger data.
		if err := e.params.Sink.Send(sink.Packet{
			Kind:  sink.Logic,
			Logic: sink.LogicPayload{UnitSizeBytes: 1, Data: r.data},
		}); err != nil {
			log.Printf("acquisition: emit logic: %v", err)
		}
	}

	e.mu.Lock()
	e.numSamples += uint64(len(r.data))
	limit := e.params.SampleLimit
	total := e.numSamples
	e.mu.Unlock()

	if limit > 0 && total > limit {
		e.Stop()
		return true
	}
	return false
}
