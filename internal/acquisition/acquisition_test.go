package acquisition

import (
	"context"
	"testing"
	"time"

	"github.com/guiperry/fx2la/internal/sink"
	"github.com/guiperry/fx2la/internal/trigger"
	"github.com/guiperry/fx2la/internal/usbio"
	"github.com/guiperry/fx2la/internal/usbio/fake"
)

func waitFor(t *testing.T, e *Engine) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish draining in time")
	}
}

// TestScenarioA_NoTriggerWatchdogStop reproduces spec.md Scenario A: two
// full transfers then the device goes quiet, triggering the empty-
// transfer watchdog.
func TestScenarioA_NoTriggerWatchdogStop(t *testing.T) {
	buf1 := make([]byte, 4096)
	buf2 := make([]byte, 4096)
	for i := range buf1 {
		buf1[i] = byte(i)
		buf2[i] = byte(i + 1)
	}
	script := &fake.Script{Reads: [][]byte{buf1, buf2}}
	dev := fake.NewDevice(usbio.Descriptor{Bus: 1, Address: 1}, script)

	rec := &sink.Recorder{}
	e := New()
	matcher := trigger.New([trigger.NStages]byte{}, [trigger.NStages]byte{})

	if err := e.Start(context.Background(), Params{
		Dev:               dev,
		Sink:              rec,
		Matcher:           matcher,
		NumSimulTransfers: 1,
		MaxEmptyTransfers: 3,
		SampleRate:        1_000_000,
		NumProbes:         8,
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, e)

	if len(rec.Packets) == 0 || rec.Packets[0].Kind != sink.Header {
		t.Fatalf("expected HEADER first, got %+v", rec.Packets)
	}
	last := rec.Packets[len(rec.Packets)-1]
	if last.Kind != sink.End {
		t.Fatalf("expected END last, got %+v", last)
	}

	var logicBytes int
	for _, p := range rec.Packets {
		if p.Kind == sink.Logic {
			logicBytes += len(p.Logic.Data)
		}
		if p.Kind == sink.Trigger {
			t.Fatal("did not expect a TRIGGER packet")
		}
	}
	if logicBytes != 8192 {
		t.Fatalf("expected 8192 logic bytes, got %d", logicBytes)
	}
}

// TestScenarioB_TriggerFiresMidTransfer reproduces spec.md Scenario B.
func TestScenarioB_TriggerFiresMidTransfer(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0xFF, 0x10, 0x20, 0x30, 0x40}
	script := &fake.Script{Reads: [][]byte{data}}
	dev := fake.NewDevice(usbio.Descriptor{Bus: 1, Address: 1}, script)

	rec := &sink.Recorder{}
	e := New()

	var mask, value [trigger.NStages]byte
	mask[0], value[0] = 1, 0
	mask[1], value[1] = 1, 1
	matcher := trigger.New(mask, value)

	if err := e.Start(context.Background(), Params{
		Dev:               dev,
		Sink:              rec,
		Matcher:           matcher,
		NumSimulTransfers: 1,
		MaxEmptyTransfers: 2,
		SampleRate:        4_000_000,
		NumProbes:         1,
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Let it run long enough to see the trigger and the watchdog stop,
	// then confirm via Stop+Wait.
	time.Sleep(50 * time.Millisecond)
	e.Stop()
	waitFor(t, e)

	var sawTrigger bool
	var triggerIdx = -1
	for i, p := range rec.Packets {
		if p.Kind == sink.Trigger {
			sawTrigger = true
			triggerIdx = i
		}
	}
	if !sawTrigger {
		t.Fatal("expected a TRIGGER packet")
	}
	if rec.Packets[triggerIdx+1].Kind != sink.Logic {
		t.Fatal("expected trigger buffer LOGIC packet immediately after TRIGGER")
	}
	if got := rec.Packets[triggerIdx+1].Logic.Data; string(got) != string([]byte{0x00, 0x01}) {
		t.Fatalf("unexpected trigger buffer payload: %#v", got)
	}
}

// TestSampleLimitStopsAcquisition verifies invariant 3 from spec.md §8.
func TestSampleLimitStopsAcquisition(t *testing.T) {
	buf := make([]byte, 4096)
	script := &fake.Script{Reads: [][]byte{buf, buf, buf}}
	dev := fake.NewDevice(usbio.Descriptor{Bus: 1, Address: 1}, script)

	rec := &sink.Recorder{}
	e := New()
	matcher := trigger.New([trigger.NStages]byte{}, [trigger.NStages]byte{})

	if err := e.Start(context.Background(), Params{
		Dev:               dev,
		Sink:              rec,
		Matcher:           matcher,
		NumSimulTransfers: 1,
		MaxEmptyTransfers: 5,
		SampleLimit:       4096,
		SampleRate:        1_000_000,
		NumProbes:         8,
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, e)

	var logicBytes int
	for _, p := range rec.Packets {
		if p.Kind == sink.Logic {
			logicBytes += len(p.Logic.Data)
		}
	}
	if logicBytes > 4096+4096 {
		t.Fatalf("expected sample limit to bound emitted bytes, got %d", logicBytes)
	}
}
