// Hasher: Neural Inference Engine Powered by SHA-256 ASICs
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command logicd drives a Cypress FX2-class logic analyzer from the
// command line: it enumerates, uploads firmware if needed, configures
// sample rate/probes/trigger, runs one acquisition, and streams the
// resulting datafeed packets either as a summary or through a live
// terminal monitor.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/guiperry/fx2la/driver"
	"github.com/guiperry/fx2la/internal/config"
	"github.com/guiperry/fx2la/internal/firmware"
	"github.com/guiperry/fx2la/internal/registry"
	"github.com/guiperry/fx2la/internal/sink"
	"github.com/guiperry/fx2la/internal/usbio"
)

func main() {
	index := flag.Int("index", 0, "registry index of the device to drive")
	firmwarePath := flag.String("firmware", "", "path to the Intel-HEX firmware image to upload to bare devices")
	sampleRate := flag.Uint64("rate", 1_000_000, "sample rate in Hz")
	sampleLimit := flag.Uint64("limit", 0, "sample limit (0 = unbounded)")
	triggerSpec := flag.String("trigger", "", "probe=pattern trigger spec, e.g. 1=01 (chars over 0/1/.)")
	probes := flag.Int("probes", 8, "number of probes to enable (1..N)")
	watch := flag.Bool("watch", false, "show a live terminal monitor instead of printing a summary on exit")
	flag.Parse()

	cfg := config.Load()
	if *firmwarePath != "" {
		cfg.Firmware = *firmwarePath
	}

	usbCtx := usbio.NewGousb()
	d := driver.New(cfg, usbCtx, firmware.NewVendorUploader())

	count, err := d.Init()
	if err != nil {
		log.Fatalf("logicd: init: %v", err)
	}
	log.Printf("logicd: found %d candidate device(s)", count)
	if *index >= count {
		log.Fatalf("logicd: index %d out of range (found %d)", *index, count)
	}

	if err := d.Open(*index); err != nil {
		log.Fatalf("logicd: open: %v", err)
	}
	defer func() {
		if err := d.Close(*index); err != nil {
			log.Printf("logicd: close: %v", err)
		}
		if err := d.Cleanup(); err != nil {
			log.Printf("logicd: cleanup: %v", err)
		}
	}()

	if err := d.ConfigSet(*index, registry.CapSampleRate, *sampleRate); err != nil {
		log.Fatalf("logicd: config_set samplerate: %v", err)
	}
	if *sampleLimit > 0 {
		if err := d.ConfigSet(*index, registry.CapLimitSamples, *sampleLimit); err != nil {
			log.Fatalf("logicd: config_set limit_samples: %v", err)
		}
	}
	probeRecords, err := buildProbeRecords(*probes, *triggerSpec)
	if err != nil {
		log.Fatalf("logicd: %v", err)
	}
	if err := d.ConfigSet(*index, registry.CapProbeConfig, probeRecords); err != nil {
		log.Fatalf("logicd: config_set probeconfig: %v", err)
	}

	feed := sink.NewChannel(64)

	if err := d.AcquisitionStart(*index, feed); err != nil {
		log.Fatalf("logicd: acquisition_start: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	if *watch {
		runWatch(feed)
	} else {
		runSummary(feed, stop)
	}

	if err := d.AcquisitionStop(*index); err != nil {
		log.Printf("logicd: acquisition_stop: %v", err)
	}
}

// buildProbeRecords turns -probes/-trigger into the []registry.ProbeRecord
// shape config_set(PROBECONFIG, ...) expects. -trigger accepts a single
// "probe=pattern" pair since the CLI drives one device at a time.
func buildProbeRecords(numProbes int, triggerSpec string) ([]registry.ProbeRecord, error) {
	if numProbes < 1 {
		return nil, fmt.Errorf("probes must be >= 1, got %d", numProbes)
	}

	triggerIndex := -1
	var pattern string
	if triggerSpec != "" {
		parts := strings.SplitN(triggerSpec, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid -trigger %q, expected probe=pattern", triggerSpec)
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid -trigger probe index %q: %w", parts[0], err)
		}
		triggerIndex = idx
		pattern = parts[1]
	}

	records := make([]registry.ProbeRecord, numProbes)
	for i := 0; i < numProbes; i++ {
		rec := registry.ProbeRecord{Index: i + 1, Enabled: true}
		if i+1 == triggerIndex {
			rec.Trigger = pattern
		}
		records[i] = rec
	}
	return records, nil
}

// runSummary drains the feed silently and prints a one-line summary on
// Ctrl-C or when the sink is closed.
func runSummary(feed *sink.Channel, stop chan os.Signal) {
	var header sink.HeaderPayload
	var logicBytes int
	var sawTrigger bool

	for {
		select {
		case p, ok := <-feed.C():
			if !ok {
				printSummary(header, logicBytes, sawTrigger)
				return
			}
			switch p.Kind {
			case sink.Header:
				header = p.Header
			case sink.Logic:
				logicBytes += len(p.Logic.Data)
			case sink.Trigger:
				sawTrigger = true
			case sink.End:
				printSummary(header, logicBytes, sawTrigger)
				return
			}
		case <-stop:
			printSummary(header, logicBytes, sawTrigger)
			return
		}
	}
}

func printSummary(h sink.HeaderPayload, logicBytes int, sawTrigger bool) {
	fmt.Printf("rate=%d probes=%d samples=%d trigger=%v\n", h.SampleRate, h.NumLogicProbes, logicBytes, sawTrigger)
}

// runWatch pipes the feed into a bubbletea program that renders a live
// running sample count, mirroring the teacher's TUI stack.
func runWatch(feed *sink.Channel) {
	p := tea.NewProgram(newWatchModel(feed))
	if _, err := p.Run(); err != nil {
		log.Printf("logicd: watch ui exited: %v", err)
	}
}
