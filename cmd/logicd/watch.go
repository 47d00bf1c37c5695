package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/guiperry/fx2la/internal/sink"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	triggerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("202"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// watchModel is a bubbletea model that renders the live state of one
// acquisition: sample rate, running byte count, and whether the trigger
// has fired yet.
type watchModel struct {
	feed    *sink.Channel
	spinner spinner.Model

	header     sink.HeaderPayload
	logicBytes int
	fired      bool
	done       bool
}

func newWatchModel(feed *sink.Channel) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return watchModel{feed: feed, spinner: s}
}

type packetMsg sink.Packet
type feedClosedMsg struct{}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(waitForPacket(m.feed), m.spinner.Tick)
}

func waitForPacket(feed *sink.Channel) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-feed.C()
		if !ok {
			return feedClosedMsg{}
		}
		return packetMsg(p)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case packetMsg:
		p := sink.Packet(msg)
		switch p.Kind {
		case sink.Header:
			m.header = p.Header
		case sink.Logic:
			m.logicBytes += len(p.Logic.Data)
		case sink.Trigger:
			m.fired = true
		case sink.End:
			m.done = true
			return m, tea.Quit
		}
		return m, waitForPacket(m.feed)
	case feedClosedMsg:
		m.done = true
		return m, tea.Quit
	}

	if !m.done {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	trig := "waiting"
	if m.fired {
		trig = triggerStyle.Render("fired")
	}
	status := m.spinner.View() + " running"
	if m.done {
		status = doneStyle.Render("done")
	}
	return fmt.Sprintf(
		"%s\n rate:    %d Hz\n probes:  %d\n samples: %d\n trigger: %s\n status:  %s\n (q to quit)\n",
		headerStyle.Render("logicd watch"),
		m.header.SampleRate, m.header.NumLogicProbes, m.logicBytes, trig, status,
	)
}
