package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/vmbridge/bridge"
	"github.com/wippyai/vmbridge/config"
	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/internal/programs"
)

var (
	fieldStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))
)

// session is what the TUI executes: a program plus the fields that build
// its memory for each run.
type session struct {
	title  string
	image  []byte
	config engine.Config
	fields []field
	build  func(values []string) ([]byte, error)
	// verdict labels a successful run for the history, nil disables it.
	verdict func(values []string, res engine.Result) string
}

type field struct {
	name string
	hint string
}

// newSession loads the object at path, or the TOS filter when path is empty.
func newSession(cfg *config.Config, path string) (*session, error) {
	if path == "" {
		ec := cfg.EngineConfig()
		ec.Entry = programs.FilterEntry
		return &session{
			title:  "tos filter",
			image:  programs.Filter(cfg.FilterPolicy()),
			config: ec,
			fields: []field{{"proto", "6 tcp, 17 udp, 1 icmp"}, {"tos", "0-255"}},
			build: func(values []string) ([]byte, error) {
				proto, err := strconv.ParseUint(values[0], 10, 8)
				if err != nil {
					return nil, fmt.Errorf("proto: %w", err)
				}
				tos, err := strconv.ParseUint(values[1], 10, 8)
				if err != nil {
					return nil, fmt.Errorf("tos: %w", err)
				}
				return programs.Packet(uint8(proto), uint8(tos)), nil
			},
			verdict: func(values []string, res engine.Result) string {
				label := errorStyle.Render("drop")
				if res.Value == programs.Accept {
					label = resultStyle.Render("accept")
				}
				return fmt.Sprintf("proto %-3s tos %-3s %s", values[0], values[1], label)
			},
		}, nil
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return &session{
		title:  path,
		image:  image,
		config: cfg.EngineConfig(),
		fields: []field{{"memory", "hex or @file"}},
		build: func(values []string) ([]byte, error) {
			return parseInput(values[0])
		},
	}, nil
}

type interactiveModel struct {
	err      error
	bridge   *bridge.Bridge
	session  *session
	result   string
	globals  string
	inputs   []textinput.Model
	history  []string
	runs     int
	focusIdx int
	state    modelState
}

type modelState int

const (
	stateLoading modelState = iota
	stateInput
	stateRunning
	stateShowResult
)

func newInteractiveModel(s *session) *interactiveModel {
	m := &interactiveModel{session: s, state: stateLoading}
	m.inputs = make([]textinput.Model, len(s.fields))
	for i, f := range s.fields {
		ti := textinput.New()
		ti.Placeholder = f.hint
		ti.Prompt = f.name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	return m
}

type loadedMsg struct {
	err error
	b   *bridge.Bridge
}

type execResultMsg struct {
	err     error
	result  string
	globals string
	verdict string
}

const maxHistory = 12

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	b, err := bridge.Open(context.Background(), m.session.image, bridge.WithConfig(m.session.config))
	return loadedMsg{b: b, err: err}
}

func (m *interactiveModel) close() {
	if m.bridge != nil {
		_ = m.bridge.Close(context.Background())
		m.bridge = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInput {
				m.close()
				return m, tea.Quit
			}

		case "enter":
			switch m.state {
			case stateInput:
				m.state = stateRunning
				return m, execute(m.session, m.bridge, m.values())
			case stateShowResult:
				m.state = stateInput
				m.result = ""
				m.err = nil
			}
			return m, nil

		case "tab":
			if m.state == stateInput && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}
			return m, nil

		case "esc":
			if m.state == stateShowResult {
				m.state = stateInput
				m.result = ""
				m.err = nil
			}
			return m, nil
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.bridge = msg.b
		m.globals = globalsOf(m.bridge)
		m.state = stateInput

	case execResultMsg:
		m.runs++
		if msg.verdict != "" {
			m.history = append(m.history, msg.verdict)
			if len(m.history) > maxHistory {
				m.history = m.history[len(m.history)-maxHistory:]
			}
		}
		m.result = msg.result
		m.globals = msg.globals
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInput {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) values() []string {
	values := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		values[i] = strings.TrimSpace(input.Value())
	}
	return values
}

func globalsOf(b *bridge.Bridge) string {
	if b == nil {
		return ""
	}
	buf := b.Globals()
	if buf == nil {
		return ""
	}
	return formatDump(buf.Base(), buf.Snapshot(), styled)
}

func styled(s lipgloss.Style, text string) string {
	return s.Render(text)
}

// execute runs the program once with memory built from values. It only
// touches its arguments, never the model.
func execute(s *session, b *bridge.Bridge, values []string) tea.Cmd {
	return func() tea.Msg {
		if b == nil {
			return execResultMsg{err: fmt.Errorf("program not loaded")}
		}
		mem, err := s.build(values)
		if err != nil {
			return execResultMsg{err: err}
		}

		res, err := b.Execute(context.Background(), mem)
		if err != nil {
			return execResultMsg{err: err}
		}
		out := execResultMsg{result: formatResult(res, styled), globals: globalsOf(b)}
		if res.OK() && s.verdict != nil {
			out.verdict = s.verdict(values, res)
		}
		return out
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.state == stateLoading {
		return "Loading program..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("VM Bridge"))
	b.WriteString(" ")
	b.WriteString(m.session.title)
	b.WriteString(fmt.Sprintf("  token %d  runs %d", m.bridge.Token(), m.runs))
	b.WriteString("\n\n")

	switch m.state {
	case stateRunning:
		b.WriteString("Running...")

	case stateInput:
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(m.session.fields[i].hint))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter execute • ctrl+c quit"))

	case stateShowResult:
		b.WriteString(fieldStyle.Render("Result:"))
		b.WriteString("\n\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(m.result)
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	if len(m.history) > 0 {
		b.WriteString("\n\n")
		b.WriteString(fieldStyle.Render("History:"))
		for _, h := range m.history {
			b.WriteString("\n")
			b.WriteString(h)
		}
	}

	if m.globals != "" {
		b.WriteString("\n\n")
		b.WriteString(fieldStyle.Render("Globals:"))
		b.WriteString("\n")
		b.WriteString(m.globals)
	}

	return b.String()
}

func runInteractive(s *session) error {
	m := newInteractiveModel(s)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	m.close()
	return err
}
