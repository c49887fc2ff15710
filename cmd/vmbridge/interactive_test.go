package main

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/vmbridge/config"
)

func TestInteractive_ExecuteUsesCapturedValues(t *testing.T) {
	s, err := newSession(config.Default(), "")
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	m := newInteractiveModel(s)
	t.Cleanup(m.close)

	m.Update(m.load())
	if m.state != stateInput || m.bridge == nil {
		t.Fatalf("state = %d after load, err %v", m.state, m.err)
	}

	m.inputs[0].SetValue("6")
	m.inputs[1].SetValue("50")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.state != stateRunning || cmd == nil {
		t.Fatalf("state = %d, cmd = %v after enter", m.state, cmd)
	}

	// Edits after the command was issued do not reach the run.
	m.inputs[1].SetValue("bad")

	msg, ok := cmd().(execResultMsg)
	if !ok {
		t.Fatal("command did not return an execution result")
	}
	if msg.err != nil {
		t.Fatalf("execute: %v", msg.err)
	}
	if msg.verdict == "" {
		t.Error("no verdict recorded")
	}

	m.Update(msg)
	if m.state != stateShowResult || m.runs != 1 || len(m.history) != 1 {
		t.Errorf("state = %d, runs = %d, history = %d", m.state, m.runs, len(m.history))
	}
}

func TestInteractive_BadInput(t *testing.T) {
	s, err := newSession(config.Default(), "")
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	msg, ok := execute(s, nil, []string{"6", "50"})().(execResultMsg)
	if !ok || msg.err == nil {
		t.Errorf("execute without a bridge = %+v", msg)
	}

	m := newInteractiveModel(s)
	t.Cleanup(m.close)
	m.Update(m.load())
	msg, ok = execute(s, m.bridge, []string{"6", "nope"})().(execResultMsg)
	if !ok || msg.err == nil {
		t.Errorf("execute with a bad tos = %+v", msg)
	}
}
