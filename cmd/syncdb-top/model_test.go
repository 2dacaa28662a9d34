package main

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/api"
)

type fakeControls struct {
	retries   []bool
	suspended []bool
	err       error
}

func (f *fakeControls) Retry(_ context.Context, reset bool) error {
	f.retries = append(f.retries, reset)
	return f.err
}

func (f *fakeControls) SetSuspended(_ context.Context, s bool) error {
	f.suspended = append(f.suspended, s)
	return f.err
}

func press(t *testing.T, m model, k string) (model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)})
	require.NotNil(t, cmd)
	msg := cmd()
	next, _ = next.Update(msg)
	return next.(model), msg
}

func TestModel_Keys(t *testing.T) {
	fc := &fakeControls{}
	m := newModel("http://localhost:8090", fc)

	m, _ = press(t, m, "r")
	m, _ = press(t, m, "R")
	assert.Equal(t, []bool{false, true}, fc.retries)
	assert.Equal(t, "retry requested", m.message)

	m, _ = press(t, m, "s")
	next, _ := m.Update(statusMsg{Level: "idle", Suspended: true})
	m = next.(model)
	m, _ = press(t, m, "s")
	assert.Equal(t, []bool{true, false}, fc.suspended)
	assert.Equal(t, "resume requested", m.message)

	fc.err = errors.New("409 stopped")
	m, _ = press(t, m, "r")
	assert.True(t, m.messageErr)
	assert.Contains(t, m.message, "retry failed")

	_, msg := press(t, m, "q")
	assert.Equal(t, tea.Quit(), msg)
}

func TestModel_Status(t *testing.T) {
	m := newModel("http://localhost:8090", &fakeControls{})
	assert.Contains(t, m.View(), "Waiting for status")

	next, _ := m.Update(statusMsg{
		Level:     "offline",
		WillRetry: true,
		Error:     "connection refused",
		Progress:  api.ProgressResponse{Completed: 1, Total: 4, DocsPushed: 1},
	})
	m = next.(model)
	view := m.View()
	assert.Contains(t, view, "OFFLINE")
	assert.Contains(t, view, "will retry")
	assert.Contains(t, view, "host unreachable")
	assert.Contains(t, view, "1 / 4")
	assert.Contains(t, view, "connection refused")

	next, _ = m.Update(disconnectedMsg{err: errors.New("EOF")})
	m = next.(model)
	assert.False(t, m.connected)
	assert.True(t, m.messageErr)
}

func TestFraction(t *testing.T) {
	assert.Zero(t, fraction(api.ProgressResponse{}))
	assert.Equal(t, 0.5, fraction(api.ProgressResponse{Completed: 2, Total: 4}))
	assert.Equal(t, 1.0, fraction(api.ProgressResponse{Completed: 5, Total: 4}))
}
