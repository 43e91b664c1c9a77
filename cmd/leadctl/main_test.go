package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/tasks"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "leadctl dev")
}

func TestTaskList(t *testing.T) {
	out, err := runCmd(t, "task", "list")
	require.NoError(t, err)
	assert.Contains(t, out, tasks.QueueTick)
	assert.Contains(t, out, tasks.EventsPublish)
}

type stubRunner struct {
	err error
}

func (s stubRunner) Run(_ context.Context, name string) (tasks.Outcome, error) {
	return tasks.Outcome{Task: name, Result: map[string]int{"n": 1}}, s.err
}

func withRunner(t *testing.T, r taskRunner, err error) *bool {
	t.Helper()
	closed := false
	orig := openRunner
	openRunner = func(context.Context) (taskRunner, func(), error) {
		if err != nil {
			return nil, nil, err
		}
		return r, func() { closed = true }, nil
	}
	t.Cleanup(func() { openRunner = orig })
	return &closed
}

func TestTaskRunPrintsOutcome(t *testing.T) {
	closed := withRunner(t, stubRunner{}, nil)

	out, err := runCmd(t, "task", "run", tasks.QueueReap)
	require.NoError(t, err)
	assert.True(t, *closed)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, tasks.QueueReap, got["task"])
}

func TestTaskRunFailures(t *testing.T) {
	withRunner(t, nil, errors.New("no database"))
	_, err := runCmd(t, "task", "run", tasks.QueueTick)
	assert.ErrorContains(t, err, "no database")

	withRunner(t, stubRunner{err: tasks.ErrUnknownTask}, nil)
	_, err = runCmd(t, "task", "run", "nope")
	assert.ErrorIs(t, err, tasks.ErrUnknownTask)

	_, err = runCmd(t, "task", "run")
	assert.Error(t, err)
}

func TestPhoneCommands(t *testing.T) {
	out, err := runCmd(t, "phone", "gateway", "+55 (51) 99751-9607")
	require.NoError(t, err)
	assert.Equal(t, phone.ToGatewayAddress("5551997519607"), strings.TrimSpace(out))

	out, err = runCmd(t, "phone", "validate", "51 99751-9607")
	require.NoError(t, err)
	var res phone.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.IsValid)
	assert.Equal(t, "5551997519607", res.Canonical)

	_, err = runCmd(t, "phone", "gateway", "12")
	assert.Error(t, err)
}
