package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/command"
)

func TestRunContextList(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mockClient := new(MockClient)
	mockClient.On("ContextList", mock.Anything).Return([]command.ContextInfo{
		{Name: "default", Created: created},
		{Name: "edge", Netns: "blue", Created: created},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runContextList(context.Background(), mockClient, &buf))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "edge")
	assert.Contains(t, out, "blue")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
}

func TestRunContextList_Empty(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("ContextList", mock.Anything).Return([]command.ContextInfo{}, nil)

	var buf bytes.Buffer
	require.NoError(t, runContextList(context.Background(), mockClient, &buf))
	assert.Equal(t, "No contexts.\n", buf.String())
}

func TestRunContextCreateDestroy(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("ContextCreate", mock.Anything, "edge", "/proc/1/ns/net").Return(nil)
	mockClient.On("ContextDestroy", mock.Anything, "edge").Return(errors.New("context not found"))

	var buf bytes.Buffer
	require.NoError(t, runContextCreate(context.Background(), mockClient, &buf, "edge", "/proc/1/ns/net"))
	assert.Contains(t, buf.String(), "Context edge created")

	err := runContextDestroy(context.Background(), mockClient, &buf, "edge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context not found")
	mockClient.AssertExpectations(t)
}

func TestRunAudit(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("AuditRecent", mock.Anything, "default", int64(5)).Return([]audit.Record{
		{
			Context:     "default",
			Session:     "s-1",
			Source:      "1.1.1.1:1",
			Destination: "2.2.2.2:2",
			State:       "ESTABLISHED",
			Outcome:     "aborted",
			Time:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			Context:     "default",
			Source:      "1.1.1.1:3",
			Destination: "2.2.2.2:4",
			Outcome:     "failed",
			Error:       "permission denied",
		},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runAudit(context.Background(), mockClient, &buf, "default", 5))

	out := buf.String()
	assert.Contains(t, out, "ESTABLISHED")
	assert.Contains(t, out, "aborted")
	assert.Contains(t, out, "failed (permission denied)")
}

func TestRunStatus(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Status", mock.Anything).Return(command.DaemonStatus{
		Version: "0.1.0", UptimeSec: 42, Contexts: []string{"default"},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), `"uptime_sec": 42`)
}

func TestRunStop(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "Shutdown requested")
}

func TestRunStop_NoForce(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(errors.New("connection refused"))

	var buf bytes.Buffer
	err := runStop(context.Background(), mockClient, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
