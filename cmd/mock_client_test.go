package cmd

import (
	"context"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/command"
)

// MockClient implements Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Drop(ctx context.Context, params command.DropParams) (command.DropResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(command.DropResult), args.Error(1)
}

func (m *MockClient) ContextCreate(ctx context.Context, name, netns string) error {
	return m.Called(ctx, name, netns).Error(0)
}

func (m *MockClient) ContextDestroy(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockClient) ContextList(ctx context.Context) ([]command.ContextInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).([]command.ContextInfo), args.Error(1)
}

func (m *MockClient) AuditRecent(ctx context.Context, name string, limit int64) ([]audit.Record, error) {
	args := m.Called(ctx, name, limit)
	return args.Get(0).([]audit.Record), args.Error(1)
}

func (m *MockClient) ConfigReload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) Status(ctx context.Context) (command.DaemonStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(command.DaemonStatus), args.Error(1)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// useClient injects c for the duration of the test.
func useClient(t interface{ Cleanup(func()) }, c Client) {
	orig := newClient
	newClient = func() Client { return c }
	t.Cleanup(func() { newClient = orig })
}
