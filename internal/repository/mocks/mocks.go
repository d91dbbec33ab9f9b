package mocks

import (
	"context"

	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/stretchr/testify/mock"
)

// SyncStore is a mock for syncstate.Store.
type SyncStore struct {
	mock.Mock
}

func (m *SyncStore) Load(ctx context.Context) (syncstate.Envelope, error) {
	args := m.Called(ctx)
	if env, ok := args.Get(0).(syncstate.Envelope); ok {
		return env, args.Error(1)
	}
	return syncstate.Envelope{}, args.Error(1)
}

func (m *SyncStore) Save(ctx context.Context, data map[string]any) (syncstate.Envelope, error) {
	args := m.Called(ctx, data)
	if env, ok := args.Get(0).(syncstate.Envelope); ok {
		return env, args.Error(1)
	}
	return syncstate.Envelope{}, args.Error(1)
}

func (m *SyncStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// AuditRepository is a mock for audit.Repository.
type AuditRepository struct {
	mock.Mock
}

func (m *AuditRepository) Append(ctx context.Context, events []audit.Event) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *AuditRepository) List(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	args := m.Called(ctx, q)
	if list, ok := args.Get(0).([]audit.Event); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// Auditor is a mock for syncstate.Auditor and the web server's auditor.
type Auditor struct {
	mock.Mock
}

func (m *Auditor) Emit(ctx context.Context, typ audit.EventType, sev audit.Severity, component, message string, details map[string]any) {
	m.Called(ctx, typ, sev, component, message, details)
}
