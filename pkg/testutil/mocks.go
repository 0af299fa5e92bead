// Package testutil provides hand-written test doubles shared across packages.
package testutil

import (
	"context"

	"aaronromeo.com/mailpeek/pkg/models/summary"
)

// MockBackend is a fetch backend whose behaviour is injected through
// FetchOldestUnreadFunc.
type MockBackend struct {
	BackendName           string
	FetchOldestUnreadFunc func(ctx context.Context) (summary.Outcome, error)

	// Track method calls for verification
	FetchOldestUnreadCalls int
}

func NewMockBackend(name string) *MockBackend {
	return &MockBackend{BackendName: name}
}

// Returning configures the backend to always yield outcome and err.
func (m *MockBackend) Returning(outcome summary.Outcome, err error) *MockBackend {
	m.FetchOldestUnreadFunc = func(context.Context) (summary.Outcome, error) {
		return outcome, err
	}
	return m
}

func (m *MockBackend) Name() string {
	return m.BackendName
}

func (m *MockBackend) FetchOldestUnread(ctx context.Context) (summary.Outcome, error) {
	m.FetchOldestUnreadCalls++
	if m.FetchOldestUnreadFunc != nil {
		return m.FetchOldestUnreadFunc(ctx)
	}
	return summary.NotFound(), nil
}

// MockStore records every batch handed to Store.
type MockStore struct {
	StoreFunc func(ctx context.Context, entries ...string) error

	Stored     [][]string
	StoreCalls int
}

func (m *MockStore) Store(ctx context.Context, entries ...string) error {
	m.StoreCalls++
	m.Stored = append(m.Stored, entries)
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, entries...)
	}
	return nil
}
