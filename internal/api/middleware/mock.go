// Package middleware provides HTTP middleware components for the ELSPETH API.
package middleware

import (
	"context"

	"github.com/tachyon-beep/elspeth/internal/api/auth"
)

// MockAPIKeyStore is a mock implementation of auth.APIKeyStore for testing.
type MockAPIKeyStore struct {
	FindByKeyFunc   func(ctx context.Context, key string) (*auth.APIKey, bool)
	AddFunc         func(ctx context.Context, apiKey *auth.APIKey) error
	UpdateFunc      func(ctx context.Context, apiKey *auth.APIKey) error
	DeleteFunc      func(ctx context.Context, keyID string) error
	ListByPluginFunc func(ctx context.Context, pluginID string) ([]*auth.APIKey, error)
}

// FindByKey implements auth.APIKeyStore.FindByKey.
func (m *MockAPIKeyStore) FindByKey(ctx context.Context, key string) (*auth.APIKey, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements auth.APIKeyStore.Add.
func (m *MockAPIKeyStore) Add(ctx context.Context, apiKey *auth.APIKey) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, apiKey)
	}

	return nil
}

// Update implements auth.APIKeyStore.Update.
func (m *MockAPIKeyStore) Update(ctx context.Context, apiKey *auth.APIKey) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, apiKey)
	}

	return nil
}

// Delete implements auth.APIKeyStore.Delete.
func (m *MockAPIKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByPlugin implements auth.APIKeyStore.ListByPlugin.
func (m *MockAPIKeyStore) ListByPlugin(ctx context.Context, pluginID string) ([]*auth.APIKey, error) {
	if m.ListByPluginFunc != nil {
		return m.ListByPluginFunc(ctx, pluginID)
	}

	return []*auth.APIKey{}, nil
}
