package events

import (
	"encoding/json"
	"testing"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := DefaultRegistry()
	require.NoError(t, err)
	return r
}

func TestValidateEventVersion(t *testing.T) {
	r := defaultRegistry(t)

	check := r.ValidateEventVersion("auth.user.created", 1)
	assert.True(t, check.Valid)
	assert.Nil(t, check.Err)

	check = r.ValidateEventVersion("auth.user.created", 999)
	assert.False(t, check.Valid)
	assert.ErrorIs(t, check.Err, ErrVersionExceedsMax)
	assert.Contains(t, check.Reason, "exceeds maximum")

	check = r.ValidateEventVersion("nonexistent.event", 1)
	assert.False(t, check.Valid)
	assert.ErrorIs(t, check.Err, ErrEventNotRegistered)
	assert.Contains(t, check.Reason, "not registered")

	check = r.ValidateEventVersion("auth.user.created", 0)
	assert.False(t, check.Valid)
	assert.ErrorIs(t, check.Err, ErrInvalidVersion)
}

func TestDefaultRegistry_Catalog(t *testing.T) {
	r := defaultRegistry(t)

	entry, ok := r.Lookup("webhook.delivery.exhausted")
	require.True(t, ok)
	assert.True(t, entry.Internal)
	assert.False(t, r.Forwardable("webhook.delivery.exhausted"))
	assert.True(t, r.Forwardable("orders.order.created"))
	assert.False(t, r.Forwardable("unknown.thing.happened"))

	entry, ok = r.Lookup("platform.maintenance.scheduled")
	require.True(t, ok)
	assert.False(t, entry.TenantScoped)

	entry, ok = r.Lookup("billing.invoice.paid")
	require.True(t, ok)
	assert.True(t, entry.TenantScoped)
	assert.Contains(t, entry.ForbiddenFields, "card_number")
	assert.Contains(t, entry.ForbiddenFields, "password")

	for _, et := range r.EventTypes() {
		assert.True(t, ValidEventType(et), et)
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries []OwnershipEntry
	}{
		{"bad shape", []OwnershipEntry{{EventType: "user_created", Owner: "auth", CurrentVersion: 1, MaxVersion: 1}}},
		{"duplicate", []OwnershipEntry{
			{EventType: "auth.user.created", Owner: "auth", CurrentVersion: 1, MaxVersion: 1},
			{EventType: "auth.user.created", Owner: "auth", CurrentVersion: 1, MaxVersion: 1},
		}},
		{"no owner", []OwnershipEntry{{EventType: "auth.user.created", CurrentVersion: 1, MaxVersion: 1}}},
		{"max below current", []OwnershipEntry{{EventType: "auth.user.created", Owner: "auth", CurrentVersion: 2, MaxVersion: 1}}},
		{"zero version", []OwnershipEntry{{EventType: "auth.user.created", Owner: "auth", CurrentVersion: 0, MaxVersion: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.entries, nil)
			require.Error(t, err)
		})
	}
}

func TestLoadRegistry_InvalidYAML(t *testing.T) {
	_, err := LoadRegistry([]byte("events: [unterminated"))
	require.Error(t, err)
}

func TestCreateDomainEvent_Defaults(t *testing.T) {
	r := defaultRegistry(t)

	ev, err := r.CreateDomainEvent(EventParams{
		EventType: "orders.order.created",
		TenantID:  "tenant-a",
		Payload:   json.RawMessage(`{"order_id":"o-1","total":42}`),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, ev.ID, ev.CorrelationID)
	assert.Equal(t, domain.SystemActor, ev.UserID)
	assert.Equal(t, "orders", ev.Source)
	assert.Equal(t, 2, ev.Version)
	assert.False(t, ev.Timestamp.IsZero())
	assert.JSONEq(t, `{"order_id":"o-1","total":42}`, string(ev.Payload))

	other, err := r.CreateDomainEvent(EventParams{EventType: "orders.order.created", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, other.ID)
	assert.JSONEq(t, `{}`, string(other.Payload))
}

func TestCreateDomainEvent_ExplicitFields(t *testing.T) {
	r := defaultRegistry(t)

	ev, err := r.CreateDomainEvent(EventParams{
		EventType:     "auth.user.created",
		TenantID:      "tenant-a",
		UserID:        "user-7",
		Source:        "auth",
		CorrelationID: "corr-1",
		Version:       2,
		Payload:       json.RawMessage(`{"user_id":"u-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "user-7", ev.UserID)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, 2, ev.Version)
}

func TestCreateDomainEvent_Rejects(t *testing.T) {
	r := defaultRegistry(t)

	tests := []struct {
		name    string
		params  EventParams
		wantErr error
	}{
		{
			name:    "unregistered",
			params:  EventParams{EventType: "nonexistent.event.happened", TenantID: "t"},
			wantErr: ErrEventNotRegistered,
		},
		{
			name:    "version too high",
			params:  EventParams{EventType: "auth.user.created", TenantID: "t", Version: 3},
			wantErr: ErrVersionExceedsMax,
		},
		{
			name:    "missing tenant",
			params:  EventParams{EventType: "auth.user.created"},
			wantErr: ErrMissingTenant,
		},
		{
			name:    "wrong owner",
			params:  EventParams{EventType: "auth.user.created", TenantID: "t", Source: "billing"},
			wantErr: ErrNotEventOwner,
		},
		{
			name:    "global forbidden field",
			params:  EventParams{EventType: "auth.user.created", TenantID: "t", Payload: json.RawMessage(`{"password":"hunter2"}`)},
			wantErr: ErrForbiddenPayloadField,
		},
		{
			name:    "forbidden field any case",
			params:  EventParams{EventType: "auth.user.created", TenantID: "t", Payload: json.RawMessage(`{"API_KEY":"k"}`)},
			wantErr: ErrForbiddenPayloadField,
		},
		{
			name:    "per-type forbidden field nested",
			params:  EventParams{EventType: "billing.invoice.paid", TenantID: "t", Payload: json.RawMessage(`{"payment":{"methods":[{"card_number":"4111"}]}}`)},
			wantErr: ErrForbiddenPayloadField,
		},
		{
			name:    "array payload",
			params:  EventParams{EventType: "auth.user.created", TenantID: "t", Payload: json.RawMessage(`[1,2]`)},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "invalid json",
			params:  EventParams{EventType: "auth.user.created", TenantID: "t", Payload: json.RawMessage(`{"a":`)},
			wantErr: ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CreateDomainEvent(tt.params)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateDomainEvent_PerTypeFieldAllowedElsewhere(t *testing.T) {
	r := defaultRegistry(t)

	_, err := r.CreateDomainEvent(EventParams{
		EventType: "orders.order.created",
		TenantID:  "t",
		Payload:   json.RawMessage(`{"card_number":"masked"}`),
	})
	require.NoError(t, err)
}

func TestCreateDomainEvent_GlobalEventNeedsNoTenant(t *testing.T) {
	r := defaultRegistry(t)

	ev, err := r.CreateDomainEvent(EventParams{EventType: "platform.maintenance.scheduled"})
	require.NoError(t, err)
	assert.Empty(t, ev.TenantID)
}
