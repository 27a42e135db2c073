package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/google/uuid"
)

// EventParams are the caller-supplied parts of a DomainEvent.
type EventParams struct {
	EventType     string
	TenantID      string
	UserID        string
	Source        string
	CorrelationID string
	// Version defaults to the catalog's current version when zero.
	Version int
	Payload json.RawMessage
}

// CreateDomainEvent validates params against the catalog and builds an
// immutable event. Payloads carrying a forbidden field are rejected, never
// scrubbed, so the producer sees the mistake.
func (r *Registry) CreateDomainEvent(params EventParams) (domain.DomainEvent, error) {
	entry, ok := r.entries[params.EventType]
	if !ok {
		return domain.DomainEvent{}, fmt.Errorf("%w: %q", ErrEventNotRegistered, params.EventType)
	}

	version := params.Version
	if version == 0 {
		version = entry.CurrentVersion
	}
	if check := r.ValidateEventVersion(params.EventType, version); !check.Valid {
		return domain.DomainEvent{}, fmt.Errorf("%w: %s", check.Err, check.Reason)
	}

	if entry.TenantScoped && strings.TrimSpace(params.TenantID) == "" {
		return domain.DomainEvent{}, fmt.Errorf("%w: %q", ErrMissingTenant, params.EventType)
	}

	source := params.Source
	if source == "" {
		source = entry.Owner
	}
	if source != entry.Owner {
		return domain.DomainEvent{}, fmt.Errorf("%w: %q is owned by %q, not %q",
			ErrNotEventOwner, params.EventType, entry.Owner, source)
	}

	payload, err := r.checkPayload(params.EventType, params.Payload)
	if err != nil {
		return domain.DomainEvent{}, err
	}

	userID := params.UserID
	if userID == "" {
		userID = domain.SystemActor
	}

	id := uuid.NewString()
	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	return domain.DomainEvent{
		ID:            id,
		EventType:     params.EventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		TenantID:      params.TenantID,
		UserID:        userID,
		Source:        source,
		Version:       version,
		Payload:       payload,
	}, nil
}

func (r *Registry) checkPayload(eventType string, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, ErrInvalidPayload
	}

	if path, found := findForbidden(doc, r.forbidden[eventType], ""); found {
		return nil, fmt.Errorf("%w: %q in %s", ErrForbiddenPayloadField, path, eventType)
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

// findForbidden walks objects and arrays and returns the dotted path of the
// first forbidden key.
func findForbidden(v any, forbidden map[string]struct{}, path string) (string, bool) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if _, bad := forbidden[strings.ToLower(k)]; bad {
				return p, true
			}
			if found, ok := findForbidden(child, forbidden, p); ok {
				return found, true
			}
		}
	case []any:
		for i, child := range node {
			if found, ok := findForbidden(child, forbidden, fmt.Sprintf("%s[%d]", path, i)); ok {
				return found, true
			}
		}
	}
	return "", false
}
