// Package events holds the catalog of domain event types, who owns them,
// and how far each schema may evolve.
package events

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	ErrEventNotRegistered    = errors.New("event type not registered")
	ErrVersionExceedsMax     = errors.New("event version exceeds maximum")
	ErrInvalidVersion        = errors.New("event version must be positive")
	ErrForbiddenPayloadField = errors.New("payload contains forbidden field")
	ErrMissingTenant         = errors.New("tenant id is required for tenant-scoped event")
	ErrNotEventOwner         = errors.New("source does not own event type")
	ErrInvalidPayload        = errors.New("payload must be a JSON object")
)

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// ValidEventType reports whether t has the <module>.<noun>.<verb> shape.
func ValidEventType(t string) bool {
	return eventTypePattern.MatchString(t)
}

// OwnershipEntry is one row of the catalog.
type OwnershipEntry struct {
	EventType       string
	Owner           string
	CurrentVersion  int
	MaxVersion      int
	ForbiddenFields []string
	// TenantScoped events must carry a tenant ID. The YAML catalog
	// defaults it to true.
	TenantScoped bool
	// Internal events stay in-process and are never forwarded to webhooks.
	Internal bool
}

// Registry is the immutable event catalog. Build it once at startup and
// pass it to the components that need it.
type Registry struct {
	entries   map[string]OwnershipEntry
	forbidden map[string]map[string]struct{}
}

// NewRegistry validates entries and builds a registry. globalForbidden
// applies to every event type in addition to the per-entry lists.
func NewRegistry(entries []OwnershipEntry, globalForbidden []string) (*Registry, error) {
	r := &Registry{
		entries:   make(map[string]OwnershipEntry, len(entries)),
		forbidden: make(map[string]map[string]struct{}, len(entries)),
	}

	for _, e := range entries {
		if !ValidEventType(e.EventType) {
			return nil, fmt.Errorf("event type %q: must look like <module>.<noun>.<verb>", e.EventType)
		}
		if _, dup := r.entries[e.EventType]; dup {
			return nil, fmt.Errorf("event type %q registered twice", e.EventType)
		}
		if e.Owner == "" {
			return nil, fmt.Errorf("event type %q: owner is required", e.EventType)
		}
		if e.CurrentVersion < 1 || e.MaxVersion < e.CurrentVersion {
			return nil, fmt.Errorf("event type %q: need 1 <= current_version (%d) <= max_version (%d)",
				e.EventType, e.CurrentVersion, e.MaxVersion)
		}

		fields := make(map[string]struct{}, len(globalForbidden)+len(e.ForbiddenFields))
		for _, f := range globalForbidden {
			fields[strings.ToLower(f)] = struct{}{}
		}
		for _, f := range e.ForbiddenFields {
			fields[strings.ToLower(f)] = struct{}{}
		}

		e.ForbiddenFields = sortedKeys(fields)
		r.entries[e.EventType] = e
		r.forbidden[e.EventType] = fields
	}
	return r, nil
}

type catalogFile struct {
	ForbiddenFields []string `yaml:"forbidden_fields"`
	Events          []struct {
		Type            string   `yaml:"type"`
		Owner           string   `yaml:"owner"`
		CurrentVersion  int      `yaml:"current_version"`
		MaxVersion      int      `yaml:"max_version"`
		ForbiddenFields []string `yaml:"forbidden_fields"`
		TenantScoped    *bool    `yaml:"tenant_scoped"`
		Internal        bool     `yaml:"internal"`
	} `yaml:"events"`
}

// LoadRegistry parses a YAML catalog.
func LoadRegistry(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing event catalog: %w", err)
	}

	entries := make([]OwnershipEntry, 0, len(file.Events))
	for _, ev := range file.Events {
		scoped := true
		if ev.TenantScoped != nil {
			scoped = *ev.TenantScoped
		}
		entries = append(entries, OwnershipEntry{
			EventType:       ev.Type,
			Owner:           ev.Owner,
			CurrentVersion:  ev.CurrentVersion,
			MaxVersion:      ev.MaxVersion,
			ForbiddenFields: ev.ForbiddenFields,
			TenantScoped:    scoped,
			Internal:        ev.Internal,
		})
	}
	return NewRegistry(entries, file.ForbiddenFields)
}

// DefaultRegistry returns the catalog compiled into the binary.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultCatalog)
}

// Lookup returns the entry for eventType.
func (r *Registry) Lookup(eventType string) (OwnershipEntry, bool) {
	e, ok := r.entries[eventType]
	if ok {
		e.ForbiddenFields = append([]string(nil), e.ForbiddenFields...)
	}
	return e, ok
}

// EventTypes lists every registered type in sorted order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Forwardable reports whether events of this type may leave the process.
func (r *Registry) Forwardable(eventType string) bool {
	e, ok := r.entries[eventType]
	return ok && !e.Internal
}

// VersionCheck is the result of ValidateEventVersion. Err is one of the
// package sentinels when Valid is false.
type VersionCheck struct {
	Valid      bool
	Reason     string
	Err        error
	MaxVersion int
}

// ValidateEventVersion checks a claimed schema version against the catalog.
func (r *Registry) ValidateEventVersion(eventType string, version int) VersionCheck {
	e, ok := r.entries[eventType]
	if !ok {
		return VersionCheck{
			Reason: fmt.Sprintf("event type %q is not registered", eventType),
			Err:    ErrEventNotRegistered,
		}
	}
	if version < 1 {
		return VersionCheck{
			Reason:     fmt.Sprintf("version %d must be positive", version),
			Err:        ErrInvalidVersion,
			MaxVersion: e.MaxVersion,
		}
	}
	if version > e.MaxVersion {
		return VersionCheck{
			Reason:     fmt.Sprintf("version %d exceeds maximum %d for %q", version, e.MaxVersion, eventType),
			Err:        ErrVersionExceedsMax,
			MaxVersion: e.MaxVersion,
		}
	}
	return VersionCheck{Valid: true, MaxVersion: e.MaxVersion}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
