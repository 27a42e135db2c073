// Package keyspace builds and validates every key written to the shared
// Redis store. Components never concatenate raw keys; they ask a Keyspace.
//
// Key layout:
//
//	<prefix>:<version>:<category>:<tenantID>:<segment>[:<segment>...]
//	<prefix>:<version>:<category>:global:<segment>[:<segment>...]
package keyspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxKeyLength is the hard upper bound for a composed key, in bytes.
const MaxKeyLength = 512

// GlobalScope is the tenant position marker for unscoped keys. It is
// reserved and can never be used as a tenant ID.
const GlobalScope = "global"

var (
	ErrInvalidKeyCategory  = errors.New("invalid key category")
	ErrInvalidTenantID     = errors.New("invalid tenant id")
	ErrKeyTooLong          = errors.New("key exceeds maximum length")
	ErrGlobalKeyNotAllowed = errors.New("global key not allowed")
	ErrInvalidKeySegment   = errors.New("invalid key segment")
	ErrMalformedKey        = errors.New("malformed key")
)

// Category is the fixed set of key families sharing the store.
type Category string

const (
	CategoryRateLimit Category = "rate-limit"
	CategorySession   Category = "session"
	CategoryCache     Category = "cache"
	CategoryQueue     Category = "queue"
	CategoryStreams   Category = "streams"
)

var categories = map[Category]struct{}{
	CategoryRateLimit: {},
	CategorySession:   {},
	CategoryCache:     {},
	CategoryQueue:     {},
	CategoryStreams:   {},
}

// Categories returns every known category.
func Categories() []Category {
	return []Category{CategoryRateLimit, CategorySession, CategoryCache, CategoryQueue, CategoryStreams}
}

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

var (
	tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	tokenPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Config describes a keyspace policy. It is copied into the Keyspace, so
// later changes to the Config have no effect.
type Config struct {
	Prefix  string
	Version string
	// DefaultTTLs maps a category to its retention default. Categories
	// missing here fall back to the package defaults.
	DefaultTTLs map[Category]time.Duration
	// GlobalAllowList maps a category to the first segments that may be
	// used with GlobalKey.
	GlobalAllowList map[Category][]string
}

var defaultTTLs = map[Category]time.Duration{
	CategoryRateLimit: time.Minute,
	CategorySession:   24 * time.Hour,
	CategoryCache:     10 * time.Minute,
	CategoryQueue:     7 * 24 * time.Hour,
	CategoryStreams:   24 * time.Hour,
}

// Global queue names used by the delivery engine.
const (
	GlobalWebhookDue  = "webhook-due"
	GlobalWebhookJobs = "webhook-jobs"
)

// Keyspace is an immutable, validated key policy.
type Keyspace struct {
	prefix  string
	version string
	ttls    map[Category]time.Duration
	globals map[Category]map[string]struct{}
}

// New validates cfg and returns a Keyspace.
func New(cfg Config) (*Keyspace, error) {
	if !tokenPattern.MatchString(cfg.Prefix) {
		return nil, fmt.Errorf("keyspace prefix %q: must match %s", cfg.Prefix, tokenPattern)
	}
	if !tokenPattern.MatchString(cfg.Version) {
		return nil, fmt.Errorf("keyspace version %q: must match %s", cfg.Version, tokenPattern)
	}

	ks := &Keyspace{
		prefix:  cfg.Prefix,
		version: cfg.Version,
		ttls:    make(map[Category]time.Duration, len(defaultTTLs)),
		globals: make(map[Category]map[string]struct{}),
	}
	for cat, ttl := range defaultTTLs {
		ks.ttls[cat] = ttl
	}
	for cat, ttl := range cfg.DefaultTTLs {
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKeyCategory, cat)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl for %q must be positive", cat)
		}
		ks.ttls[cat] = ttl
	}
	for cat, names := range cfg.GlobalAllowList {
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKeyCategory, cat)
		}
		set := make(map[string]struct{}, len(names))
		for _, name := range names {
			if err := validateSegment(name); err != nil {
				return nil, fmt.Errorf("global allow-list %q: %w", cat, err)
			}
			set[name] = struct{}{}
		}
		ks.globals[cat] = set
	}
	return ks, nil
}

// Default returns the keyspace used by the server: package TTLs and the
// delivery queue as the only global keys.
func Default(prefix, version string) (*Keyspace, error) {
	return New(Config{
		Prefix:  prefix,
		Version: version,
		GlobalAllowList: map[Category][]string{
			CategoryQueue: {GlobalWebhookDue, GlobalWebhookJobs},
		},
	})
}

// Prefix returns the application prefix.
func (k *Keyspace) Prefix() string { return k.prefix }

// Version returns the key layout version.
func (k *Keyspace) Version() string { return k.version }

// TenantScopedKey composes a key that belongs to exactly one tenant.
func (k *Keyspace) TenantScopedKey(cat Category, tenantID string, segments ...string) (string, error) {
	if !cat.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyCategory, cat)
	}
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return k.compose(cat, tenantID, segments)
}

// GlobalKey composes an unscoped key. Only allow-listed first segments are
// accepted so that tenant data can never land in a shared key by accident.
func (k *Keyspace) GlobalKey(cat Category, segments ...string) (string, error) {
	if !cat.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyCategory, cat)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %s requires a name", ErrGlobalKeyNotAllowed, cat)
	}
	if _, ok := k.globals[cat][segments[0]]; !ok {
		return "", fmt.Errorf("%w: %s:%s", ErrGlobalKeyNotAllowed, cat, segments[0])
	}
	return k.compose(cat, GlobalScope, segments)
}

func (k *Keyspace) compose(cat Category, scope string, segments []string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: at least one segment is required", ErrInvalidKeySegment)
	}
	for _, s := range segments {
		if err := validateSegment(s); err != nil {
			return "", err
		}
	}

	parts := make([]string, 0, 4+len(segments))
	parts = append(parts, k.prefix, k.version, string(cat), scope)
	parts = append(parts, segments...)
	key := strings.Join(parts, ":")

	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: %d bytes (max %d); hash long segments with HashSegment", ErrKeyTooLong, len(key), MaxKeyLength)
	}
	return key, nil
}

// ParsedKey is the decoded form of a key built by this package.
type ParsedKey struct {
	Category Category
	TenantID string
	Global   bool
	Segments []string
}

// ParseKey decodes key and checks that it was built by this keyspace.
func (k *Keyspace) ParseKey(key string) (ParsedKey, error) {
	if len(key) > MaxKeyLength {
		return ParsedKey{}, fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}
	parts := strings.Split(key, ":")
	if len(parts) < 5 {
		return ParsedKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	if parts[0] != k.prefix || parts[1] != k.version {
		return ParsedKey{}, fmt.Errorf("%w: foreign prefix or version in %q", ErrMalformedKey, key)
	}

	cat := Category(parts[2])
	if !cat.Valid() {
		return ParsedKey{}, fmt.Errorf("%w: %w: %q", ErrMalformedKey, ErrInvalidKeyCategory, cat)
	}

	segments := parts[4:]
	for _, s := range segments {
		if err := validateSegment(s); err != nil {
			return ParsedKey{}, fmt.Errorf("%w: %w", ErrMalformedKey, err)
		}
	}

	scope := parts[3]
	if scope == GlobalScope {
		if _, ok := k.globals[cat][segments[0]]; !ok {
			return ParsedKey{}, fmt.Errorf("%w: %w: %s:%s", ErrMalformedKey, ErrGlobalKeyNotAllowed, cat, segments[0])
		}
		return ParsedKey{Category: cat, TenantID: GlobalScope, Global: true, Segments: segments}, nil
	}
	if err := ValidateTenantID(scope); err != nil {
		return ParsedKey{}, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	return ParsedKey{Category: cat, TenantID: scope, Segments: segments}, nil
}

// TTL returns override when it is positive, otherwise the category default.
// Unknown categories get zero, which callers must treat as a bug.
func (k *Keyspace) TTL(cat Category, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return k.ttls[cat]
}

// ValidateTenantID checks the canonical tenant identifier shape.
func ValidateTenantID(tenantID string) error {
	if tenantID == GlobalScope {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidTenantID, tenantID)
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return nil
}

// HashSegment shortens an arbitrary identifier into a fixed-size segment.
func HashSegment(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func validateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidKeySegment)
	}
	if strings.ContainsAny(s, ": \t\r\n") {
		return fmt.Errorf("%w: %q contains a separator or whitespace", ErrInvalidKeySegment, s)
	}
	return nil
}
