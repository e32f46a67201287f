// Package schema implements the event schema registry: typed field
// definitions per (eventType, version), validation, and compatibility
// checking between versions.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
)

// FieldType is drawn from a closed set; the core never infers types from
// payloads (schema inference is explicitly out of scope).
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInteger   FieldType = "INTEGER"
	TypeLong      FieldType = "LONG"
	TypeDouble    FieldType = "DOUBLE"
	TypeBoolean   FieldType = "BOOLEAN"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeUUID      FieldType = "UUID"
	TypeObject    FieldType = "OBJECT"
	TypeArray     FieldType = "ARRAY"
	TypeMap       FieldType = "MAP"
	TypeAny       FieldType = "ANY"
)

// compatibleWidenings lists type pairs allowed when AllowFieldTypeChanges is
// unset: the new type may only widen, never narrow or change shape.
var compatibleWidenings = map[FieldType]map[FieldType]bool{
	TypeInteger: {TypeLong: true, TypeDouble: true},
	TypeLong:    {TypeDouble: true},
}

func isWideningOf(from, to FieldType) bool {
	if to == TypeAny || from == TypeAny {
		return true
	}
	if from == to {
		return true
	}
	return compatibleWidenings[from][to]
}

// FieldDefinition describes one field's declared type.
type FieldDefinition struct {
	Type FieldType
}

// Compatibility selects which compatibility rule register() enforces
// against the prior latest version.
type Compatibility string

const (
	CompatibilityBackward Compatibility = "BACKWARD"
	CompatibilityForward  Compatibility = "FORWARD"
	CompatibilityFull     Compatibility = "FULL"
	CompatibilityNone     Compatibility = "NONE"
)

// CompatibilityOptions tunes the strictness of a compatibility rule.
type CompatibilityOptions struct {
	AllowRequiredFieldAdditions bool
	AllowFieldRemovals          bool
	AllowFieldTypeChanges       bool
	AllowExtraFields            bool
}

// MigrationFunc transforms a payload from the version it was written under
// to the next version in the migration path.
type MigrationFunc func(data any) (any, error)

// Schema is a named, versioned contract for an event type's payload shape.
// (EventType, Version) is unique within a Registry.
type Schema struct {
	EventType     string
	Version       string
	Description   string
	Fields        map[string]FieldDefinition
	Required      map[string]bool
	Compatibility Compatibility
	Options       CompatibilityOptions
	Metadata      map[string]string
	MigrateUp     MigrationFunc // transforms a payload from this version to the next
}

// FieldErrorKind classifies one validation finding.
type FieldErrorKind string

const (
	ErrorMissingRequiredField FieldErrorKind = "MISSING_REQUIRED_FIELD"
	ErrorInvalidType          FieldErrorKind = "INVALID_TYPE"
	ErrorInvalidValue         FieldErrorKind = "INVALID_VALUE"
	ErrorUnknownField         FieldErrorKind = "UNKNOWN_FIELD"
	ErrorSchemaMismatch       FieldErrorKind = "SCHEMA_MISMATCH"
)

// FieldError is one per-field validation finding.
type FieldError struct {
	Field   string
	Kind    FieldErrorKind
	Message string
}

// ValidationResult is the outcome of validating an event against a schema.
type ValidationResult struct {
	Valid  bool
	Errors []FieldError
}

// VersionComparator totally orders two version strings, returning <0, 0, >0.
// The default, DefaultVersionComparator, compares dot-separated segments
// numerically; supply a custom one via WithVersionComparator for any other
// ordering.
type VersionComparator func(a, b string) int

// DefaultVersionComparator compares dot-separated numeric segments
// numerically, falling back to lexicographic comparison on non-numeric
// segments. It is the same order-of-magnitude approach as lexicographic
// zero-padded comparison but tolerant of unpadded segments.
func DefaultVersionComparator(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if ai != bi {
				return ai - bi
			}
			continue
		}
		if as[i] != bs[i] {
			return strings.Compare(as[i], bs[i])
		}
	}
	return len(as) - len(bs)
}

// Registry stores schemas keyed by eventType -> version -> Schema, tracking
// the latest version per type and caching computed migration paths.
type Registry struct {
	mu sync.RWMutex

	enforceCompatibility bool
	defaultCompat        Compatibility
	comparator           VersionComparator

	schemas map[string]map[string]Schema
	latest  map[string]string

	pathCache map[string][]string // "type|from|to" -> ordered version path
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*Registry)

// WithEnforceCompatibility requires new registrations to pass the
// configured compatibility rule against the current latest version.
func WithEnforceCompatibility(enforce bool) RegistryOption {
	return func(r *Registry) { r.enforceCompatibility = enforce }
}

// WithDefaultCompatibility sets the compatibility rule used when a Schema
// does not specify its own.
func WithDefaultCompatibility(c Compatibility) RegistryOption {
	return func(r *Registry) { r.defaultCompat = c }
}

// WithVersionComparator overrides the default numeric-aware comparator.
func WithVersionComparator(cmp VersionComparator) RegistryOption {
	return func(r *Registry) { r.comparator = cmp }
}

// NewRegistry creates an empty schema registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		defaultCompat: CompatibilityBackward,
		comparator:    DefaultVersionComparator,
		schemas:       make(map[string]map[string]Schema),
		latest:        make(map[string]string),
		pathCache:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates a schema's well-formedness and, if enforceCompatibility
// is set and a prior version exists for the type, checks it against the
// configured compatibility rule before inserting and updating latest.
func (r *Registry) Register(s Schema) error {
	if s.EventType == "" || s.Version == "" {
		return fmt.Errorf("schema: eventType and version are required")
	}
	for field := range s.Required {
		if _, ok := s.Fields[field]; !ok {
			return fmt.Errorf("schema: required field %q has no field definition", field)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.schemas[s.EventType]
	if !ok {
		versions = make(map[string]Schema)
		r.schemas[s.EventType] = versions
	}
	if _, exists := versions[s.Version]; exists {
		return fmt.Errorf("schema: %s/%s already registered", s.EventType, s.Version)
	}

	if r.enforceCompatibility {
		if latestVersion, exists := r.latest[s.EventType]; exists {
			prior := versions[latestVersion]
			compat := s.Compatibility
			if compat == "" {
				compat = r.defaultCompat
			}
			if err := checkCompatibility(compat, prior, s); err != nil {
				return fmt.Errorf("schema: %s/%s incompatible with %s: %w", s.EventType, s.Version, latestVersion, err)
			}
		}
	}

	versions[s.Version] = s

	current, hasLatest := r.latest[s.EventType]
	if !hasLatest || r.comparator(s.Version, current) > 0 {
		r.latest[s.EventType] = s.Version
	}

	return nil
}

// Get returns a schema by exact (type, version).
func (r *Registry) Get(eventType, version string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.schemas[eventType]
	if !ok {
		return Schema{}, false
	}
	s, ok := versions[version]
	return s, ok
}

// GetLatest returns the highest-ordered registered version for eventType.
func (r *Registry) GetLatest(eventType string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, ok := r.latest[eventType]
	if !ok {
		return Schema{}, false
	}
	return r.schemas[eventType][version], true
}

// Versions returns all registered versions for eventType in ascending order.
func (r *Registry) Versions(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.schemas[eventType]))
	for v := range r.schemas[eventType] {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return r.comparator(versions[i], versions[j]) < 0 })
	return versions
}

// Types returns all event types with at least one registered schema.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsCompatible reports whether the schema registered at `to` is compatible
// with the one at `from`, under that schema's own compatibility rule.
func (r *Registry) IsCompatible(eventType, from, to string) bool {
	fromSchema, ok := r.Get(eventType, from)
	if !ok {
		return false
	}
	toSchema, ok := r.Get(eventType, to)
	if !ok {
		return false
	}
	compat := toSchema.Compatibility
	if compat == "" {
		r.mu.RLock()
		compat = r.defaultCompat
		r.mu.RUnlock()
	}
	return checkCompatibility(compat, fromSchema, toSchema) == nil
}

// Validate resolves a schema by the event's type and its `schemaVersion`
// header (or the latest registered version if absent) and checks the
// payload against it.
func (r *Registry) Validate(e event.Event) ValidationResult {
	version, hasVersion := e.Headers().Get(event.HeaderSchemaVersion)

	var (
		s  Schema
		ok bool
	)
	if hasVersion {
		s, ok = r.Get(e.Type(), version)
	} else {
		s, ok = r.GetLatest(e.Type())
	}
	if !ok {
		return ValidationResult{
			Valid: false,
			Errors: []FieldError{{
				Kind:    ErrorSchemaMismatch,
				Message: fmt.Sprintf("no schema registered for type %q version %q", e.Type(), version),
			}},
		}
	}

	return validatePayload(s, e.Data())
}

func validatePayload(s Schema, data any) ValidationResult {
	fields, ok := data.(map[string]any)
	if !ok {
		return ValidationResult{
			Valid:  false,
			Errors: []FieldError{{Kind: ErrorSchemaMismatch, Message: "payload is not a field map"}},
		}
	}

	var errs []FieldError

	for name := range s.Required {
		if _, present := fields[name]; !present {
			errs = append(errs, FieldError{Field: name, Kind: ErrorMissingRequiredField, Message: fmt.Sprintf("missing required field %q", name)})
		}
	}

	for name, value := range fields {
		def, known := s.Fields[name]
		if !known {
			if !s.Options.AllowExtraFields {
				errs = append(errs, FieldError{Field: name, Kind: ErrorUnknownField, Message: fmt.Sprintf("unknown field %q", name)})
			}
			continue
		}
		if !matchesType(def.Type, value) {
			errs = append(errs, FieldError{Field: name, Kind: ErrorInvalidType, Message: fmt.Sprintf("field %q expected %s", name, def.Type)})
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// matchesType performs a structural check only for OBJECT/MAP/ANY.
func matchesType(t FieldType, value any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString, TypeUUID, TypeTimestamp:
		_, ok := value.(string)
		return ok
	case TypeInteger:
		switch value.(type) {
		case int, int32:
			return true
		default:
			return false
		}
	case TypeLong:
		switch value.(type) {
		case int, int32, int64:
			return true
		default:
			return false
		}
	case TypeDouble:
		switch value.(type) {
		case float32, float64, int, int64:
			return true
		default:
			return false
		}
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		switch value.(type) {
		case []any:
			return true
		default:
			return false
		}
	case TypeObject, TypeMap:
		switch value.(type) {
		case map[string]any:
			return true
		default:
			return false
		}
	default:
		return true
	}
}

// checkCompatibility verifies "to" is compatible with "from" under rule.
func checkCompatibility(rule Compatibility, from, to Schema) error {
	switch rule {
	case CompatibilityNone:
		return nil
	case CompatibilityBackward:
		return checkBackward(from, to)
	case CompatibilityForward:
		return checkForward(from, to)
	case CompatibilityFull:
		if err := checkBackward(from, to); err != nil {
			return err
		}
		return checkForward(from, to)
	default:
		return checkBackward(from, to)
	}
}

// checkBackward verifies the new schema (to) accepts data written for the
// old one (from): the new schema must not add required fields (unless
// allowed), must not remove fields (unless allowed), and field types must be
// equal or widen (unless type changes are freely allowed).
func checkBackward(from, to Schema) error {
	if !to.Options.AllowRequiredFieldAdditions {
		for name := range to.Required {
			if _, existedBefore := from.Fields[name]; !existedBefore {
				return fmt.Errorf("new required field %q added", name)
			}
		}
	}
	if !to.Options.AllowFieldRemovals {
		for name := range from.Fields {
			if _, stillPresent := to.Fields[name]; !stillPresent {
				return fmt.Errorf("field %q removed", name)
			}
		}
	}
	if !to.Options.AllowFieldTypeChanges {
		for name, oldDef := range from.Fields {
			newDef, present := to.Fields[name]
			if !present {
				continue
			}
			if !isWideningOf(oldDef.Type, newDef.Type) {
				return fmt.Errorf("field %q type changed from %s to %s", name, oldDef.Type, newDef.Type)
			}
		}
	}
	return nil
}

// checkForward verifies the old schema (from) accepts data written for the
// new one (to): no new required fields, and unless extra fields are
// allowed, no added fields of any kind.
func checkForward(from, to Schema) error {
	for name := range to.Required {
		if _, existedBefore := from.Fields[name]; !existedBefore {
			return fmt.Errorf("new required field %q added", name)
		}
	}
	if !to.Options.AllowExtraFields {
		for name := range to.Fields {
			if _, existedBefore := from.Fields[name]; !existedBefore {
				return fmt.Errorf("field %q added", name)
			}
		}
	}
	return nil
}

// MigrateToVersion computes the monotonic version path from the event's
// current schemaVersion header to target and applies each step's
// MigrateUp function in sequence, caching the computed path.
func (r *Registry) MigrateToVersion(e event.Event, target string) (event.Event, error) {
	from, ok := e.Headers().Get(event.HeaderSchemaVersion)
	if !ok {
		latest, ok := r.GetLatest(e.Type())
		if !ok {
			return e, fmt.Errorf("schema: no schema registered for type %q", e.Type())
		}
		from = latest.Version
	}
	if from == target {
		return e, nil
	}

	path, err := r.migrationPath(e.Type(), from, target)
	if err != nil {
		return e, err
	}

	data := e.Data()
	for i := 0; i < len(path)-1; i++ {
		step, ok := r.Get(e.Type(), path[i])
		if !ok || step.MigrateUp == nil {
			return e, fmt.Errorf("schema: no migration function from %s to %s", path[i], path[i+1])
		}
		data, err = step.MigrateUp(data)
		if err != nil {
			return e, fmt.Errorf("schema: migration %s->%s failed: %w", path[i], path[i+1], err)
		}
	}

	migrated := event.New(e.Type(), data, e.Source()).
		WithHeaders(e.Headers()).
		WithPriority(e.Priority()).
		WithVersion(e.Version()).
		WithCorrelationID(e.CorrelationID()).
		WithCausationID(e.CausationID()).
		WithHeader(event.HeaderSchemaVersion, target)
	return migrated, nil
}

func (r *Registry) migrationPath(eventType, from, to string) ([]string, error) {
	cacheKey := eventType + "|" + from + "|" + to

	r.mu.RLock()
	if cached, ok := r.pathCache[cacheKey]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	all := r.Versions(eventType)
	startIdx, endIdx := -1, -1
	for i, v := range all {
		if v == from {
			startIdx = i
		}
		if v == to {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 {
		return nil, fmt.Errorf("schema: version not found on migration path %s -> %s", from, to)
	}
	if startIdx > endIdx {
		return nil, fmt.Errorf("schema: cannot migrate backward from %s to %s", from, to)
	}

	path := append([]string(nil), all[startIdx:endIdx+1]...)

	r.mu.Lock()
	r.pathCache[cacheKey] = path
	r.mu.Unlock()

	return path, nil
}
