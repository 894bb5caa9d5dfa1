// Package schema defines the canonical, source-independent schema of the
// county data the pipeline ingests: the closed set of fields, their semantic
// types and bounds, the natural key of every entity and the column used as
// the incremental watermark.
package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/countyops/assessorsync/pkg/errors"
)

// Field is a canonical field name. Rows are keyed by Field, never by source
// column names.
type Field string

// Type is the semantic type a canonical field is coerced to.
type Type int

const (
	TypeString Type = iota
	TypeMoney
	TypeInteger
	TypeFloat
	TypeYear
	TypeDate
	TypeTimestamp
	TypeBool
)

var typeNames = map[Type]string{
	TypeString:    "string",
	TypeMoney:     "money",
	TypeInteger:   "integer",
	TypeFloat:     "float",
	TypeYear:      "year",
	TypeDate:      "date",
	TypeTimestamp: "timestamp",
	TypeBool:      "bool",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Year bounds applied to every TypeYear field.
const (
	MinYear = 1800
	MaxYear = 2100
)

// FieldDef describes one canonical field.
type FieldDef struct {
	Name       Field
	Type       Type
	// Bounded fields outside [Min, Max] are coerced to nil.
	Bounded    bool
	Min, Max   float64
	// AreaCapped fields take their upper bound from the configured area cap.
	AreaCapped bool
}

// Derivation computes Target as the sum of Sum when Target is absent.
type Derivation struct {
	Target Field
	Sum    []Field
}

// Entity is a canonical table definition.
type Entity struct {
	Name        string
	Fields      []FieldDef
	NaturalKey  []Field
	Watermark   Field
	Derivations []Derivation
	// Latitude and Longitude name the point columns of geocoded entities.
	Latitude    Field
	Longitude   Field

	index map[Field]int
}

// Field returns the definition of name.
func (e *Entity) Field(name Field) (FieldDef, bool) {
	i, ok := e.index[name]
	if !ok {
		return FieldDef{}, false
	}
	return e.Fields[i], true
}

// Has reports whether name is a field of the entity.
func (e *Entity) Has(name Field) bool {
	_, ok := e.index[name]
	return ok
}

// Columns lists the field names in declaration order.
func (e *Entity) Columns() []Field {
	cols := make([]Field, len(e.Fields))
	for i, f := range e.Fields {
		cols[i] = f.Name
	}
	return cols
}

// IsKey reports whether name is part of the natural key.
func (e *Entity) IsKey(name Field) bool {
	for _, k := range e.NaturalKey {
		if k == name {
			return true
		}
	}
	return false
}

// HasGeometry reports whether rows of the entity carry a point.
func (e *Entity) HasGeometry() bool {
	return e.Latitude != "" && e.Longitude != ""
}

// WithWatermark returns a copy of e whose watermark column is col.
func (e *Entity) WithWatermark(col Field) (*Entity, error) {
	if col == e.Watermark {
		return e, nil
	}
	def, ok := e.Field(col)
	if !ok {
		return nil, errors.Newf(errors.KindConfig, "watermark column %q is not a field of %s", col, e.Name)
	}
	switch def.Type {
	case TypeTimestamp, TypeDate, TypeInteger, TypeYear:
	default:
		return nil, errors.Newf(errors.KindConfig, "watermark column %q has type %s", col, def.Type)
	}
	cp := *e
	cp.Watermark = col
	return &cp, nil
}

func (e *Entity) build() {
	e.index = make(map[Field]int, len(e.Fields))
	for i, f := range e.Fields {
		e.index[f.Name] = i
	}
}

// Registry holds the entity definitions known to the process.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewRegistry creates a registry pre-populated with the canonical entities.
func NewRegistry() *Registry {
	r := &Registry{entities: make(map[string]*Entity)}
	for _, e := range canonicalEntities() {
		r.entities[e.Name] = e
	}
	return r
}

// Register adds or replaces an entity definition.
func (r *Registry) Register(e *Entity) error {
	if e.Name == "" || len(e.NaturalKey) == 0 {
		return errors.New(errors.KindConfig, "entity needs a name and a natural key")
	}
	e.build()
	for _, k := range e.NaturalKey {
		if !e.Has(k) {
			return errors.Newf(errors.KindConfig, "natural key %q is not a field of %s", k, e.Name)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.Name] = e
	return nil
}

// Lookup returns the entity for a data type / table name.
func (r *Registry) Lookup(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	if !ok {
		return nil, errors.Newf(errors.KindConfig, "unknown data type %q", name)
	}
	return e, nil
}

// Names lists the registered entities in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for n := range r.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Lookup resolves name against the canonical entities.
func Lookup(name string) (*Entity, error) {
	return defaultRegistry.Lookup(name)
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
