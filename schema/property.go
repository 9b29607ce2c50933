// Package schema describes the entity-side metadata the query layer
// consumes: property handles, declared types, and relation descriptors.
// Entity definition and code generation themselves are out of scope here;
// callers (typically generated code) construct these values once per
// entity and reuse them.
package schema

// TypeTag names the declared wire type of a property, matching the set
// the storage backend understands at its boundary.
type TypeTag int

const (
	Bool TypeTag = iota
	Byte
	Short
	Char
	Int
	Long
	Float
	Double
	String
	ByteArray
	// Date properties are carried at the backend as Long (epoch
	// milliseconds).
	Date
)

func (t TypeTag) String() string {
	switch t {
	case Bool:
		return "Bool"
	case Byte:
		return "Byte"
	case Short:
		return "Short"
	case Char:
		return "Char"
	case Int:
		return "Int"
	case Long:
		return "Long"
	case Float:
		return "Float"
	case Double:
		return "Double"
	case String:
		return "String"
	case ByteArray:
		return "ByteArray"
	case Date:
		return "Date"
	default:
		return "Unknown"
	}
}

// PropertyRef is an immutable handle identifying a property of an entity:
// its backend-allocated id and its declared type. Generated entity meta
// classes construct one PropertyRef per field and hand it to the
// QueryBuilder's leaf predicate methods.
type PropertyRef struct {
	ID           uint32
	DeclaredType TypeTag
	// EntityName names the owning entity. QueryBuilder does not read it;
	// the backend's CreateBuilder is called with EntityInfo.Name.
	EntityName string
}

// EntityInfo is the generated per-entity metadata a QueryBuilder is bound
// to: its name as known to the storage backend. Turning a raw row scanned
// by the backend into a T is the job of the query.Decoder passed to
// NewQueryBuilder alongside it.
type EntityInfo[T any] struct {
	Name string
}
