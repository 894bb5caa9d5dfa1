package schema

import (
	"fmt"
	"strings"
)

// Dialect names a SQL flavour the canonical tables can be created in.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func columnType(d Dialect, t Type) string {
	if d == DialectPostgres {
		switch t {
		case TypeMoney:
			return "NUMERIC(16,2)"
		case TypeInteger:
			return "BIGINT"
		case TypeFloat:
			return "DOUBLE PRECISION"
		case TypeYear:
			return "INTEGER"
		case TypeDate:
			return "DATE"
		case TypeTimestamp:
			return "TIMESTAMPTZ"
		case TypeBool:
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	}
	switch t {
	case TypeMoney:
		return "NUMERIC"
	case TypeInteger, TypeYear:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// TimestampType is the column type used for bookkeeping timestamps.
func TimestampType(d Dialect) string {
	return columnType(d, TypeTimestamp)
}

// CreateTableSQL returns the statements creating table for entity e: a
// surrogate id, every canonical field, created_at/updated_at and a unique
// index on the natural key.
func CreateTableSQL(e *Entity, table string, d Dialect) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	fmt.Fprintf(&b, "  %s BIGINT PRIMARY KEY", ColumnID)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, ",\n  %s %s", f.Name, columnType(d, f.Type))
		if e.IsKey(f.Name) {
			b.WriteString(" NOT NULL")
		}
	}
	fmt.Fprintf(&b, ",\n  %s %s NOT NULL", ColumnCreatedAt, TimestampType(d))
	fmt.Fprintf(&b, ",\n  %s %s NOT NULL", ColumnUpdatedAt, TimestampType(d))
	b.WriteString("\n)")

	return []string{
		b.String(),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_natural_key ON %s (%s)",
			table, table, JoinFields(e.NaturalKey)),
	}
}

// JoinFields renders fields as a comma separated column list.
func JoinFields(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

// ArtifactTableSQL creates table for entity e inside an exported database
// file: the canonical fields keyed by the natural key, plus updated_at.
func ArtifactTableSQL(e *Entity, table string, d Dialect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "  %s %s", f.Name, columnType(d, f.Type))
		if e.IsKey(f.Name) {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "  %s %s,\n", ColumnUpdatedAt, TimestampType(d))
	fmt.Fprintf(&b, "  PRIMARY KEY (%s)\n)", JoinFields(e.NaturalKey))
	return b.String()
}
