// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package tableengine

import (
	"strings"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// Canonical column types. User input is normalised to one of these; the
// engine file stores the canonical name as the declared type.
const (
	TypeInteger   = "INTEGER"
	TypeBigint    = "BIGINT"
	TypeDouble    = "DOUBLE"
	TypeText      = "TEXT"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMP"
	TypeDate      = "DATE"
)

var typeAliases = map[string]string{
	"INT":               TypeInteger,
	"INTEGER":           TypeInteger,
	"SMALLINT":          TypeInteger,
	"TINYINT":           TypeInteger,
	"BIGINT":            TypeBigint,
	"DOUBLE":            TypeDouble,
	"DOUBLE PRECISION":  TypeDouble,
	"FLOAT":             TypeDouble,
	"REAL":              TypeDouble,
	"NUMERIC":           TypeDouble,
	"DECIMAL":           TypeDouble,
	"TEXT":              TypeText,
	"STRING":            TypeText,
	"VARCHAR":           TypeText,
	"CHAR":              TypeText,
	"CHARACTER VARYING": TypeText,
	"BOOLEAN":           TypeBoolean,
	"BOOL":              TypeBoolean,
	"TIMESTAMP":         TypeTimestamp,
	"DATETIME":          TypeTimestamp,
	"DATE":              TypeDate,
}

// NormalizeType resolves a user-supplied type name to its canonical form.
func NormalizeType(name string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	// strip a length suffix like VARCHAR(255)
	if idx := strings.IndexByte(upper, '('); idx > 0 {
		upper = strings.TrimSpace(upper[:idx])
	}
	canonical, ok := typeAliases[upper]
	if !ok {
		return "", faults.InvalidArgument.New("unsupported column type %q", name)
	}
	return canonical, nil
}

// IsNumericType reports whether a canonical type participates in numeric
// profiling and correlations.
func IsNumericType(canonical string) bool {
	switch canonical {
	case TypeInteger, TypeBigint, TypeDouble:
		return true
	}
	return false
}

// quoteIdent quotes an identifier for embedding into SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SystemColumnPrefix marks engine-managed columns; imports never trust their
// values from the source.
const SystemColumnPrefix = "_"

// IsSystemColumn reports whether the column is engine-managed.
func IsSystemColumn(name string) bool {
	return strings.HasPrefix(name, SystemColumnPrefix)
}
