// Package sqlgen turns entity descriptors into parameterized SQL for the
// embedded SQLite backend: additive DDL, versioning-aware DML, and the
// latest-version SELECT forms.
package sqlgen

import (
	"strings"

	"github.com/smartpcr/persistence-lib/internal/entity"
)

// reservedWords is the subset of SQL keywords that show up as column names in
// practice. Anything here (or containing non-alphanumerics) gets bracket
// escaping.
var reservedWords = map[string]bool{
	"order": true, "group": true, "index": true, "key": true, "table": true,
	"select": true, "insert": true, "update": true, "delete": true,
	"from": true, "where": true, "to": true, "default": true, "values": true,
	"check": true, "primary": true, "foreign": true, "references": true,
	"constraint": true, "limit": true, "offset": true,
}

func needsEscape(name string) bool {
	if reservedWords[strings.ToLower(name)] {
		return true
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return true
		}
	}
	return false
}

// quote escapes an identifier with brackets when required.
func quote(name string) string {
	if needsEscape(name) {
		return "[" + name + "]"
	}
	return name
}

// sqliteType narrows an abstract SQL type to SQLite's storage classes.
func sqliteType(c *entity.Column) string {
	switch c.Type {
	case entity.TypeText, entity.TypeNVarChar, entity.TypeDateTime, entity.TypeJSON:
		return "TEXT"
	case entity.TypeTinyInt, entity.TypeSmallInt, entity.TypeInt, entity.TypeBigInt,
		entity.TypeInteger, entity.TypeBit:
		return "INTEGER"
	case entity.TypeDecimal, entity.TypeReal, entity.TypeFloat:
		return "REAL"
	case entity.TypeBlob, entity.TypeVarBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// DateTimeFormatter wraps TEXT-stored timestamps in datetime() so string
// comparison follows temporal order regardless of stored precision.
type DateTimeFormatter struct {
	desc *entity.Descriptor
}

// NewDateTimeFormatter builds the SQLite formatter for a descriptor.
func NewDateTimeFormatter(d *entity.Descriptor) *DateTimeFormatter {
	return &DateTimeFormatter{desc: d}
}

// RequiresDateTimeConversion is true for DATETIME-typed columns.
func (f *DateTimeFormatter) RequiresDateTimeConversion(property string) bool {
	c := f.desc.Column(property)
	return c != nil && c.Type == entity.TypeDateTime
}

// FormatDateTimeColumn wraps the column side.
func (f *DateTimeFormatter) FormatDateTimeColumn(column string) string {
	return "datetime(" + column + ")"
}

// FormatDateTimeParameter wraps the parameter side.
func (f *DateTimeFormatter) FormatDateTimeParameter(placeholder string) string {
	return "datetime(" + placeholder + ")"
}
