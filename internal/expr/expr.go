// Package expr is the predicate DSL the repository accepts for queries.
// Callers compose a small AST with the builder functions here; Translate
// turns it into a parameterized SQL fragment using a descriptor's column
// mapping. Nothing in this package touches the database.
package expr

import "time"

// Predicate is a boolean expression over one entity's properties.
type Predicate interface {
	node()
}

// Comparison operators.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "<>"
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

type binary struct {
	Prop string
	Op   Op
	Val  any
}

type logical struct {
	And   bool
	Terms []Predicate
}

type likeKind int

const (
	likeContains likeKind = iota
	likeStartsWith
	likeEndsWith
)

type like struct {
	Prop string
	Kind likeKind
	Val  string
}

type in struct {
	Prop string
	Vals []any
}

type isNull struct {
	Prop string
	Not  bool
}

// raw carries an unsupported construct so Translate can report it by name
// instead of panicking. Produced only by Unsupported, which exists for
// callers that build predicates from external input.
type raw struct{ What string }

func (binary) node()  {}
func (logical) node() {}
func (like) node()    {}
func (in) node()      {}
func (isNull) node()  {}
func (raw) node()     {}

// Eq compares a property to a value.
func Eq(prop string, val any) Predicate { return binary{Prop: prop, Op: OpEq, Val: val} }

// Ne is property <> value.
func Ne(prop string, val any) Predicate { return binary{Prop: prop, Op: OpNe, Val: val} }

// Lt is property < value.
func Lt(prop string, val any) Predicate { return binary{Prop: prop, Op: OpLt, Val: val} }

// Le is property <= value.
func Le(prop string, val any) Predicate { return binary{Prop: prop, Op: OpLe, Val: val} }

// Gt is property > value.
func Gt(prop string, val any) Predicate { return binary{Prop: prop, Op: OpGt, Val: val} }

// Ge is property >= value.
func Ge(prop string, val any) Predicate { return binary{Prop: prop, Op: OpGe, Val: val} }

// And joins predicates with short-circuit AND semantics.
func And(terms ...Predicate) Predicate { return logical{And: true, Terms: terms} }

// Or joins predicates with OR.
func Or(terms ...Predicate) Predicate { return logical{And: false, Terms: terms} }

// Contains matches substrings (LIKE %s%).
func Contains(prop, s string) Predicate { return like{Prop: prop, Kind: likeContains, Val: s} }

// StartsWith matches prefixes (LIKE s%).
func StartsWith(prop, s string) Predicate { return like{Prop: prop, Kind: likeStartsWith, Val: s} }

// EndsWith matches suffixes (LIKE %s).
func EndsWith(prop, s string) Predicate { return like{Prop: prop, Kind: likeEndsWith, Val: s} }

// In matches any of the given values.
func In(prop string, vals ...any) Predicate { return in{Prop: prop, Vals: vals} }

// IsNull matches NULL.
func IsNull(prop string) Predicate { return isNull{Prop: prop} }

// IsNotNull matches non-NULL.
func IsNotNull(prop string) Predicate { return isNull{Prop: prop, Not: true} }

// Before is shorthand for a timestamp upper bound.
func Before(prop string, t time.Time) Predicate { return Lt(prop, t) }

// After is shorthand for a timestamp lower bound.
func After(prop string, t time.Time) Predicate { return Gt(prop, t) }

// Unsupported marks a construct the translator cannot express; translating
// it yields an unsupported-expression error naming the construct.
func Unsupported(what string) Predicate { return raw{What: what} }
