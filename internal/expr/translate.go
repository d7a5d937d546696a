package expr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupported is wrapped by every unsupported-expression failure.
var ErrUnsupported = errors.New("unsupported expression")

// ColumnResolver maps a property name to its SQL column name. Descriptors
// satisfy this with their ColumnName method.
type ColumnResolver interface {
	ColumnName(property string) (string, error)
}

// DateTimeFormatter lets a backend normalize timestamp comparisons when the
// storage type is TEXT. The SQLite backend wraps both sides in datetime();
// the default is a no-op.
type DateTimeFormatter interface {
	RequiresDateTimeConversion(property string) bool
	FormatDateTimeColumn(column string) string
	FormatDateTimeParameter(placeholder string) string
}

// NopDateTimeFormatter is the default no-op formatter.
type NopDateTimeFormatter struct{}

func (NopDateTimeFormatter) RequiresDateTimeConversion(string) bool  { return false }
func (NopDateTimeFormatter) FormatDateTimeColumn(c string) string    { return c }
func (NopDateTimeFormatter) FormatDateTimeParameter(p string) string { return p }

// Fragment is a translated WHERE clause. SQL uses @p{N} placeholders whose
// values live in Params.
type Fragment struct {
	SQL    string
	Params map[string]any

	// ReferencesVersion is true when the predicate constrains the Version
	// column explicitly; the SELECT generator then skips its latest-version
	// filter.
	ReferencesVersion bool

	// SingleKeyParam is the placeholder name of the sole key-equality
	// comparison when the predicate pins exactly one primary-key value at
	// the top level (possibly ANDed with other terms). Empty otherwise.
	SingleKeyParam string
}

// Translator converts predicates into SQL fragments for one descriptor.
type Translator struct {
	resolver ColumnResolver
	dt       DateTimeFormatter

	// KeyProperty is the identity property used to detect single-key
	// queries (correlated-subquery form). Optional.
	KeyProperty string
	// VersionProperty defaults to "Version".
	VersionProperty string
}

// NewTranslator builds a translator over the given column mapping.
func NewTranslator(resolver ColumnResolver, dt DateTimeFormatter) *Translator {
	if dt == nil {
		dt = NopDateTimeFormatter{}
	}
	return &Translator{resolver: resolver, dt: dt, VersionProperty: "Version"}
}

type translation struct {
	*Translator
	sb      strings.Builder
	params  map[string]any
	counter int
	frag    Fragment
	depth   int
}

// Translate renders the predicate. A nil predicate yields an empty fragment.
func (t *Translator) Translate(p Predicate) (Fragment, error) {
	tr := &translation{Translator: t, params: make(map[string]any)}
	if p != nil {
		if err := tr.walk(p); err != nil {
			return Fragment{}, err
		}
	}
	tr.frag.SQL = tr.sb.String()
	tr.frag.Params = tr.params
	return tr.frag, nil
}

func (tr *translation) nextParam(v any) string {
	name := fmt.Sprintf("p%d", tr.counter)
	tr.counter++
	tr.params[name] = v
	return "@" + name
}

func (tr *translation) column(prop string) (string, error) {
	col, err := tr.resolver.ColumnName(prop)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return col, nil
}

func (tr *translation) walk(p Predicate) error {
	switch n := p.(type) {
	case binary:
		return tr.binary(n)
	case logical:
		return tr.logical(n)
	case like:
		return tr.like(n)
	case in:
		return tr.in(n)
	case isNull:
		col, err := tr.column(n.Prop)
		if err != nil {
			return err
		}
		if n.Not {
			fmt.Fprintf(&tr.sb, "%s IS NOT NULL", col)
		} else {
			fmt.Fprintf(&tr.sb, "%s IS NULL", col)
		}
		return nil
	case raw:
		return fmt.Errorf("%w: %s", ErrUnsupported, n.What)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, p)
	}
}

func (tr *translation) binary(n binary) error {
	col, err := tr.column(n.Prop)
	if err != nil {
		return err
	}
	val := normalizeValue(n.Val)
	ph := tr.nextParam(val)

	lhs, rhs := col, ph
	if _, isTime := n.Val.(time.Time); isTime && tr.dt.RequiresDateTimeConversion(n.Prop) {
		lhs = tr.dt.FormatDateTimeColumn(col)
		rhs = tr.dt.FormatDateTimeParameter(ph)
	}
	fmt.Fprintf(&tr.sb, "%s %s %s", lhs, n.Op, rhs)

	if n.Prop == tr.VersionProperty {
		tr.frag.ReferencesVersion = true
	}
	if n.Op == OpEq && tr.KeyProperty != "" && (n.Prop == tr.KeyProperty || n.Prop == "Id" || n.Prop == "Key") && tr.depth == 0 {
		if tr.frag.SingleKeyParam == "" {
			tr.frag.SingleKeyParam = strings.TrimPrefix(ph, "@")
		}
	}
	return nil
}

func (tr *translation) logical(n logical) error {
	if len(n.Terms) == 0 {
		return fmt.Errorf("%w: empty %s", ErrUnsupported, map[bool]string{true: "AND", false: "OR"}[n.And])
	}
	op := " OR "
	if n.And {
		op = " AND "
	} else {
		// Inside an OR a key equality no longer pins a single row.
		tr.depth++
		defer func() { tr.depth-- }()
	}
	tr.sb.WriteString("(")
	for i, term := range n.Terms {
		if i > 0 {
			tr.sb.WriteString(op)
		}
		if err := tr.walk(term); err != nil {
			return err
		}
	}
	tr.sb.WriteString(")")
	return nil
}

func (tr *translation) like(n like) error {
	col, err := tr.column(n.Prop)
	if err != nil {
		return err
	}
	var pattern string
	switch n.Kind {
	case likeContains:
		pattern = "%" + escapeLike(n.Val) + "%"
	case likeStartsWith:
		pattern = escapeLike(n.Val) + "%"
	case likeEndsWith:
		pattern = "%" + escapeLike(n.Val)
	}
	ph := tr.nextParam(pattern)
	fmt.Fprintf(&tr.sb, "%s LIKE %s ESCAPE '\\'", col, ph)
	return nil
}

func (tr *translation) in(n in) error {
	col, err := tr.column(n.Prop)
	if err != nil {
		return err
	}
	if len(n.Vals) == 0 {
		// IN () never matches; emit a constant-false predicate.
		tr.sb.WriteString("1 = 0")
		return nil
	}
	phs := make([]string, len(n.Vals))
	for i, v := range n.Vals {
		phs[i] = tr.nextParam(normalizeValue(v))
	}
	fmt.Fprintf(&tr.sb, "%s IN (%s)", col, strings.Join(phs, ", "))
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// normalizeValue pre-evaluates values into their storage representation:
// timestamps become ISO-8601 text with millisecond precision, durations whole
// seconds, booleans 0/1.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.000")
	case time.Duration:
		return int64(x / time.Second)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}
