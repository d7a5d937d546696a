package sqlgen

import (
	"strings"
	"testing"
	"time"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
)

type genWidget struct {
	Id    string `persist:"pk,size=64"`
	Name  string `persist:"notnull,index"`
	Qty   int64  `persist:""`
	State string `persist:"enum=new|active"`
}

func hardDesc(t *testing.T) *entity.Descriptor {
	t.Helper()
	d, err := entity.FromStruct(genWidget{}, entity.WithTable("Widgets"))
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	return d
}

func softDesc(t *testing.T) *entity.Descriptor {
	t.Helper()
	d, err := entity.FromStruct(genWidget{}, entity.WithTable("Widgets"),
		entity.WithSoftDelete(), entity.WithExpiry(time.Hour))
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	return d
}

func TestCreateTableSQL(t *testing.T) {
	g := New(softDesc(t))
	ddl := g.CreateTableSQL(true)

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS Widgets",
		"Id TEXT",
		"Name TEXT NOT NULL",
		"Qty INTEGER",
		"Version INTEGER NOT NULL",
		"IsDeleted INTEGER NOT NULL DEFAULT 0",
		"AbsoluteExpiration TEXT",
		"PRIMARY KEY (Id, Version)",
		"CONSTRAINT CK_Widgets_State CHECK (State IN ('new', 'active'))",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
}

func TestCreateTableReservedEscaping(t *testing.T) {
	d, err := entity.NewBuilder("T").
		Column(entity.Column{Property: "Id", PKOrder: 1, Type: entity.TypeText}).
		Column(entity.Column{Property: "Order", Name: "Order", Type: entity.TypeInt}).
		Build()
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	ddl := New(d).CreateTableSQL(false)
	if !strings.Contains(ddl, "[Order] INTEGER") {
		t.Errorf("reserved column not escaped:\n%s", ddl)
	}
}

func TestCreateIndexSQL(t *testing.T) {
	g := New(hardDesc(t))
	stmts := g.CreateIndexSQL(true)
	if len(stmts) != 1 {
		t.Fatalf("index statements = %d, want 1", len(stmts))
	}
	want := "CREATE INDEX IF NOT EXISTS IX_Widgets_Name ON Widgets (Name)"
	if stmts[0] != want {
		t.Errorf("index sql = %q, want %q", stmts[0], want)
	}
}

func TestInsertSQLHardDelete(t *testing.T) {
	g := New(hardDesc(t))
	sql := g.InsertSQL()
	if !strings.Contains(sql, "INSERT INTO Widgets") {
		t.Errorf("bad insert: %s", sql)
	}
	if !strings.Contains(sql, "@Version") || strings.Contains(sql, "@"+NextVersionParam) {
		t.Errorf("hard-delete insert should bind @Version directly: %s", sql)
	}
}

func TestInsertSQLSoftDelete(t *testing.T) {
	g := New(softDesc(t))
	sql := g.InsertSQL()
	if !strings.Contains(sql, "@"+NextVersionParam) {
		t.Errorf("soft-delete insert must bind @NextVersion: %s", sql)
	}
	// IsDeleted is a literal, never a parameter.
	if strings.Contains(sql, "@IsDeleted") {
		t.Errorf("IsDeleted must be a literal: %s", sql)
	}
	if !strings.Contains(g.TombstoneInsertSQL(), ", 1") {
		t.Errorf("tombstone insert must fix IsDeleted to 1: %s", g.TombstoneInsertSQL())
	}
}

func TestBatchInsertSQL(t *testing.T) {
	g := New(hardDesc(t))
	sql := g.BatchInsertSQL(2)
	for _, want := range []string{"@Name_0", "@Name_1", "@Id_0", "@Id_1"} {
		if !strings.Contains(sql, want) {
			t.Errorf("batch insert missing %q: %s", want, sql)
		}
	}
}

func TestUpdateSQLHardDelete(t *testing.T) {
	g := New(hardDesc(t))
	sql := g.UpdateSQL()
	for _, want := range []string{
		"UPDATE Widgets SET",
		"Version = @Version + 1",
		"WHERE Id = @Id AND Version = @Version",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("update missing %q: %s", want, sql)
		}
	}
	if strings.Contains(sql, "CreatedTime = @") {
		t.Errorf("update must not rewrite CreatedTime: %s", sql)
	}
}

func TestDeleteSQL(t *testing.T) {
	hard := New(hardDesc(t))
	if got := hard.DeleteSQL(); got != "DELETE FROM Widgets WHERE Id = @Id" {
		t.Errorf("delete sql = %q", got)
	}

	soft := New(softDesc(t))
	got := soft.SoftDeleteSQL()
	want := "UPDATE Widgets SET IsDeleted = 1, Version = @NextVersion WHERE Id = @Id"
	if got != want {
		t.Errorf("soft delete sql = %q, want %q", got, want)
	}
}

func translate(t *testing.T, d *entity.Descriptor, p expr.Predicate) *expr.Fragment {
	t.Helper()
	tr := expr.NewTranslator(d, NewDateTimeFormatter(d))
	tr.KeyProperty = d.KeyColumn().Property
	frag, err := tr.Translate(p)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return &frag
}

func TestSelectLatestVersionJoin(t *testing.T) {
	d := softDesc(t)
	g := New(d)
	frag := translate(t, d, expr.Eq("Name", "x"))
	sql := g.SelectSQL(frag, SelectSpec{})

	for _, want := range []string{
		"FROM Widgets AS t",
		"INNER JOIN (SELECT Id AS PK_0, MAX(Version) AS MAX_VERSION FROM Widgets GROUP BY Id) latest",
		"ON t.Id = latest.PK_0 AND t.Version = latest.MAX_VERSION",
		"t.IsDeleted = 0",
		"ORDER BY t.Id",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("join select missing %q:\n%s", want, sql)
		}
	}
}

func TestSelectSingleKeyCorrelatedSubquery(t *testing.T) {
	d := softDesc(t)
	g := New(d)
	frag := translate(t, d, expr.Eq("Id", "a"))
	sql := g.SelectSQL(frag, SelectSpec{})

	if strings.Contains(sql, "INNER JOIN") {
		t.Errorf("single-key select should use the correlated subquery, not a join:\n%s", sql)
	}
	if !strings.Contains(sql, "Version = (SELECT MAX(Version) FROM Widgets WHERE Id = @p0)") {
		t.Errorf("correlated subquery missing:\n%s", sql)
	}
}

func TestSelectVersionLiteralSkipsLatestFilter(t *testing.T) {
	d := softDesc(t)
	g := New(d)
	frag := translate(t, d, expr.And(expr.Eq("Id", "a"), expr.Eq("Version", int64(3))))
	sql := g.SelectSQL(frag, SelectSpec{})
	if strings.Contains(sql, "MAX(") {
		t.Errorf("explicit Version predicate must disable the latest filter:\n%s", sql)
	}
}

func TestSelectAllVersionsOrdering(t *testing.T) {
	d := softDesc(t)
	g := New(d)
	sql := g.SelectSQL(nil, SelectSpec{IncludeAllVersions: true, IncludeDeleted: true, IncludeExpired: true})
	if !strings.Contains(sql, "ORDER BY Id, Version DESC") {
		t.Errorf("all-versions default ordering missing:\n%s", sql)
	}
	if strings.Contains(sql, "IsDeleted = 0") || strings.Contains(sql, "@now") {
		t.Errorf("include flags not honored:\n%s", sql)
	}
}

func TestSelectExpiryFilter(t *testing.T) {
	d := softDesc(t)
	g := New(d)
	sql := g.SelectSQL(nil, SelectSpec{IncludeDeleted: true})
	if !strings.Contains(sql, "AbsoluteExpiration IS NULL OR") || !strings.Contains(sql, "> @now") {
		t.Errorf("expiry filter missing:\n%s", sql)
	}
}

func TestSelectLimitOffset(t *testing.T) {
	d := hardDesc(t)
	g := New(d)
	sql := g.SelectSQL(nil, SelectSpec{Limit: 10, Offset: 20})
	if !strings.HasSuffix(sql, "LIMIT 10 OFFSET 20") {
		t.Errorf("limit/offset missing: %s", sql)
	}
}

func TestUserOrderByWins(t *testing.T) {
	d := softDesc(t)
	g := New(d)
	order, err := expr.OrderByDescending("Qty").SQL(d)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	sql := g.SelectSQL(nil, SelectSpec{OrderBy: order})
	if !strings.Contains(sql, "ORDER BY Qty DESC") {
		t.Errorf("user ordering not applied:\n%s", sql)
	}
}
