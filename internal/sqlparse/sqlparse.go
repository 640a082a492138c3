// Package sqlparse classifies SQL statements into a closed operation set and
// extracts the structural features the authorization stages consume. Parsing
// uses PostgreSQL's actual C parser via pg_query; nothing here touches the
// network.
package sqlparse

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Kind is the operation classification of a statement. Statements that do not
// map into this set are rejected as malformed.
type Kind string

const (
	KindSelect   Kind = "SELECT"
	KindShow     Kind = "SHOW"
	KindDescribe Kind = "DESCRIBE"
	KindExplain  Kind = "EXPLAIN"
	KindInsert   Kind = "INSERT"
	KindUpdate   Kind = "UPDATE"
	KindDelete   Kind = "DELETE"
	KindCreate   Kind = "CREATE"
	KindAlter    Kind = "ALTER"
	KindDrop     Kind = "DROP"
	KindTruncate Kind = "TRUNCATE"
)

// TableRef is a referenced table. Database is the leading qualifier
// ("other_db" in other_db.secret) or empty for unqualified names, which
// resolve against the session's active database.
type TableRef struct {
	Database string
	Name     string
}

func (t TableRef) String() string {
	if t.Database == "" {
		return t.Name
	}
	return t.Database + "." + t.Name
}

// Statement is the classification of one parsed statement.
type Statement struct {
	Kind     Kind
	Tables   []TableRef
	Database string // set for database-level DDL (CREATE/DROP/ALTER DATABASE)
	HasWhere bool
	HasLimit bool
	// Normalized is this statement deparsed on its own, so multi-statement
	// submissions can execute one statement at a time.
	Normalized string
}

// Descriptor is the parse result for one raw SQL string. It is immutable and
// discarded after one authorization decision.
type Descriptor struct {
	Statements     []Statement
	StatementCount int
	Normalized     string
	// Args carries synthesized parameters for rewritten statements
	// (currently only DESCRIBE).
	Args []any
}

// Tables returns the union of tables referenced by all statements.
func (d *Descriptor) Tables() []TableRef {
	seen := make(map[TableRef]struct{})
	var out []TableRef
	for _, s := range d.Statements {
		for _, t := range s.Tables {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// MalformedError reports a statement that could not be classified.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed statement: " + e.Reason
}

const describeSQL = `SELECT column_name, data_type, is_nullable, column_default ` +
	`FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`

const describeQualifiedSQL = `SELECT column_name, data_type, is_nullable, column_default ` +
	`FROM information_schema.columns WHERE table_name = $1 AND table_schema = $2 ORDER BY ordinal_position`

// Parse classifies a raw SQL string. DESCRIBE/DESC is recognized lexically
// (it is not PostgreSQL syntax) and rewritten to a parameterized
// information_schema query; everything else goes through pg_query.
func Parse(sql string) (*Descriptor, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, &MalformedError{Reason: "empty statement"}
	}

	if d, ok := parseDescribe(trimmed); ok {
		return d, nil
	}

	result, err := pg_query.Parse(trimmed)
	if err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}
	if len(result.Stmts) == 0 {
		return nil, &MalformedError{Reason: "no statements found"}
	}

	stmts := make([]Statement, 0, len(result.Stmts))
	for _, raw := range result.Stmts {
		s, err := classify(raw.Stmt)
		if err != nil {
			return nil, err
		}
		single := &pg_query.ParseResult{Stmts: []*pg_query.RawStmt{{Stmt: raw.Stmt}}}
		if deparsed, err := pg_query.Deparse(single); err == nil {
			s.Normalized = deparsed
		}
		stmts = append(stmts, s)
	}

	normalized := trimmed
	if deparsed, err := pg_query.Deparse(result); err == nil {
		normalized = deparsed
	}

	return &Descriptor{
		Statements:     stmts,
		StatementCount: len(stmts),
		Normalized:     normalized,
	}, nil
}

// parseDescribe handles DESCRIBE tbl / DESC tbl, the one MySQL-ism callers
// keep reaching for. The table reference is preserved for scope checking and
// the statement is rewritten to a parameterized catalog query.
func parseDescribe(sql string) (*Descriptor, bool) {
	fields := strings.Fields(strings.TrimSuffix(sql, ";"))
	if len(fields) != 2 {
		return nil, false
	}
	keyword := strings.ToUpper(fields[0])
	if keyword != "DESCRIBE" && keyword != "DESC" {
		return nil, false
	}

	ref := splitQualified(strings.Trim(fields[1], `"`))
	d := &Descriptor{
		Statements: []Statement{{
			Kind:   KindDescribe,
			Tables: []TableRef{ref},
		}},
		StatementCount: 1,
	}
	if ref.Database == "" {
		d.Normalized = describeSQL
		d.Args = []any{ref.Name}
	} else {
		d.Normalized = describeQualifiedSQL
		d.Args = []any{ref.Name, ref.Database}
	}
	d.Statements[0].Normalized = d.Normalized
	return d, true
}

func splitQualified(name string) TableRef {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = strings.Trim(parts[i], `"`)
	}
	switch len(parts) {
	case 1:
		return TableRef{Name: parts[0]}
	default:
		return TableRef{Database: parts[0], Name: parts[len(parts)-1]}
	}
}

// classify maps one AST node onto the closed operation set.
func classify(node *pg_query.Node) (Statement, error) {
	if node == nil {
		return Statement{}, &MalformedError{Reason: "empty parse node"}
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		sel := n.SelectStmt
		return Statement{
			Kind:     KindSelect,
			Tables:   collectTables(node),
			HasWhere: selectHasWhere(sel),
			HasLimit: selectHasLimit(sel),
		}, nil

	case *pg_query.Node_VariableShowStmt:
		return Statement{Kind: KindShow}, nil

	case *pg_query.Node_ExplainStmt:
		inner, err := classify(n.ExplainStmt.Query)
		if err != nil {
			return Statement{}, err
		}
		// EXPLAIN ANALYZE executes the inner statement server-side, so
		// it keeps the inner classification. Plain EXPLAIN only plans.
		if explainExecutes(n.ExplainStmt) {
			return inner, nil
		}
		inner.Kind = KindExplain
		return inner, nil

	case *pg_query.Node_InsertStmt:
		return Statement{
			Kind:   KindInsert,
			Tables: collectTables(node),
		}, nil

	case *pg_query.Node_UpdateStmt:
		return Statement{
			Kind:     KindUpdate,
			Tables:   collectTables(node),
			HasWhere: n.UpdateStmt.WhereClause != nil,
		}, nil

	case *pg_query.Node_DeleteStmt:
		return Statement{
			Kind:     KindDelete,
			Tables:   collectTables(node),
			HasWhere: n.DeleteStmt.WhereClause != nil,
		}, nil

	case *pg_query.Node_CreateStmt,
		*pg_query.Node_CreateTableAsStmt,
		*pg_query.Node_ViewStmt,
		*pg_query.Node_IndexStmt,
		*pg_query.Node_CreateSchemaStmt,
		*pg_query.Node_CreateSeqStmt:
		return Statement{Kind: KindCreate, Tables: collectTables(node)}, nil

	case *pg_query.Node_CreatedbStmt:
		return Statement{Kind: KindCreate, Database: n.CreatedbStmt.Dbname}, nil

	case *pg_query.Node_AlterTableStmt,
		*pg_query.Node_RenameStmt,
		*pg_query.Node_AlterSeqStmt:
		return Statement{Kind: KindAlter, Tables: collectTables(node)}, nil

	case *pg_query.Node_AlterDatabaseStmt:
		return Statement{Kind: KindAlter, Database: n.AlterDatabaseStmt.Dbname}, nil

	case *pg_query.Node_AlterDatabaseSetStmt:
		return Statement{Kind: KindAlter, Database: n.AlterDatabaseSetStmt.Dbname}, nil

	case *pg_query.Node_DropStmt:
		return Statement{Kind: KindDrop, Tables: collectTables(node)}, nil

	case *pg_query.Node_DropdbStmt:
		return Statement{Kind: KindDrop, Database: n.DropdbStmt.Dbname}, nil

	case *pg_query.Node_TruncateStmt:
		return Statement{Kind: KindTruncate, Tables: collectTables(node)}, nil

	default:
		return Statement{}, &MalformedError{
			Reason: fmt.Sprintf("statement type %T is outside the sanctioned operation set", node.Node),
		}
	}
}

// explainExecutes reports whether an EXPLAIN runs its inner statement.
// Any analyze option counts, regardless of its argument.
func explainExecutes(stmt *pg_query.ExplainStmt) bool {
	for _, opt := range stmt.Options {
		def := opt.GetDefElem()
		if def == nil {
			continue
		}
		name := strings.ToLower(def.Defname)
		if name == "analyze" || name == "analyse" {
			return true
		}
	}
	return false
}

func selectHasWhere(sel *pg_query.SelectStmt) bool {
	if sel == nil {
		return false
	}
	if sel.WhereClause != nil {
		return true
	}
	return selectHasWhere(sel.Larg) || selectHasWhere(sel.Rarg)
}

func selectHasLimit(sel *pg_query.SelectStmt) bool {
	if sel == nil {
		return false
	}
	if sel.LimitCount != nil {
		return true
	}
	return selectHasLimit(sel.Larg) || selectHasLimit(sel.Rarg)
}

// collectTables walks a statement node and gathers every referenced table,
// descending into joins, subqueries, CTEs, and set operations.
func collectTables(node *pg_query.Node) []TableRef {
	seen := make(map[TableRef]struct{})
	var out []TableRef
	add := func(ref TableRef) {
		if ref.Name == "" {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	walk(node, add)
	return out
}

func rangeVarRef(rv *pg_query.RangeVar) TableRef {
	if rv == nil {
		return TableRef{}
	}
	db := rv.Catalogname
	if db == "" {
		db = rv.Schemaname
	}
	return TableRef{Database: db, Name: rv.Relname}
}

func walk(node *pg_query.Node, add func(TableRef)) {
	if node == nil {
		return
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		add(rangeVarRef(n.RangeVar))

	case *pg_query.Node_SelectStmt:
		walkSelect(n.SelectStmt, add)

	case *pg_query.Node_InsertStmt:
		ins := n.InsertStmt
		add(rangeVarRef(ins.Relation))
		walk(ins.SelectStmt, add)
		walkWith(ins.WithClause, add)

	case *pg_query.Node_UpdateStmt:
		upd := n.UpdateStmt
		add(rangeVarRef(upd.Relation))
		walkList(upd.FromClause, add)
		walk(upd.WhereClause, add)
		walkWith(upd.WithClause, add)

	case *pg_query.Node_DeleteStmt:
		del := n.DeleteStmt
		add(rangeVarRef(del.Relation))
		walkList(del.UsingClause, add)
		walk(del.WhereClause, add)
		walkWith(del.WithClause, add)

	case *pg_query.Node_TruncateStmt:
		walkList(n.TruncateStmt.Relations, add)

	case *pg_query.Node_DropStmt:
		for _, obj := range n.DropStmt.Objects {
			if ref, ok := qualifiedNameRef(obj); ok {
				add(ref)
			}
		}

	case *pg_query.Node_CreateStmt:
		add(rangeVarRef(n.CreateStmt.Relation))

	case *pg_query.Node_CreateTableAsStmt:
		cta := n.CreateTableAsStmt
		if cta.Into != nil {
			add(rangeVarRef(cta.Into.Rel))
		}
		walk(cta.Query, add)

	case *pg_query.Node_ViewStmt:
		add(rangeVarRef(n.ViewStmt.View))
		walk(n.ViewStmt.Query, add)

	case *pg_query.Node_IndexStmt:
		add(rangeVarRef(n.IndexStmt.Relation))

	case *pg_query.Node_CreateSeqStmt:
		add(rangeVarRef(n.CreateSeqStmt.Sequence))

	case *pg_query.Node_AlterSeqStmt:
		add(rangeVarRef(n.AlterSeqStmt.Sequence))

	case *pg_query.Node_AlterTableStmt:
		add(rangeVarRef(n.AlterTableStmt.Relation))

	case *pg_query.Node_RenameStmt:
		add(rangeVarRef(n.RenameStmt.Relation))

	case *pg_query.Node_ExplainStmt:
		walk(n.ExplainStmt.Query, add)

	case *pg_query.Node_JoinExpr:
		walk(n.JoinExpr.Larg, add)
		walk(n.JoinExpr.Rarg, add)
		walk(n.JoinExpr.Quals, add)

	case *pg_query.Node_RangeSubselect:
		walk(n.RangeSubselect.Subquery, add)

	case *pg_query.Node_SubLink:
		walk(n.SubLink.Subselect, add)

	case *pg_query.Node_CommonTableExpr:
		walk(n.CommonTableExpr.Ctequery, add)

	case *pg_query.Node_ResTarget:
		walk(n.ResTarget.Val, add)

	case *pg_query.Node_AExpr:
		walk(n.AExpr.Lexpr, add)
		walk(n.AExpr.Rexpr, add)

	case *pg_query.Node_BoolExpr:
		walkList(n.BoolExpr.Args, add)

	case *pg_query.Node_FuncCall:
		walkList(n.FuncCall.Args, add)

	case *pg_query.Node_TypeCast:
		walk(n.TypeCast.Arg, add)

	case *pg_query.Node_NullTest:
		walk(n.NullTest.Arg, add)

	case *pg_query.Node_BooleanTest:
		walk(n.BooleanTest.Arg, add)

	case *pg_query.Node_CaseExpr:
		walkList(n.CaseExpr.Args, add)
		walk(n.CaseExpr.Defresult, add)

	case *pg_query.Node_CaseWhen:
		walk(n.CaseWhen.Expr, add)
		walk(n.CaseWhen.Result, add)

	case *pg_query.Node_RowExpr:
		walkList(n.RowExpr.Args, add)

	case *pg_query.Node_List:
		walkList(n.List.Items, add)
	}
}

func walkSelect(sel *pg_query.SelectStmt, add func(TableRef)) {
	if sel == nil {
		return
	}
	walkList(sel.FromClause, add)
	walkList(sel.TargetList, add)
	walk(sel.WhereClause, add)
	walk(sel.HavingClause, add)
	walkWith(sel.WithClause, add)
	walkSelect(sel.Larg, add)
	walkSelect(sel.Rarg, add)
}

func walkWith(with *pg_query.WithClause, add func(TableRef)) {
	if with == nil {
		return
	}
	walkList(with.Ctes, add)
}

func walkList(nodes []*pg_query.Node, add func(TableRef)) {
	for _, n := range nodes {
		walk(n, add)
	}
}

// qualifiedNameRef extracts a table reference from a DROP object, which is a
// list of name parts ("db"."tbl" becomes [db, tbl]).
func qualifiedNameRef(obj *pg_query.Node) (TableRef, bool) {
	list, ok := obj.Node.(*pg_query.Node_List)
	if !ok {
		return TableRef{}, false
	}
	var parts []string
	for _, item := range list.List.Items {
		if s, ok := item.Node.(*pg_query.Node_String_); ok {
			parts = append(parts, s.String_.Sval)
		}
	}
	switch len(parts) {
	case 0:
		return TableRef{}, false
	case 1:
		return TableRef{Name: parts[0]}, true
	default:
		return TableRef{Database: parts[0], Name: parts[len(parts)-1]}, true
	}
}
