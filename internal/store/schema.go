package store

import (
	"fmt"
	"strings"

	"github.com/sells-group/roll-cli/internal/db"
	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/model"
)

type dialect int

const (
	postgresDialect dialect = iota
	sqliteDialect
)

type columnDef struct {
	name    string
	pgType  string
	sqlType string
	notNull bool
	check   string
}

// unitColumns describes the unit table columns. The order matches
// model.Columns.
var unitColumns = []columnDef{
	{name: "id", pgType: "TEXT", sqlType: "TEXT", notNull: true, check: fmt.Sprintf("length(id) = %d", model.IDLength)},
	{name: "lat", pgType: "NUMERIC(20, 10)", sqlType: "REAL"},
	{name: "lng", pgType: "NUMERIC(20, 10)", sqlType: "REAL"},
	{name: "year", pgType: "SMALLINT", sqlType: "INTEGER", notNull: true},
	{name: "muni", pgType: "TEXT", sqlType: "TEXT", notNull: true},
	{name: "muni_code", pgType: "TEXT", sqlType: "TEXT", notNull: true},
	{name: "arrond", pgType: "TEXT", sqlType: "TEXT"},
	{name: "address", pgType: "TEXT", sqlType: "TEXT", notNull: true},
	{name: "num_adr_inf", pgType: "TEXT", sqlType: "TEXT"},
	{name: "num_adr_inf_2", pgType: "TEXT", sqlType: "TEXT"},
	{name: "num_adr_sup", pgType: "TEXT", sqlType: "TEXT"},
	{name: "num_adr_sup_2", pgType: "TEXT", sqlType: "TEXT"},
	{name: "way_type", pgType: "TEXT", sqlType: "TEXT"},
	{name: "way_link", pgType: "TEXT", sqlType: "TEXT"},
	{name: "street_name", pgType: "TEXT", sqlType: "TEXT"},
	{name: "cardinal_pt", pgType: "TEXT", sqlType: "TEXT"},
	{name: "apt_num", pgType: "TEXT", sqlType: "TEXT"},
	{name: "apt_num_1", pgType: "TEXT", sqlType: "TEXT"},
	{name: "apt_num_2", pgType: "TEXT", sqlType: "TEXT"},
	{name: "mat18", pgType: "TEXT", sqlType: "TEXT", notNull: true, check: fmt.Sprintf("length(mat18) = %d", model.Mat18Length)},
	{name: "cubf", pgType: "SMALLINT", sqlType: "INTEGER", notNull: true},
	{name: "file_num", pgType: "TEXT", sqlType: "TEXT"},
	{name: "nghbr_unit", pgType: "TEXT", sqlType: "TEXT"},
	{name: "owner_date", pgType: "DATE", sqlType: "DATE"},
	{name: "owner_type", pgType: "TEXT", sqlType: "TEXT"},
	{name: "owner_status", pgType: "TEXT", sqlType: "TEXT"},
	{name: "lot_lin_dim", pgType: "NUMERIC(10, 2)", sqlType: "REAL"},
	{name: "lot_area", pgType: "NUMERIC(15, 2)", sqlType: "REAL"},
	{name: "max_floors", pgType: "SMALLINT", sqlType: "INTEGER"},
	{name: "const_yr", pgType: "SMALLINT", sqlType: "INTEGER"},
	{name: "const_yr_real", pgType: "TEXT", sqlType: "TEXT"},
	{name: "floor_area", pgType: "NUMERIC(10, 2)", sqlType: "REAL"},
	{name: "phys_link", pgType: "TEXT", sqlType: "TEXT"},
	{name: "const_type", pgType: "TEXT", sqlType: "TEXT"},
	{name: "num_dwelling", pgType: "SMALLINT", sqlType: "INTEGER"},
	{name: "num_rental", pgType: "SMALLINT", sqlType: "INTEGER"},
	{name: "num_non_res", pgType: "SMALLINT", sqlType: "INTEGER"},
	{name: "apprais_date", pgType: "DATE", sqlType: "DATE"},
	{name: "lot_value", pgType: "NUMERIC(15, 2)", sqlType: "REAL"},
	{name: "building_value", pgType: "NUMERIC(15, 2)", sqlType: "REAL"},
	{name: "value", pgType: "NUMERIC(15, 2)", sqlType: "REAL"},
	{name: "prev_value", pgType: "NUMERIC(15, 2)", sqlType: "REAL"},
}

// unitTableDDL returns the CREATE TABLE statement for a unit table. Archived
// units always carry coordinates, so the archive makes lat/lng NOT NULL.
func unitTableDDL(d dialect, table string, target Target) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", db.SanitizeTable(table))
	for i, c := range unitColumns {
		typ := c.pgType
		if d == sqliteDialect {
			typ = c.sqlType
		}
		fmt.Fprintf(&b, "\t%s %s", quoteIdent(c.name), typ)
		if c.name == "id" {
			b.WriteString(" PRIMARY KEY")
		}
		notNull := c.notNull || (target == Archive && (c.name == "lat" || c.name == "lng"))
		if notNull {
			b.WriteString(" NOT NULL")
		}
		if c.check != "" {
			fmt.Fprintf(&b, " CHECK (%s)", c.check)
		}
		if i < len(unitColumns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// groupIndexDDL indexes the duplicate grouping key.
func groupIndexDDL(table string) string {
	name := strings.ReplaceAll(table, ".", "_") + "_group_key_idx"
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (lat, lng, address, muni)",
		quoteIdent(name), db.SanitizeTable(table))
}

func lookupTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`, db.SanitizeTable(table))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnList() string {
	return db.QuoteAndJoin(model.Columns)
}

type lookupTable struct {
	table string
	codes []mapping.Code
}

func (l lookupTable) rows() [][]any {
	rows := make([][]any, len(l.codes))
	for i, c := range l.codes {
		rows[i] = []any{c.ID, c.Value}
	}
	return rows
}

// lookupTables pairs each auxiliary table with its seed codes. A nil codes
// table falls back to the embedded defaults.
func lookupTables(t Tables, codes *mapping.Table) ([]lookupTable, error) {
	if codes == nil {
		var err error
		if codes, err = mapping.Default(); err != nil {
			return nil, err
		}
	}
	return []lookupTable{
		{table: t.OwnerStatus, codes: codes.OwnerStatuses()},
		{table: t.PhysLink, codes: codes.PhysicalLinks()},
		{table: t.ConstType, codes: codes.ConstructionTypes()},
	}, nil
}

func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

func questionPlaceholder(int) string { return "?" }

// insertOneSQL builds a single-row unit insert that ignores id conflicts.
func insertOneSQL(table string, n int, placeholder func(int) string) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		table, columnList(), strings.Join(ph, ", "))
}
