package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/roll-cli/internal/db"
	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/model"
)

// sqliteInsertChunk bounds the rows per INSERT statement so the bound
// variable count stays under SQLite's limit.
const sqliteInsertChunk = 500

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	tables Tables
	codes  *mapping.Table
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, tables Tables) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_time_format=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn, tables: tables}, nil
}

// WithCodes sets the code tables used to seed the lookup tables.
func (s *SQLiteStore) WithCodes(codes *mapping.Table) *SQLiteStore {
	s.codes = codes
	return s
}

func (s *SQLiteStore) table(target Target) string {
	return db.SanitizeTable(s.tables.Name(target))
}

func (s *SQLiteStore) CreateSchema(ctx context.Context) error {
	lookups, err := lookupTables(s.tables, s.codes)
	if err != nil {
		return eris.Wrap(err, "sqlite: create schema")
	}
	stmts := []string{
		unitTableDDL(sqliteDialect, s.tables.Roll, Primary),
		groupIndexDDL(s.tables.Roll),
		unitTableDDL(sqliteDialect, s.tables.Archive, Archive),
		groupIndexDDL(s.tables.Archive),
	}
	for _, lt := range lookups {
		stmts = append(stmts, lookupTableDDL(lt.table))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrap(err, "sqlite: create schema")
		}
	}

	for _, lt := range lookups {
		query := fmt.Sprintf(`INSERT INTO %s (id, value) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET value = excluded.value`,
			db.SanitizeTable(lt.table))
		for _, c := range lt.codes {
			if _, err := s.db.ExecContext(ctx, query, c.ID, c.Value); err != nil {
				return eris.Wrapf(err, "sqlite: seed %s", lt.table)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) UnitExists(ctx context.Context, target Target, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = ?)`, s.table(target)),
		id,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: unit exists %s", id)
	}
	return exists, nil
}

func (s *SQLiteStore) InsertUnits(ctx context.Context, target Target, units []model.Unit) (int64, error) {
	if len(units) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert units: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := insertUnitsTx(ctx, tx, s.table(target), units)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert %d units into %s", len(units), target)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert units: commit")
	}
	return n, nil
}

// insertUnitsTx inserts units in chunks of multi-row INSERT ... ON CONFLICT
// DO NOTHING statements.
func insertUnitsTx(ctx context.Context, tx *sql.Tx, table string, units []model.Unit) (int64, error) {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(model.Columns)), ", ") + ")"

	var total int64
	for start := 0; start < len(units); start += sqliteInsertChunk {
		end := min(start+sqliteInsertChunk, len(units))
		chunk := units[start:end]

		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(model.Columns))
		for i := range chunk {
			values[i] = row
			args = append(args, chunk[i].Values()...)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (id) DO NOTHING",
			table, columnList(), strings.Join(values, ", "))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "rows affected")
		}
		total += n
	}
	return total, nil
}

func (s *SQLiteStore) IDs(ctx context.Context, target Target) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, s.table(target)))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ids")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate ids")
}

func (s *SQLiteStore) DuplicateGroups(ctx context.Context, cubf int) ([]GroupKey, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT lat, lng, address, muni, count(*), sum(num_dwelling)
		 FROM %s WHERE cubf = ?
		 GROUP BY lat, lng, address, muni
		 HAVING count(*) > 1
		 ORDER BY address, muni`, s.table(Primary)),
		cubf,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: duplicate groups")
	}
	return scanGroups(rows)
}

func (s *SQLiteStore) ArchivedGroups(ctx context.Context) ([]GroupKey, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT lat, lng, address, muni, count(*), sum(num_dwelling)
		 FROM %s
		 GROUP BY lat, lng, address, muni
		 ORDER BY address, muni`, s.table(Archive)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: archived groups")
	}
	return scanGroups(rows)
}

func scanGroups(rows *sql.Rows) ([]GroupKey, error) {
	defer rows.Close() //nolint:errcheck
	var groups []GroupKey
	for rows.Next() {
		var g GroupKey
		if err := rows.Scan(&g.Lat, &g.Lng, &g.Address, &g.Muni, &g.Count, &g.SumDwellings); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: iterate groups")
}

func (s *SQLiteStore) GroupMembers(ctx context.Context, target Target, key GroupKey) ([]model.Unit, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE lat = ? AND lng = ? AND address = ? AND muni = ?
		 ORDER BY id`, columnList(), s.table(target)),
		key.Lat, key.Lng, key.Address, key.Muni,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: group members")
	}
	defer rows.Close() //nolint:errcheck

	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *u)
	}
	return units, eris.Wrap(rows.Err(), "sqlite: iterate units")
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanUnit(row scannable) (*model.Unit, error) {
	var u model.Unit
	if err := row.Scan(u.ScanTargets()...); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan unit")
	}
	// Dates come back in a fixed zone; keep them comparable with UTC values.
	for _, t := range []*time.Time{u.OwnerDate, u.AppraisDate} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &u, nil
}

func (s *SQLiteStore) ResolveGroup(ctx context.Context, members []model.Unit, agg model.Unit) (ResolveResult, error) {
	var res ResolveResult
	if len(members) == 0 {
		return res, eris.New("sqlite: resolve group: no members")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, eris.Wrap(err, "sqlite: resolve group: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res.Archived, err = insertUnitsTx(ctx, tx, s.table(Archive), members)
	if err != nil {
		return res, eris.Wrap(err, "sqlite: resolve group: archive")
	}

	ids := memberIDs(members)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	del, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, s.table(Primary),
			strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")),
		args...,
	)
	if err != nil {
		return res, eris.Wrap(err, "sqlite: resolve group: delete members")
	}
	if res.Deleted, err = del.RowsAffected(); err != nil {
		return res, eris.Wrap(err, "rows affected")
	}

	ins, err := tx.ExecContext(ctx, insertOneSQL(s.table(Primary), len(model.Columns), questionPlaceholder), agg.Values()...)
	if err != nil {
		return res, eris.Wrapf(err, "sqlite: resolve group: insert aggregate %s", agg.ID)
	}
	n, err := ins.RowsAffected()
	if err != nil {
		return res, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return res, eris.Wrapf(ErrAggregateExists, "sqlite: resolve group: %s", agg.ID)
	}

	if err := tx.Commit(); err != nil {
		return res, eris.Wrap(err, "sqlite: resolve group: commit")
	}
	return res, nil
}

func (s *SQLiteStore) UpdateCoordinates(ctx context.Context, target Target, updates []CoordUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: update coordinates: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`UPDATE %s SET lat = ?, lng = ? WHERE id = ?`, s.table(target)))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: update coordinates: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Lat, u.Lng, u.ID)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: update coordinates %s", u.ID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "rows affected")
		}
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: update coordinates: commit")
	}
	return n, nil
}

func (s *SQLiteStore) DeleteWithoutCoordinates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE lat IS NULL OR lng IS NULL`, s.table(Primary)))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete without coordinates")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
