package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/roll-cli/internal/db"
	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/model"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool    db.Pool
	tables  Tables
	codes   *mapping.Table
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. Ingestion
// workers open one store each with MaxConns 1 so every worker owns its
// connection.
func NewPostgres(ctx context.Context, connString string, tables Tables, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, tables: tables, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, connection or transaction.
// The caller keeps ownership of pool.
func NewPostgresWithPool(pool db.Pool, tables Tables) *PostgresStore {
	return &PostgresStore{pool: pool, tables: tables}
}

// WithCodes sets the code tables used to seed the lookup tables.
func (s *PostgresStore) WithCodes(codes *mapping.Table) *PostgresStore {
	s.codes = codes
	return s
}

func (s *PostgresStore) table(target Target) string {
	return db.SanitizeTable(s.tables.Name(target))
}

// CreateSchema creates the unit and lookup tables and seeds the lookups.
// Re-seeding refreshes labels changed in the code tables.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	lookups, err := lookupTables(s.tables, s.codes)
	if err != nil {
		return eris.Wrap(err, "postgres: create schema")
	}
	stmts := []string{
		unitTableDDL(postgresDialect, s.tables.Roll, Primary),
		groupIndexDDL(s.tables.Roll),
		unitTableDDL(postgresDialect, s.tables.Archive, Archive),
		groupIndexDDL(s.tables.Archive),
	}
	for _, lt := range lookups {
		stmts = append(stmts, lookupTableDDL(lt.table))
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "postgres: create schema")
		}
	}

	for _, lt := range lookups {
		_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        lt.table,
			Columns:      []string{"id", "value"},
			ConflictKeys: []string{"id"},
		}, lt.rows())
		if err != nil {
			return eris.Wrapf(err, "postgres: seed %s", lt.table)
		}
	}
	return nil
}

func (s *PostgresStore) UnitExists(ctx context.Context, target Target, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table(target)),
		id,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: unit exists %s", id)
	}
	return exists, nil
}

// InsertUnits inserts units in one transaction, skipping ids that already
// exist. It returns the number of rows actually inserted.
func (s *PostgresStore) InsertUnits(ctx context.Context, target Target, units []model.Unit) (int64, error) {
	n, err := db.InsertIgnore(ctx, s.pool, s.tables.Name(target), model.Columns, []string{"id"}, unitRows(units))
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert %d units into %s", len(units), target)
	}
	return n, nil
}

func (s *PostgresStore) IDs(ctx context.Context, target Target) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, s.table(target)))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ids")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan ids")
	}
	return ids, nil
}

func (s *PostgresStore) DuplicateGroups(ctx context.Context, cubf int) ([]GroupKey, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT lat, lng, address, muni, count(*), sum(num_dwelling)
		 FROM %s WHERE cubf = $1
		 GROUP BY lat, lng, address, muni
		 HAVING count(*) > 1
		 ORDER BY address, muni`, s.table(Primary)),
		cubf,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: duplicate groups")
	}
	return collectGroups(rows)
}

func (s *PostgresStore) ArchivedGroups(ctx context.Context) ([]GroupKey, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT lat, lng, address, muni, count(*), sum(num_dwelling)
		 FROM %s
		 GROUP BY lat, lng, address, muni
		 ORDER BY address, muni`, s.table(Archive)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: archived groups")
	}
	return collectGroups(rows)
}

func collectGroups(rows pgx.Rows) ([]GroupKey, error) {
	defer rows.Close()
	var groups []GroupKey
	for rows.Next() {
		var g GroupKey
		if err := rows.Scan(&g.Lat, &g.Lng, &g.Address, &g.Muni, &g.Count, &g.SumDwellings); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: iterate groups")
}

// GroupMembers re-fetches the full rows of a group. A NULL coordinate never
// compares equal, so groups keyed on a missing coordinate return no rows.
func (s *PostgresStore) GroupMembers(ctx context.Context, target Target, key GroupKey) ([]model.Unit, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE lat = $1 AND lng = $2 AND address = $3 AND muni = $4
		 ORDER BY id`, columnList(), s.table(target)),
		key.Lat, key.Lng, key.Address, key.Muni,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: group members")
	}
	defer rows.Close()

	var units []model.Unit
	for rows.Next() {
		var u model.Unit
		if err := rows.Scan(u.ScanTargets()...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unit")
		}
		units = append(units, u)
	}
	return units, eris.Wrap(rows.Err(), "postgres: iterate units")
}

// ResolveGroup archives the members, removes them from the roll and
// inserts the aggregate, all in one transaction. Members are deleted before
// the aggregate is inserted so a member already carrying the sentinel id
// cannot shadow it.
func (s *PostgresStore) ResolveGroup(ctx context.Context, members []model.Unit, agg model.Unit) (ResolveResult, error) {
	var res ResolveResult
	if len(members) == 0 {
		return res, eris.New("postgres: resolve group: no members")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, eris.Wrap(err, "postgres: resolve group: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	res.Archived, err = db.InsertIgnore(ctx, tx, s.tables.Archive, model.Columns, []string{"id"}, unitRows(members))
	if err != nil {
		return res, eris.Wrap(err, "postgres: resolve group: archive")
	}

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.table(Primary)),
		memberIDs(members),
	)
	if err != nil {
		return res, eris.Wrap(err, "postgres: resolve group: delete members")
	}
	res.Deleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, insertOneSQL(s.table(Primary), len(model.Columns), dollarPlaceholder), agg.Values()...)
	if err != nil {
		return res, eris.Wrapf(err, "postgres: resolve group: insert aggregate %s", agg.ID)
	}
	if tag.RowsAffected() == 0 {
		return res, eris.Wrapf(ErrAggregateExists, "postgres: resolve group: %s", agg.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, eris.Wrap(err, "postgres: resolve group: commit")
	}
	return res, nil
}

// UpdateCoordinates applies the updates in one transaction and returns the
// number of rows changed.
func (s *PostgresStore) UpdateCoordinates(ctx context.Context, target Target, updates []CoordUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: update coordinates: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`UPDATE %s SET lat = $1, lng = $2 WHERE id = $3`, s.table(target))
	var n int64
	for _, u := range updates {
		tag, err := tx.Exec(ctx, query, u.Lat, u.Lng, u.ID)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: update coordinates %s", u.ID)
		}
		n += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: update coordinates: commit")
	}
	return n, nil
}

func (s *PostgresStore) DeleteWithoutCoordinates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE lat IS NULL OR lng IS NULL`, s.table(Primary)))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete without coordinates")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
