package main

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/roll-cli/internal/config"
	"github.com/sells-group/roll-cli/internal/model"
	"github.com/sells-group/roll-cli/internal/store"
)

var testTables = store.Tables{
	Roll:        "roll",
	Archive:     "roll_disag",
	OwnerStatus: "owner_status",
	PhysLink:    "phys_link",
	ConstType:   "const_type",
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"schema", "ingest", "geometry", "aggregate", "fetch"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "roll", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestIngestCommand_Flags(t *testing.T) {
	for _, tc := range []struct{ name, short string }{
		{"workers", "n"},
		{"test", "t"},
		{"create-tables", "c"},
	} {
		flag := ingestCmd.Flags().Lookup(tc.name)
		require.NotNil(t, flag, "ingest should have --%s flag", tc.name)
		assert.Equal(t, tc.short, flag.Shorthand)
	}
	require.NotNil(t, ingestCmd.Flags().Lookup("batch-size"))
}

func TestGeometryCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range geometryCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["join"])
	assert.True(t, names["archive"])
	assert.NotNil(t, geometryJoinCmd.Flags().Lookup("no-cleanup"))
}

func TestAggregateCommand_HasReconcile(t *testing.T) {
	require.Len(t, aggregateCmd.Commands(), 1)
	assert.Equal(t, "reconcile", aggregateCmd.Commands()[0].Name())
}

// setupEnv points the configuration at a fresh SQLite database and returns
// its path.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	dbPath := filepath.Join(dir, "roll.db")
	t.Setenv("ROLL_STORE_DRIVER", "sqlite")
	t.Setenv("ROLL_STORE_DATABASE_URL", dbPath)
	t.Setenv("ROLL_TABLES_ROLL", testTables.Roll)
	t.Setenv("ROLL_TABLES_ARCHIVE", testTables.Archive)
	t.Setenv("ROLL_TABLES_OWNER_STATUS", testTables.OwnerStatus)
	t.Setenv("ROLL_TABLES_PHYS_LINK", testTables.PhysLink)
	t.Setenv("ROLL_TABLES_CONST_TYPE", testTables.ConstType)
	t.Setenv("ROLL_LOG_LEVEL", "error")
	return dbPath
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ingestWorkers, ingestTest, ingestCreateTables, ingestBatchSize = 0, false, false, 0
	geometryNoCleanup = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeBuilding writes a roll document with n apartments of one building
// at 4040 Rue de l'Écluse plus one detached house.
func writeBuilding(t *testing.T, dir string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<RL>\n")
	b.WriteString("  <RLM01A>23027</RLM01A>\n  <RLM02A>2023</RLM02A>\n")
	unit := func(civic, apt string, suffix, cubf int) {
		aptTag := ""
		if apt != "" {
			aptTag = "<RL0101Ix>" + apt + "</RL0101Ix>"
		}
		fmt.Fprintf(&b, `
  <RLUEx>
    <RL0101><RL0101x>
      <RL0101Ax>%s</RL0101Ax><RL0101Ex>RU</RL0101Ex><RL0101Gx>de l'Écluse</RL0101Gx>%s
    </RL0101x></RL0101>
    <RL0104><RL0104A>1111</RL0104A><RL0104B>22</RL0104B><RL0104C>3333</RL0104C><RL0104F>%04d</RL0104F></RL0104>
    <RL0105A>%d</RL0105A>
    <RL0201><RL0201x><RL0201Gx>2020-01-01</RL0201Gx><RL0201Hx>1</RL0201Hx></RL0201x></RL0201>
    <RL0302A>150</RL0302A>
    <RL0311A>1</RL0311A>
  </RLUEx>`, civic, aptTag, suffix, cubf)
	}
	for i := 1; i <= n; i++ {
		unit("4040", fmt.Sprintf("%d", 100+i), i, 1000)
	}
	unit("12", "", 99, 1000)
	b.WriteString("\n</RL>\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RL23027.xml"), []byte(b.String()), 0o644))
}

func writePoints(t *testing.T, ids []string, x, y float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rol_unite_p.shp")
	w, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("ID_UEV", 23)}))
	for _, id := range ids {
		n := w.Write(&shp.Point{X: x, Y: y})
		require.NoError(t, w.WriteAttribute(int(n), 0, id))
	}
	w.Close()
	return path
}

func openTestStore(t *testing.T, dbPath string) store.Store {
	t.Helper()
	st, err := store.NewSQLite(dbPath, testTables)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func TestEndToEnd_SQLite(t *testing.T) {
	dbPath := setupEnv(t)
	ctx := context.Background()

	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "Tables ready")

	rollDir := t.TempDir()
	writeBuilding(t, rollDir, 3)
	out, err = execute(t, "ingest", rollDir, "-n", "2", "--batch-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 1 files: 4 units, 4 inserted")

	st := openTestStore(t, dbPath)
	ids, err := st.IDs(ctx, store.Primary)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	// The detached house is left out of the shapefile and removed by cleanup.
	var building []string
	for _, id := range ids {
		if !strings.HasSuffix(id, "0099") {
			building = append(building, id)
		}
	}
	require.Len(t, building, 3)
	shpPath := writePoints(t, building, -71.21, 46.81)

	out, err = execute(t, "geometry", "join", shpPath)
	require.NoError(t, err)
	assert.Contains(t, out, "3 updated")
	assert.Contains(t, out, "Deleted 1 units without coordinates")

	out, err = execute(t, "aggregate")
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregated 1 of 1 groups: 3 units archived, 3 deleted")

	ids, err = st.IDs(ctx, store.Primary)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, strings.HasSuffix(ids[0], "9999"))

	archived, err := st.IDs(ctx, store.Archive)
	require.NoError(t, err)
	assert.ElementsMatch(t, building, archived)

	out, err = execute(t, "geometry", "archive", writePoints(t, building, -71.3, 46.75))
	require.NoError(t, err)
	assert.Contains(t, out, "Joined archive: 3 records, 3 updated")

	out, err = execute(t, "aggregate", "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "Reconciled 1 groups: 1 aggregates updated, 0 anomalies")

	agg, err := st.GroupMembers(ctx, store.Primary, store.GroupKey{
		Lat: model.Ptr(46.75), Lng: model.Ptr(-71.3), Address: "4040 Rue de l'Écluse", Muni: "Québec",
	})
	require.NoError(t, err)
	require.Len(t, agg, 1)
	assert.Equal(t, ids[0], agg[0].ID)
}

func TestIngest_CreateTablesOnly(t *testing.T) {
	dbPath := setupEnv(t)

	out, err := execute(t, "ingest", "-c")
	require.NoError(t, err)
	assert.Contains(t, out, "Tables created.")

	ids, err := openTestStore(t, dbPath).IDs(context.Background(), store.Primary)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIngest_CreatesSchemaOnFreshDatabase(t *testing.T) {
	dbPath := setupEnv(t)

	rollDir := t.TempDir()
	writeBuilding(t, rollDir, 2)
	out, err := execute(t, "ingest", rollDir, "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 1 files: 3 units, 3 inserted")

	ids, err := openTestStore(t, dbPath).IDs(context.Background(), store.Primary)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestIngest_UnknownMunicipalityFailsBeforeWork(t *testing.T) {
	dbPath := setupEnv(t)

	rollDir := t.TempDir()
	writeBuilding(t, rollDir, 1)
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<RL><RLM01A>99999</RLM01A><RLM02A>2023</RLM02A></RL>`
	require.NoError(t, os.WriteFile(filepath.Join(rollDir, "RL99999.xml"), []byte(doc), 0o644))

	_, err := execute(t, "ingest", rollDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping.file")
	assert.Contains(t, err.Error(), "RL99999.xml")
	assert.NoFileExists(t, dbPath)
}

func TestIngest_InvalidPath(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "ingest", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input path")
}

func TestIngest_NoXMLFiles(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "ingest", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .xml files")
}

func TestIngest_MissingTables(t *testing.T) {
	setupEnv(t)
	t.Setenv("ROLL_TABLES_ARCHIVE", "")

	_, err := execute(t, "ingest", t.TempDir())
	require.ErrorIs(t, err, config.ErrMissingConfig)
	assert.Contains(t, err.Error(), "tables.archive")
}

func TestGeometryJoin_MissingShapefile(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "geometry", "join", filepath.Join(t.TempDir(), "missing.shp"))
	require.Error(t, err)
}

func TestFetchCommand(t *testing.T) {
	setupEnv(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"RL23027.xml", "rol_unite_p.shp", "LISEZMOI.txt"} {
		fw, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	dest := t.TempDir()
	out, err := execute(t, "fetch", srv.URL+"/roll_2023.zip", dest)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dest, "RL23027.xml"))
	assert.Contains(t, out, "Fetched 2 files")
	assert.NoFileExists(t, filepath.Join(dest, "LISEZMOI.txt"))
}
