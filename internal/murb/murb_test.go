package murb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/roll-cli/internal/model"
	"github.com/sells-group/roll-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testTables = store.Tables{
	Roll:        "roll",
	Archive:     "roll_disag",
	OwnerStatus: "owner_status",
	PhysLink:    "phys_link",
	ConstType:   "const_type",
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "roll.db"), testTables)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateSchema(context.Background()))
	return st
}

func insert(t *testing.T, st store.Store, units ...model.Unit) {
	t.Helper()
	n, err := st.InsertUnits(context.Background(), store.Primary, units)
	require.NoError(t, err)
	require.Equal(t, int64(len(units)), n)
}

func ids(t *testing.T, st store.Store, target store.Target) []string {
	t.Helper()
	got, err := st.IDs(context.Background(), target)
	require.NoError(t, err)
	return got
}

func TestAggregator_Run(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	building := []model.Unit{member(101), member(102), member(103)}
	building[0].NumRental = model.Ptr(2)
	building[1].NumRental = model.Ptr(3)
	building[2].NumRental = model.Ptr(0)
	building[0].LotArea = model.Ptr(100.0)
	building[1].LotArea = model.Ptr(200.0)

	single := member(500)
	single.Address = "1 Rue Seule"

	commercial := []model.Unit{member(601), member(602)}
	for i := range commercial {
		commercial[i].CUBF = 5000
		commercial[i].Address = "2 Rue du Commerce"
	}

	insert(t, st, append(append(building, single), commercial...)...)

	agg := New(st, Options{VerifySharedFields: true})
	report, err := agg.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, 1, report.Resolved)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Anomalies)
	assert.Zero(t, report.Conflicts)
	assert.Equal(t, int64(3), report.Archived)
	assert.Equal(t, int64(3), report.Deleted)

	primary := ids(t, st, store.Primary)
	for _, m := range building {
		assert.NotContains(t, primary, m.ID)
	}
	assert.Contains(t, primary, single.ID)
	assert.Contains(t, primary, commercial[0].ID)
	assert.Contains(t, primary, "23027111122333300009999")

	archived := ids(t, st, store.Archive)
	assert.ElementsMatch(t, []string{building[0].ID, building[1].ID, building[2].ID}, archived)

	rows, err := st.GroupMembers(ctx, store.Primary, testKey(building))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.True(t, got.IsAggregate())
	assert.Equal(t, 5, *got.NumRental)
	assert.Equal(t, 150.0, *got.LotArea)
	assert.Equal(t, 3, *got.NumDwelling)
	assert.Equal(t, 10, *got.MaxFloors)
	assert.Equal(t, model.PhysLinkDetached, *got.PhysLink)
	assert.Nil(t, got.AptNum)

	// Resolved groups no longer match.
	again, err := agg.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Groups)
	assert.Len(t, ids(t, st, store.Primary), len(primary))
}

func TestAggregator_Run_MissingCoordinatesIsAnomaly(t *testing.T) {
	st := newTestStore(t)

	units := []model.Unit{member(1), member(2)}
	for i := range units {
		units[i].Lat, units[i].Lng = nil, nil
	}
	insert(t, st, units...)

	report, err := New(st, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, 1, report.Anomalies)
	assert.Zero(t, report.Resolved)
	assert.Len(t, ids(t, st, store.Primary), 2)
	assert.Empty(t, ids(t, st, store.Archive))
}

func TestAggregator_Run_AggregateIDCollisionIsAnomaly(t *testing.T) {
	st := newTestStore(t)

	// Both groups share the id prefix 2302711112233330000 so they map to
	// the same aggregate id. Groups are resolved in address order.
	first := []model.Unit{member(11), member(12)}
	for i := range first {
		first[i].Address = "10 Rue Autre"
	}
	second := []model.Unit{member(1), member(2)}
	insert(t, st, append(first, second...)...)

	report, err := New(st, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Groups)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.Anomalies)
	assert.Zero(t, report.Failed)
	assert.Equal(t, int64(2), report.Archived)

	primary := ids(t, st, store.Primary)
	assert.ElementsMatch(t, []string{"23027111122333300009999", second[0].ID, second[1].ID}, primary)
	assert.ElementsMatch(t, []string{first[0].ID, first[1].ID}, ids(t, st, store.Archive))
}

func TestAggregator_Run_CountsConflicts(t *testing.T) {
	st := newTestStore(t)

	units := []model.Unit{member(1), member(2)}
	units[0].Arrond = model.Ptr("Beauport")
	insert(t, st, units...)

	report, err := New(st, Options{VerifySharedFields: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Resolved)

	report, err = New(newTestStoreWith(t, units...), Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Conflicts)
	assert.Equal(t, 1, report.Resolved)
}

func newTestStoreWith(t *testing.T, units ...model.Unit) *store.SQLiteStore {
	t.Helper()
	st := newTestStore(t)
	insert(t, st, units...)
	return st
}

func TestAggregator_Run_GroupFailureContinues(t *testing.T) {
	ms := new(mockStore)
	first := []model.Unit{member(1), member(2)}
	second := []model.Unit{member(11), member(12)}
	second[0].Address, second[1].Address = "9 Rue B", "9 Rue B"
	k1, k2 := testKey(first), testKey(second)

	ms.On("DuplicateGroups", mock.Anything, DefaultCUBF).Return([]store.GroupKey{k1, k2}, nil)
	ms.On("GroupMembers", mock.Anything, store.Primary, k1).Return(first, nil)
	ms.On("GroupMembers", mock.Anything, store.Primary, k2).Return(second, nil)
	ms.On("ResolveGroup", mock.Anything, first, mock.Anything).
		Return(store.ResolveResult{}, errors.New("disk I/O error"))
	ms.On("ResolveGroup", mock.Anything, second, mock.Anything).
		Return(store.ResolveResult{Archived: 2, Deleted: 2}, nil)

	report, err := New(ms, Options{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Contains(t, err.Error(), "1 of 2 groups failed")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, int64(2), report.Archived)
	ms.AssertExpectations(t)
}

func TestAggregator_Run_ListError(t *testing.T) {
	ms := new(mockStore)
	ms.On("DuplicateGroups", mock.Anything, 1100).Return(nil, errors.New("connection reset"))

	_, err := New(ms, Options{CUBF: 1100}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "murb: list duplicate groups")
}

func TestAggregator_Run_Cancelled(t *testing.T) {
	ms := new(mockStore)
	k := testKey([]model.Unit{member(1)})
	ms.On("DuplicateGroups", mock.Anything, DefaultCUBF).Return([]store.GroupKey{k}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(ms, Options{}).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Resolved)
	ms.AssertNotCalled(t, "GroupMembers", mock.Anything, mock.Anything, mock.Anything)
}

func TestAggregator_Reconcile(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	building := []model.Unit{member(101), member(102)}
	insert(t, st, building...)
	a := New(st, Options{})
	_, err := a.Run(ctx)
	require.NoError(t, err)

	// Move the aggregate away from its building.
	aggID := model.AggregateID(building[1].ID)
	n, err := st.UpdateCoordinates(ctx, store.Primary, []store.CoordUpdate{{ID: aggID, Lat: 45.5, Lng: -73.6}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	report, err := a.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, int64(1), report.Updated)
	assert.Zero(t, report.Anomalies)

	rows, err := st.GroupMembers(ctx, store.Primary, testKey(building))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, aggID, rows[0].ID)
}

func TestAggregator_Reconcile_NoAggregate(t *testing.T) {
	ms := new(mockStore)
	members := []model.Unit{member(1), member(2)}
	k := testKey(members)

	ms.On("ArchivedGroups", mock.Anything).Return([]store.GroupKey{k}, nil)
	ms.On("GroupMembers", mock.Anything, store.Archive, k).Return(members, nil)
	ms.On("UnitExists", mock.Anything, store.Primary, model.AggregateID(members[0].ID)).Return(false, nil)

	report, err := New(ms, Options{}).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Anomalies)
	assert.Zero(t, report.Updated)
	ms.AssertNotCalled(t, "UpdateCoordinates", mock.Anything, mock.Anything, mock.Anything)
}

func TestAggregator_Reconcile_UsesFirstExistingAggregate(t *testing.T) {
	ms := new(mockStore)
	members := []model.Unit{member(1), member(2)}
	members[0].ID = "66023111122333300000001"
	k := testKey(members)
	wantID := model.AggregateID(members[1].ID)

	ms.On("ArchivedGroups", mock.Anything).Return([]store.GroupKey{k}, nil)
	ms.On("GroupMembers", mock.Anything, store.Archive, k).Return(members, nil)
	ms.On("UnitExists", mock.Anything, store.Primary, model.AggregateID(members[0].ID)).Return(false, nil)
	ms.On("UnitExists", mock.Anything, store.Primary, wantID).Return(true, nil)
	ms.On("UpdateCoordinates", mock.Anything, store.Primary,
		[]store.CoordUpdate{{ID: wantID, Lat: *k.Lat, Lng: *k.Lng}}).Return(int64(1), nil)

	report, err := New(ms, Options{}).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Updated)
	ms.AssertExpectations(t)
}
