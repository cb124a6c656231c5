package murb

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/roll-cli/internal/model"
	"github.com/sells-group/roll-cli/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) UnitExists(ctx context.Context, target store.Target, id string) (bool, error) {
	args := m.Called(ctx, target, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) InsertUnits(ctx context.Context, target store.Target, units []model.Unit) (int64, error) {
	args := m.Called(ctx, target, units)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) IDs(ctx context.Context, target store.Target) ([]string, error) {
	args := m.Called(ctx, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockStore) DuplicateGroups(ctx context.Context, cubf int) ([]store.GroupKey, error) {
	args := m.Called(ctx, cubf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.GroupKey), args.Error(1)
}

func (m *mockStore) ArchivedGroups(ctx context.Context) ([]store.GroupKey, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.GroupKey), args.Error(1)
}

func (m *mockStore) GroupMembers(ctx context.Context, target store.Target, key store.GroupKey) ([]model.Unit, error) {
	args := m.Called(ctx, target, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Unit), args.Error(1)
}

func (m *mockStore) ResolveGroup(ctx context.Context, members []model.Unit, agg model.Unit) (store.ResolveResult, error) {
	args := m.Called(ctx, members, agg)
	return args.Get(0).(store.ResolveResult), args.Error(1)
}

func (m *mockStore) UpdateCoordinates(ctx context.Context, target store.Target, updates []store.CoordUpdate) (int64, error) {
	args := m.Called(ctx, target, updates)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) DeleteWithoutCoordinates(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}
