// Package store persists roll units. The same column set backs the primary
// roll table and the archive of disaggregated units; table names are
// injected through Tables.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roll-cli/internal/model"
)

// ErrAggregateExists is returned by ResolveGroup when the primary table
// already holds a row with the aggregate's id. The group is left untouched.
var ErrAggregateExists = eris.New("aggregate already exists")

// Target selects which unit table an operation applies to.
type Target int

const (
	// Primary is the main roll table.
	Primary Target = iota
	// Archive holds units folded into an aggregated building.
	Archive
)

func (t Target) String() string {
	if t == Archive {
		return "archive"
	}
	return "primary"
}

// Tables holds the configured table names.
type Tables struct {
	Roll        string `yaml:"roll" mapstructure:"roll"`
	Archive     string `yaml:"archive" mapstructure:"archive"`
	OwnerStatus string `yaml:"owner_status" mapstructure:"owner_status"`
	PhysLink    string `yaml:"phys_link" mapstructure:"phys_link"`
	ConstType   string `yaml:"const_type" mapstructure:"const_type"`
}

// Name returns the table name for a target.
func (t Tables) Name(target Target) string {
	if target == Archive {
		return t.Archive
	}
	return t.Roll
}

// GroupKey identifies a set of units sharing coordinates, address and
// municipality.
type GroupKey struct {
	Lat          *float64
	Lng          *float64
	Address      string
	Muni         string
	Count        int64
	SumDwellings *int64
}

// CoordUpdate sets the coordinates of one unit.
type CoordUpdate struct {
	ID  string
	Lat float64
	Lng float64
}

// ResolveResult reports what a group resolution changed.
type ResolveResult struct {
	Archived int64
	Deleted  int64
}

// Store defines the persistence interface for the roll tools.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error

	// Units
	UnitExists(ctx context.Context, target Target, id string) (bool, error)
	InsertUnits(ctx context.Context, target Target, units []model.Unit) (int64, error)
	IDs(ctx context.Context, target Target) ([]string, error)

	// Duplicate groups
	DuplicateGroups(ctx context.Context, cubf int) ([]GroupKey, error)
	ArchivedGroups(ctx context.Context) ([]GroupKey, error)
	GroupMembers(ctx context.Context, target Target, key GroupKey) ([]model.Unit, error)
	ResolveGroup(ctx context.Context, members []model.Unit, agg model.Unit) (ResolveResult, error)

	// Coordinates
	UpdateCoordinates(ctx context.Context, target Target, updates []CoordUpdate) (int64, error)
	DeleteWithoutCoordinates(ctx context.Context) (int64, error)

	// Lifecycle
	Close() error
}

func unitRows(units []model.Unit) [][]any {
	rows := make([][]any, len(units))
	for i := range units {
		rows[i] = units[i].Values()
	}
	return rows
}

func memberIDs(members []model.Unit) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}
