// Package murb folds multi-unit residential buildings, listed once per
// dwelling in the roll, into one building-level record. The folded units are
// archived so the operation can be reversed.
package murb

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/roll-cli/internal/model"
	"github.com/sells-group/roll-cli/internal/store"
)

// DefaultCUBF is the land-use code of residential buildings.
const DefaultCUBF = 1000

const reconcileBatch = 1000

// Options configures an Aggregator.
type Options struct {
	CUBF               int
	VerifySharedFields bool
	ProgressInterval   time.Duration
}

// Report summarizes an aggregation run.
type Report struct {
	Groups    int
	Resolved  int
	Anomalies int
	Conflicts int
	Failed    int
	Archived  int64
	Deleted   int64
	Elapsed   time.Duration
}

// ReconcileReport summarizes a coordinate reconciliation pass.
type ReconcileReport struct {
	Groups    int
	Updated   int64
	Anomalies int
	Elapsed   time.Duration
}

// Aggregator resolves duplicate groups one transaction at a time.
type Aggregator struct {
	st   store.Store
	opts Options
	log  *zap.Logger
}

// New creates an Aggregator over st.
func New(st store.Store, opts Options) *Aggregator {
	if opts.CUBF == 0 {
		opts.CUBF = DefaultCUBF
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10 * time.Second
	}
	return &Aggregator{
		st:   st,
		opts: opts,
		log:  zap.L().With(zap.String("component", "murb")),
	}
}

// Run finds every duplicate group of the configured land-use class and
// replaces it with its aggregate. Each group commits on its own; a failed
// group is logged and counted and the run moves on. Re-running only picks
// up groups that are still unresolved.
func (a *Aggregator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	groups, err := a.st.DuplicateGroups(ctx, a.opts.CUBF)
	if err != nil {
		return nil, eris.Wrap(err, "murb: list duplicate groups")
	}
	a.log.Info("duplicate groups found", zap.Int("groups", len(groups)), zap.Int("cubf", a.opts.CUBF))

	report := &Report{Groups: len(groups)}
	progress := rate.Sometimes{Interval: a.opts.ProgressInterval}
	var errs error
	for i, key := range groups {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, multierr.Append(errs, eris.Wrap(err, "murb: run"))
		}

		if err := a.resolve(ctx, key, report); err != nil {
			report.Failed++
			a.log.Error("group failed", append(keyFields(key), zap.Error(err))...)
			errs = multierr.Append(errs, err)
		}

		progress.Do(func() {
			a.log.Info("progress",
				zap.Int("group", i+1),
				zap.Int("groups", len(groups)),
				zap.Int("resolved", report.Resolved),
			)
		})
	}

	report.Elapsed = time.Since(start)
	a.log.Info("aggregation done",
		zap.Int("groups", report.Groups),
		zap.Int("resolved", report.Resolved),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	if errs != nil {
		return report, eris.Wrapf(errs, "murb: %d of %d groups failed", report.Failed, report.Groups)
	}
	return report, nil
}

func (a *Aggregator) resolve(ctx context.Context, key store.GroupKey, report *Report) error {
	members, err := a.st.GroupMembers(ctx, store.Primary, key)
	if err != nil {
		return eris.Wrapf(err, "murb: fetch group %q", key.Address)
	}
	if len(members) == 0 {
		report.Anomalies++
		a.log.Warn("group has no members on re-fetch", keyFields(key)...)
		return nil
	}
	if int64(len(members)) != key.Count {
		a.log.Warn("group size changed on re-fetch",
			append(keyFields(key), zap.Int("members", len(members)))...)
	}

	if a.opts.VerifySharedFields {
		if conflicts := SharedFieldConflicts(members); len(conflicts) > 0 {
			report.Conflicts++
			a.log.Warn("members disagree on shared fields",
				append(keyFields(key), zap.Strings("fields", conflicts))...)
		}
	}

	agg, err := Reduce(key, members)
	if err != nil {
		return err
	}

	// A group is archived, replaced and deleted as a whole.
	res, err := a.st.ResolveGroup(context.WithoutCancel(ctx), members, agg)
	if errors.Is(err, store.ErrAggregateExists) {
		// Another group already claimed this id; its units stay in place.
		report.Anomalies++
		a.log.Warn("aggregate id already taken",
			append(keyFields(key), zap.String("id", agg.ID))...)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "murb: resolve group %s", agg.ID)
	}
	report.Resolved++
	report.Archived += res.Archived
	report.Deleted += res.Deleted
	a.log.Debug("group resolved",
		zap.String("id", agg.ID),
		zap.Int("members", len(members)),
		zap.Int64("archived", res.Archived),
	)
	return nil
}

// Reconcile copies the coordinates of every archived group onto its
// aggregate. It is meant for rolls whose geometry was joined after the
// aggregation ran. The aggregate is found by rebuilding its id from each
// archived member in turn until one exists.
func (a *Aggregator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()

	groups, err := a.st.ArchivedGroups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "murb: list archived groups")
	}
	a.log.Info("archived groups found", zap.Int("groups", len(groups)))

	report := &ReconcileReport{Groups: len(groups)}
	progress := rate.Sometimes{Interval: a.opts.ProgressInterval}
	batch := make([]store.CoordUpdate, 0, reconcileBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := a.st.UpdateCoordinates(context.WithoutCancel(ctx), store.Primary, batch)
		if err != nil {
			return eris.Wrap(err, "murb: update aggregate coordinates")
		}
		report.Updated += n
		batch = batch[:0]
		return nil
	}

	for i, key := range groups {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, multierr.Append(flush(), eris.Wrap(err, "murb: reconcile"))
		}
		if key.Lat == nil || key.Lng == nil {
			report.Anomalies++
			a.log.Warn("archived group has no coordinates", keyFields(key)...)
			continue
		}

		id, err := a.aggregateFor(ctx, key)
		if err != nil {
			report.Elapsed = time.Since(start)
			return report, multierr.Append(flush(), err)
		}
		if id == "" {
			report.Anomalies++
			a.log.Warn("no aggregate found for archived group", keyFields(key)...)
			continue
		}

		batch = append(batch, store.CoordUpdate{ID: id, Lat: *key.Lat, Lng: *key.Lng})
		if len(batch) >= reconcileBatch {
			if err := flush(); err != nil {
				report.Elapsed = time.Since(start)
				return report, err
			}
		}
		progress.Do(func() {
			a.log.Info("progress", zap.Int("group", i+1), zap.Int("groups", len(groups)))
		})
	}

	if err := flush(); err != nil {
		report.Elapsed = time.Since(start)
		return report, err
	}
	report.Elapsed = time.Since(start)
	a.log.Info("reconciliation done",
		zap.Int("groups", report.Groups),
		zap.Int64("updated", report.Updated),
		zap.Int("anomalies", report.Anomalies),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// aggregateFor returns the id of the stored aggregate of an archived
// group, or "" if none exists.
func (a *Aggregator) aggregateFor(ctx context.Context, key store.GroupKey) (string, error) {
	members, err := a.st.GroupMembers(ctx, store.Archive, key)
	if err != nil {
		return "", eris.Wrapf(err, "murb: fetch archived group %q", key.Address)
	}
	for _, m := range members {
		id := model.AggregateID(m.ID)
		found, err := a.st.UnitExists(ctx, store.Primary, id)
		if err != nil {
			return "", eris.Wrapf(err, "murb: check aggregate %s", id)
		}
		if found {
			return id, nil
		}
	}
	return "", nil
}

func keyFields(key store.GroupKey) []zap.Field {
	fields := []zap.Field{
		zap.String("address", key.Address),
		zap.String("muni", key.Muni),
		zap.Int64("count", key.Count),
	}
	if key.Lat != nil && key.Lng != nil {
		fields = append(fields, zap.Float64("lat", *key.Lat), zap.Float64("lng", *key.Lng))
	}
	return fields
}
