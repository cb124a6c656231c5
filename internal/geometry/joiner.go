package geometry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/roll-cli/internal/store"
)

// DefaultCommitEvery is the number of coordinate updates per transaction.
const DefaultCommitEvery = 10_000

// Options configures a Joiner.
type Options struct {
	CommitEvery      int
	Transform        Transform
	ProgressInterval time.Duration
}

// JoinReport summarizes a join.
type JoinReport struct {
	Records  int   // records read from the source
	Filtered int   // records outside the requested id set
	Invalid  int   // records without an id or a point
	Updated  int64 // units whose coordinates were written
	Elapsed  time.Duration
}

// Joiner writes source coordinates onto stored units by id.
type Joiner struct {
	st   store.Store
	opts Options
	log  *zap.Logger
}

// NewJoiner creates a Joiner over st.
func NewJoiner(st store.Store, opts Options) *Joiner {
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = DefaultCommitEvery
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10 * time.Second
	}
	return &Joiner{
		st:   st,
		opts: opts,
		log:  zap.L().With(zap.String("component", "geometry")),
	}
}

// Join reads src to the end and updates the coordinates of every matching
// unit of target. When only is non-nil, records whose id is not in it are
// skipped. Ids without a stored unit are ignored. Other columns are never
// touched.
func (j *Joiner) Join(ctx context.Context, src Source, target store.Target, only map[string]struct{}) (*JoinReport, error) {
	start := time.Now()
	report := &JoinReport{}
	progress := rate.Sometimes{Interval: j.opts.ProgressInterval}

	batch := make([]store.CoordUpdate, 0, j.opts.CommitEvery)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := j.st.UpdateCoordinates(context.WithoutCancel(ctx), target, batch)
		if err != nil {
			return eris.Wrapf(err, "geometry: update %s coordinates", target)
		}
		report.Updated += n
		batch = batch[:0]
		progress.Do(func() {
			j.log.Info("progress",
				zap.Int("records", report.Records),
				zap.Int64("updated", report.Updated),
			)
		})
		return nil
	}

	for src.Next() {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			if ferr := flush(); ferr != nil {
				return report, ferr
			}
			return report, eris.Wrap(err, "geometry: join")
		}
		report.Records++

		id, pt, err := src.Record()
		if err != nil {
			report.Invalid++
			j.log.Debug("skipping record", zap.Error(err))
			continue
		}
		if only != nil {
			if _, ok := only[id]; !ok {
				report.Filtered++
				continue
			}
		}

		pt, err = j.opts.Transform.Apply(pt)
		if err != nil {
			report.Invalid++
			j.log.Debug("skipping record", zap.String("id", id), zap.Error(err))
			continue
		}

		// Shapefile points are (x, y) = (lng, lat).
		batch = append(batch, store.CoordUpdate{ID: id, Lat: pt.Y(), Lng: pt.X()})
		if len(batch) >= j.opts.CommitEvery {
			if err := flush(); err != nil {
				report.Elapsed = time.Since(start)
				return report, err
			}
		}
	}
	if err := src.Err(); err != nil {
		report.Elapsed = time.Since(start)
		return report, multierr.Append(flush(), err)
	}
	if err := flush(); err != nil {
		report.Elapsed = time.Since(start)
		return report, err
	}

	report.Elapsed = time.Since(start)
	j.log.Info("join done",
		zap.Stringer("target", target),
		zap.Int("records", report.Records),
		zap.Int64("updated", report.Updated),
		zap.Int("filtered", report.Filtered),
		zap.Int("invalid", report.Invalid),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// Cleanup deletes primary units still without coordinates. Coordinates are
// mandatory for every retained unit once the join has run.
func (j *Joiner) Cleanup(ctx context.Context) (int64, error) {
	n, err := j.st.DeleteWithoutCoordinates(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "geometry: cleanup")
	}
	j.log.Info("deleted units without coordinates", zap.Int64("deleted", n))
	return n, nil
}

// IDSet builds the id filter for Join.
func IDSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
