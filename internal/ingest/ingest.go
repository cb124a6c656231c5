// Package ingest runs the roll extraction over a set of files with a pool
// of workers, each owning its own store connection.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/model"
	"github.com/sells-group/roll-cli/internal/partition"
	"github.com/sells-group/roll-cli/internal/rollxml"
	"github.com/sells-group/roll-cli/internal/store"
)

// DefaultBatchSize is the number of units written per transaction.
const DefaultBatchSize = 3000

const readBufferSize = 1 << 20

// Opener opens a store for one worker. Each call must return an
// independent connection.
type Opener func(ctx context.Context) (store.Store, error)

// Options configures a Coordinator.
type Options struct {
	Workers          int
	BatchSize        int
	Target           store.Target
	ProgressInterval time.Duration
}

// FileError records a file whose extraction failed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e *FileError) Unwrap() error { return e.Err }

// WorkerReport summarizes one worker.
type WorkerReport struct {
	Worker    int
	Bytes     int64
	Files     int
	Units     int
	Skipped   int
	Malformed int
	Inserted  int64
	Failed    []FileError
}

// Report summarizes a Run.
type Report struct {
	Workers   []WorkerReport
	Files     int
	Units     int
	Skipped   int
	Malformed int
	Inserted  int64
	Failed    []FileError
	Elapsed   time.Duration
}

// Coordinator spreads files over workers and streams them into the store.
type Coordinator struct {
	open  Opener
	codes *mapping.Table
	opts  Options
	log   *zap.Logger
}

// New creates a Coordinator.
func New(open Opener, codes *mapping.Table, opts Options) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10 * time.Second
	}
	return &Coordinator{
		open:  open,
		codes: codes,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "ingest")),
	}
}

// Run partitions files across the workers and waits for all of them. A file
// that fails is logged and recorded; the other files keep going. The
// returned error combines every file failure, or reports why a worker could
// not run at all. The report is returned in both cases.
func (c *Coordinator) Run(ctx context.Context, files []partition.File) (*Report, error) {
	start := time.Now()

	parts, err := partition.Split(files, c.opts.Workers)
	if err != nil {
		return nil, err
	}
	for i, total := range partition.Totals(parts) {
		c.log.Info("worker assignment",
			zap.Int("worker", i),
			zap.Int("files", len(parts[i])),
			zap.Int64("bytes", total),
		)
	}

	reports := make([]WorkerReport, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		reports[i].Worker = i
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			return c.work(gctx, i, part, &reports[i])
		})
	}
	werr := g.Wait()

	report := &Report{Workers: reports, Elapsed: time.Since(start)}
	var errs error
	for _, wr := range reports {
		report.Files += wr.Files
		report.Units += wr.Units
		report.Skipped += wr.Skipped
		report.Malformed += wr.Malformed
		report.Inserted += wr.Inserted
		report.Failed = append(report.Failed, wr.Failed...)
		for j := range wr.Failed {
			errs = multierr.Append(errs, &wr.Failed[j])
		}
	}

	if werr != nil {
		return report, eris.Wrap(werr, "ingest: run")
	}
	if errs != nil {
		return report, eris.Wrapf(errs, "ingest: %d of %d files failed", len(report.Failed), len(files))
	}
	return report, nil
}

// CheckMunicipalities reads the header of every file and reports those whose
// municipality code is missing from codes. Other header problems are left to
// Run, which records them per file.
func CheckMunicipalities(files []partition.File, codes *mapping.Table) error {
	var errs error
	var missing int
	for _, file := range files {
		err := checkHeader(file.Path, codes)
		if errors.Is(err, rollxml.ErrUnknownMunicipality) {
			missing++
			errs = multierr.Append(errs, &FileError{Path: file.Path, Err: err})
		}
	}
	if errs != nil {
		return eris.Wrapf(errs, "ingest: %d files name a municipality missing from the code table (supply it through mapping.file)", missing)
	}
	return nil
}

func checkHeader(path string, codes *mapping.Table) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "ingest: open")
	}
	defer f.Close() //nolint:errcheck
	_, err = rollxml.NewDecoder(f, codes)
	return err
}

func (c *Coordinator) work(ctx context.Context, worker int, files []partition.File, wr *WorkerReport) error {
	log := c.log.With(zap.Int("worker", worker))

	st, err := c.open(ctx)
	if err != nil {
		return eris.Wrapf(err, "ingest: worker %d: open store", worker)
	}
	defer st.Close() //nolint:errcheck

	progress := rate.Sometimes{Interval: c.opts.ProgressInterval}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return eris.Wrapf(err, "ingest: worker %d", worker)
		}

		log.Info("processing file", zap.String("path", f.Path), zap.Int64("bytes", f.Size))
		fr, err := c.processFile(ctx, st, f.Path, func(fr fileResult) {
			progress.Do(func() {
				log.Info("progress",
					zap.String("path", f.Path),
					zap.Int("units", wr.Units+fr.units),
					zap.Int64("inserted", wr.Inserted+fr.inserted),
				)
			})
		})
		wr.Bytes += f.Size
		wr.Units += fr.units
		wr.Skipped += fr.skipped
		wr.Malformed += fr.malformed
		wr.Inserted += fr.inserted

		if err != nil {
			if ctx.Err() != nil {
				return eris.Wrapf(err, "ingest: worker %d", worker)
			}
			log.Error("file failed", zap.String("path", f.Path), zap.Error(err))
			wr.Failed = append(wr.Failed, FileError{Path: f.Path, Err: err})
			continue
		}
		wr.Files++
		log.Info("file done",
			zap.String("path", f.Path),
			zap.Int("units", fr.units),
			zap.Int("skipped", fr.skipped),
			zap.Int64("inserted", fr.inserted),
		)
	}

	log.Info("worker done",
		zap.Int("files", wr.Files),
		zap.Int("units", wr.Units),
		zap.Int64("inserted", wr.Inserted),
		zap.Int("failed", len(wr.Failed)),
	)
	return nil
}

type fileResult struct {
	units     int
	skipped   int
	malformed int
	inserted  int64
}

// processFile streams one document into the store. Units extracted before
// a failure are still written.
func (c *Coordinator) processFile(ctx context.Context, st store.Store, path string, onBatch func(fileResult)) (fileResult, error) {
	var res fileResult

	f, err := os.Open(path)
	if err != nil {
		return res, eris.Wrap(err, "ingest: open")
	}
	defer f.Close() //nolint:errcheck

	dec, err := rollxml.NewDecoder(bufio.NewReaderSize(f, readBufferSize), c.codes)
	if err != nil {
		return res, err
	}

	exists := func(ctx context.Context, id string) (bool, error) {
		return st.UnitExists(ctx, c.opts.Target, id)
	}

	batch := make([]model.Unit, 0, c.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// A batch in flight is always committed or rolled back as a whole,
		// even when the run is being interrupted.
		n, err := st.InsertUnits(context.WithoutCancel(ctx), c.opts.Target, batch)
		if err != nil {
			return err
		}
		res.inserted += n
		batch = batch[:0]
		res.tally(dec.Stats())
		onBatch(res)
		return nil
	}

	for {
		u, err := dec.Next(ctx, exists)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = multierr.Append(err, flush())
			res.tally(dec.Stats())
			return res, err
		}
		batch = append(batch, *u)
		if len(batch) >= c.opts.BatchSize {
			if err := flush(); err != nil {
				res.tally(dec.Stats())
				return res, err
			}
		}
	}

	err = flush()
	res.tally(dec.Stats())
	return res, err
}

func (r *fileResult) tally(s rollxml.Stats) {
	r.units = s.Units
	r.skipped = s.Skipped
	r.malformed = s.Malformed
}
