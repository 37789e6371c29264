package fieldshift

import (
	"context"

	"github.com/autom8ter/machine/v4"
	"github.com/couchutil/fieldshift/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers = 10
	defaultRetries = 3
)

// Migrator relocates the value at a dotted field path to a new path across
// every document of a table. Page fetches are sequential (each page's cursor
// depends on the previous page); per-document applies within a page run
// concurrently up to the worker bound.
type Migrator struct {
	store   Store
	spec    RenameSpec
	source  Path
	dest    Path
	logger  Logger
	machine machine.Machine
	events  Stream[Event]
	workers int
	retries int
}

// NewMigrator validates the spec and its field paths (fail fast, before any
// document is touched) and returns a configured migrator.
func NewMigrator(store Store, spec RenameSpec, opts ...MigratorOpt) (*Migrator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	source, err := ParsePath(spec.Source)
	if err != nil {
		return nil, err
	}
	dest, err := ParsePath(spec.Dest)
	if err != nil {
		return nil, err
	}
	m := &Migrator{
		store:   store,
		spec:    spec,
		source:  source,
		dest:    dest,
		machine: machine.New(),
		workers: defaultWorkers,
		retries: defaultRetries,
	}
	m.events = newStream[Event](m.machine)
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		logger, err := NewLogger("info", map[string]any{
			"table": spec.Table,
		})
		if err != nil {
			return nil, err
		}
		m.logger = logger
	}
	return m, nil
}

// OnEvent subscribes to migration progress events until the context is
// cancelled or the handler returns false
func (m *Migrator) OnEvent(ctx context.Context, fn func(Event) (bool, error)) error {
	return m.events.Pull(ctx, eventChannel, fn)
}

// Close waits for the migrator's event subscribers to drain
func (m *Migrator) Close(ctx context.Context) error {
	return m.machine.Wait()
}

// Run migrates the table and returns the aggregate summary. A page-level
// fetch error ends the run; the summary then reports the documents already
// processed (committed progress is never rolled back). Per-document errors
// are counted and reported, never fatal to the run.
func (m *Migrator) Run(ctx context.Context) (*Summary, error) {
	acc := &accumulator{}
	info, err := m.store.Table(ctx, m.spec.Table)
	if err != nil {
		return acc.summary(), errors.Wrap(err, errors.FetchFailed, "failed to fetch table metadata: %s", m.spec.Table)
	}
	partitions := []string{""}
	if m.spec.Partitioned {
		partitions, err = m.store.Partitions(ctx, m.spec.Table)
		if err != nil {
			return acc.summary(), errors.Wrap(err, errors.FetchFailed, "failed to list partitions: %s", m.spec.Table)
		}
	}
	m.logger.Info(ctx, "starting field rename", map[string]interface{}{
		"source":      m.spec.Source,
		"dest":        m.spec.Dest,
		"partitioned": m.spec.Partitioned,
		"doc_count":   info.DocCount,
		"dry_run":     m.spec.DryRun,
	})
	var fetched int64
	for _, partition := range partitions {
		cursor := Cursor("")
		for {
			if err := ctx.Err(); err != nil {
				return acc.summary(), errors.Wrap(err, errors.Internal, "migration cancelled")
			}
			page, err := m.store.FetchPage(ctx, m.spec.Table, partition, cursor, m.spec.Limit)
			if err != nil {
				return acc.summary(), errors.Wrap(err, errors.FetchFailed, "failed to fetch page: %s", m.spec.Table)
			}
			m.processPage(ctx, partition, page, acc)
			fetched += int64(len(page.Documents))
			m.events.Broadcast(ctx, eventChannel, Event{
				Type:      EventPageFetched,
				Partition: partition,
				Fetched:   fetched,
				Total:     info.DocCount,
			})
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
	}
	summary := acc.summary()
	m.logger.Info(ctx, "field rename complete", map[string]interface{}{
		"scanned":   summary.Scanned,
		"renamed":   summary.Renamed,
		"skipped":   summary.Skipped,
		"conflicts": summary.Conflicts,
		"failed":    summary.Failed,
	})
	return summary, nil
}

// processPage applies the rename to each document of the page. Documents
// within a page are independent and may complete in any order.
func (m *Migrator) processPage(ctx context.Context, partition string, page Page, acc *accumulator) {
	egp := &errgroup.Group{}
	egp.SetLimit(m.workers)
	for _, doc := range page.Documents {
		doc := doc
		if ctx.Err() != nil {
			break
		}
		egp.Go(func() error {
			m.migrateDocument(ctx, partition, doc, acc)
			return nil
		})
	}
	_ = egp.Wait()
}

func (m *Migrator) migrateDocument(ctx context.Context, partition string, doc *Document, acc *accumulator) {
	acc.scanned.Add(1)
	patch := Plan(doc, m.source, m.dest)
	if patch.IsNoop() {
		acc.skipped.Add(1)
		m.logger.Debug(ctx, "source path absent, skipping", map[string]interface{}{
			"doc_id": patch.DocID,
		})
		m.events.Broadcast(ctx, eventChannel, Event{
			Type:      EventDocumentSkipped,
			DocID:     patch.DocID,
			Partition: partition,
		})
		return
	}
	if m.spec.DryRun {
		if patch.Conflict {
			acc.conflicts.Add(1)
			m.logger.Warn(ctx, "destination path holds a different value, overwriting", map[string]interface{}{
				"doc_id": patch.DocID,
				"dest":   patch.Dest,
			})
		}
		acc.record(patch)
		acc.renamed.Add(1)
		m.events.Broadcast(ctx, eventChannel, Event{
			Type:      EventDocumentRenamed,
			DocID:     patch.DocID,
			Partition: partition,
			Conflict:  patch.Conflict,
		})
		return
	}
	// a conflict-triggered re-plan may reclassify the patch; report the one
	// actually written
	applied, err := m.applyPatch(ctx, doc, patch)
	if err != nil {
		acc.fail(patch.DocID, err)
		m.logger.Error(ctx, "failed to rename field", err, map[string]interface{}{
			"doc_id": patch.DocID,
		})
		m.events.Broadcast(ctx, eventChannel, Event{
			Type:      EventDocumentFailed,
			DocID:     patch.DocID,
			Partition: partition,
			Err:       err,
		})
		return
	}
	if applied.Conflict {
		acc.conflicts.Add(1)
		m.logger.Warn(ctx, "destination path held a different value, overwritten", map[string]interface{}{
			"doc_id": applied.DocID,
			"dest":   applied.Dest,
		})
	}
	acc.renamed.Add(1)
	m.events.Broadcast(ctx, eventChannel, Event{
		Type:      EventDocumentRenamed,
		DocID:     patch.DocID,
		Partition: partition,
		Conflict:  applied.Conflict,
	})
}
