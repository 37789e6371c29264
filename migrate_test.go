package fieldshift_test

import (
	"context"
	"sync"
	"testing"

	"github.com/couchutil/fieldshift"
	"github.com/couchutil/fieldshift/errors"
	"github.com/couchutil/fieldshift/store/inmem"
	"github.com/couchutil/fieldshift/testutil"
	"github.com/stretchr/testify/assert"
)

func userSpec(limit int) fieldshift.RenameSpec {
	return fieldshift.RenameSpec{
		Table:  "user",
		Source: "profile.age",
		Dest:   "profile.birth_year",
		Limit:  limit,
	}
}

func TestMigratorApply(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	docs, err := testutil.SeedUsers(ctx, store, "user", 25)
	assert.Nil(t, err)

	migrator, err := fieldshift.NewMigrator(store, userSpec(10))
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	assert.True(t, summary.OK())
	assert.EqualValues(t, 25, summary.Scanned)
	assert.EqualValues(t, 25, summary.Renamed)
	assert.EqualValues(t, 0, summary.Skipped)
	assert.EqualValues(t, 0, summary.Failed)

	for _, seeded := range docs {
		stored, err := store.Get(ctx, "user", seeded.GetID())
		assert.Nil(t, err)
		assert.False(t, stored.Exists("profile.age"))
		assert.Equal(t, seeded.Get("profile.age"), stored.Get("profile.birth_year"))
		// untouched fields survive
		assert.Equal(t, seeded.Get("contact.email"), stored.Get("contact.email"))
	}

	t.Run("idempotent re-run", func(t *testing.T) {
		before := map[string]string{}
		for _, seeded := range docs {
			stored, err := store.Get(ctx, "user", seeded.GetID())
			assert.Nil(t, err)
			before[seeded.GetID()] = stored.String()
		}
		again, err := fieldshift.NewMigrator(store, userSpec(10))
		assert.Nil(t, err)
		summary, err := again.Run(ctx)
		assert.Nil(t, err)
		assert.True(t, summary.OK())
		assert.EqualValues(t, 25, summary.Scanned)
		assert.EqualValues(t, 0, summary.Renamed)
		assert.EqualValues(t, 25, summary.Skipped)
		for id, raw := range before {
			stored, err := store.Get(ctx, "user", id)
			assert.Nil(t, err)
			assert.Equal(t, raw, stored.String())
		}
	})
}

func TestMigratorDryRunApplyEquivalence(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := testutil.SeedUsers(ctx, store, "user", 12)
	assert.Nil(t, err)
	// a few documents without the source path are skipped in both modes
	skippers := 0
	for i := 0; i < 3; i++ {
		doc := testutil.NewUserDoc()
		assert.Nil(t, doc.Del("profile"))
		_, err := store.Put(ctx, "user", doc.GetID(), "", doc)
		assert.Nil(t, err)
		skippers++
	}

	drySpec := userSpec(5)
	drySpec.DryRun = true
	dry, err := fieldshift.NewMigrator(store, drySpec)
	assert.Nil(t, err)
	drySummary, err := dry.Run(ctx)
	assert.Nil(t, err)
	assert.True(t, drySummary.OK())
	assert.EqualValues(t, 12, drySummary.Renamed)
	assert.EqualValues(t, skippers, drySummary.Skipped)
	assert.Equal(t, 12, len(drySummary.Patches))

	// dry-run persisted nothing
	for _, patch := range drySummary.Patches {
		stored, err := store.Get(ctx, "user", patch.DocID)
		assert.Nil(t, err)
		assert.True(t, stored.Exists("profile.age"))
	}

	apply, err := fieldshift.NewMigrator(store, userSpec(5))
	assert.Nil(t, err)
	applySummary, err := apply.Run(ctx)
	assert.Nil(t, err)
	assert.True(t, applySummary.OK())
	assert.Equal(t, drySummary.Renamed, applySummary.Renamed)
	assert.Equal(t, drySummary.Skipped, applySummary.Skipped)
	assert.Empty(t, applySummary.Patches)

	// every patch the dry run enumerated is exactly the mutation apply performed
	for _, patch := range drySummary.Patches {
		stored, err := store.Get(ctx, "user", patch.DocID)
		assert.Nil(t, err)
		assert.False(t, stored.Exists("profile.age"))
		assert.Equal(t, patch.Value, stored.Get("profile.birth_year"))
	}
}

func TestMigratorPaginationCompleteness(t *testing.T) {
	const n = 7
	for _, limit := range []int{1, n, n + 1} {
		limit := limit
		ctx := context.Background()
		store := inmem.New()
		_, err := testutil.SeedUsers(ctx, store, "user", n)
		assert.Nil(t, err)
		migrator, err := fieldshift.NewMigrator(store, userSpec(limit))
		assert.Nil(t, err)
		summary, err := migrator.Run(ctx)
		assert.Nil(t, err)
		assert.EqualValues(t, n, summary.Scanned, "limit=%d", limit)
		assert.EqualValues(t, n, summary.Renamed, "limit=%d", limit)
	}
}

func TestMigratorPartitioned(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	partitions := []string{"eu", "jp", "us"}
	docs, err := testutil.SeedPartitionedUsers(ctx, store, "user", partitions, 4)
	assert.Nil(t, err)

	spec := userSpec(3)
	spec.Partitioned = true
	migrator, err := fieldshift.NewMigrator(store, spec)
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	assert.True(t, summary.OK())
	assert.EqualValues(t, len(docs), summary.Scanned)
	assert.EqualValues(t, len(docs), summary.Renamed)
	for _, seeded := range docs {
		stored, err := store.Get(ctx, "user", seeded.GetID())
		assert.Nil(t, err)
		assert.False(t, stored.Exists("profile.age"))
	}
}

func TestMigratorDestinationConflict(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	store.CreateTable("user", false)
	doc := testutil.NewUserDocWith(map[string]interface{}{
		"a": map[string]interface{}{"b": 1},
		"c": 99,
	})
	_, err := store.Put(ctx, "user", doc.GetID(), "", doc)
	assert.Nil(t, err)

	spec := fieldshift.RenameSpec{Table: "user", Source: "a.b", Dest: "c", Limit: 10}
	migrator, err := fieldshift.NewMigrator(store, spec)
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	assert.True(t, summary.OK())
	assert.EqualValues(t, 1, summary.Conflicts)

	stored, err := store.Get(ctx, "user", doc.GetID())
	assert.Nil(t, err)
	assert.EqualValues(t, 1, stored.Get("c"))
	assert.False(t, stored.Exists("a"))
}

// faultStore wraps the in-memory store to inject failures around writes and fetches.
type faultStore struct {
	fieldshift.Store
	mu        sync.Mutex
	putHook   func(id string) error
	fetchSeen int
	fetchHook func(call int) error
}

func (f *faultStore) Put(ctx context.Context, table, id, rev string, doc *fieldshift.Document) (string, error) {
	if f.putHook != nil {
		if err := f.putHook(id); err != nil {
			return "", err
		}
	}
	return f.Store.Put(ctx, table, id, rev, doc)
}

func (f *faultStore) FetchPage(ctx context.Context, table, partition string, cursor fieldshift.Cursor, limit int) (fieldshift.Page, error) {
	if f.fetchHook != nil {
		f.mu.Lock()
		f.fetchSeen++
		call := f.fetchSeen
		f.mu.Unlock()
		if err := f.fetchHook(call); err != nil {
			return fieldshift.Page{}, err
		}
	}
	return f.Store.FetchPage(ctx, table, partition, cursor, limit)
}

func TestMigratorConflictRetry(t *testing.T) {
	ctx := context.Background()
	base := inmem.New()
	docs, err := testutil.SeedUsers(ctx, base, "user", 5)
	assert.Nil(t, err)

	// a "concurrent writer" touches each document once, right before our
	// first conditional write, making the captured revision stale
	var mu sync.Mutex
	bumped := map[string]bool{}
	store := &faultStore{Store: base}
	store.putHook = func(id string) error {
		mu.Lock()
		defer mu.Unlock()
		if bumped[id] {
			return nil
		}
		bumped[id] = true
		fresh, err := base.Get(ctx, "user", id)
		if err != nil {
			return err
		}
		if err := fresh.Set("touched", true); err != nil {
			return err
		}
		_, err = base.Put(ctx, "user", id, fresh.GetRev(), fresh)
		return err
	}

	migrator, err := fieldshift.NewMigrator(store, userSpec(10), fieldshift.WithWorkers(1))
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	assert.True(t, summary.OK())
	assert.EqualValues(t, 5, summary.Renamed)
	assert.EqualValues(t, 0, summary.Failed)
	for _, seeded := range docs {
		stored, err := base.Get(ctx, "user", seeded.GetID())
		assert.Nil(t, err)
		assert.False(t, stored.Exists("profile.age"))
		assert.True(t, stored.Exists("profile.birth_year"))
		assert.Equal(t, true, stored.Get("touched"))
	}
}

func TestMigratorConflictReclassifiedOnRetry(t *testing.T) {
	t.Run("destination conflict appears between read and retry", func(t *testing.T) {
		ctx := context.Background()
		base := inmem.New()
		docs, err := testutil.SeedUsers(ctx, base, "user", 1)
		assert.Nil(t, err)
		id := docs[0].GetID()

		// the initial plan sees no destination value; a concurrent writer
		// fills the destination before our first conditional write lands
		store := &faultStore{Store: base}
		var once sync.Once
		store.putHook = func(string) error {
			var hookErr error
			once.Do(func() {
				fresh, err := base.Get(ctx, "user", id)
				if err != nil {
					hookErr = err
					return
				}
				if err := fresh.Set("profile.birth_year", 1900); err != nil {
					hookErr = err
					return
				}
				_, hookErr = base.Put(ctx, "user", id, fresh.GetRev(), fresh)
			})
			return hookErr
		}

		migrator, err := fieldshift.NewMigrator(store, userSpec(10), fieldshift.WithWorkers(1))
		assert.Nil(t, err)
		summary, err := migrator.Run(ctx)
		assert.Nil(t, err)
		assert.True(t, summary.OK())
		assert.EqualValues(t, 1, summary.Renamed)
		assert.EqualValues(t, 1, summary.Conflicts)

		stored, err := base.Get(ctx, "user", id)
		assert.Nil(t, err)
		assert.False(t, stored.Exists("profile.age"))
		assert.Equal(t, docs[0].Get("profile.age"), stored.Get("profile.birth_year"))
	})
	t.Run("conflict clears when a concurrent writer performs the rename", func(t *testing.T) {
		ctx := context.Background()
		base := inmem.New()
		base.CreateTable("user", false)
		doc := testutil.NewUserDocWith(map[string]interface{}{
			"a": map[string]interface{}{"b": 1},
			"c": 99,
		})
		_, err := base.Put(ctx, "user", doc.GetID(), "", doc)
		assert.Nil(t, err)

		// the initial plan is conflicted (c=99); a concurrent writer performs
		// the very same rename before our write, so the re-plan is a no-op
		store := &faultStore{Store: base}
		var once sync.Once
		store.putHook = func(string) error {
			var hookErr error
			once.Do(func() {
				fresh, err := base.Get(ctx, "user", doc.GetID())
				if err != nil {
					hookErr = err
					return
				}
				if err := fresh.Del("a"); err != nil {
					hookErr = err
					return
				}
				if err := fresh.Set("c", 1); err != nil {
					hookErr = err
					return
				}
				_, hookErr = base.Put(ctx, "user", doc.GetID(), fresh.GetRev(), fresh)
			})
			return hookErr
		}

		spec := fieldshift.RenameSpec{Table: "user", Source: "a.b", Dest: "c", Limit: 10}
		migrator, err := fieldshift.NewMigrator(store, spec, fieldshift.WithWorkers(1))
		assert.Nil(t, err)
		summary, err := migrator.Run(ctx)
		assert.Nil(t, err)
		assert.True(t, summary.OK())
		assert.EqualValues(t, 1, summary.Renamed)
		assert.EqualValues(t, 0, summary.Conflicts)
	})
}

func TestMigratorConflictExhausted(t *testing.T) {
	ctx := context.Background()
	base := inmem.New()
	_, err := testutil.SeedUsers(ctx, base, "user", 3)
	assert.Nil(t, err)

	// every write attempt loses the race
	store := &faultStore{Store: base}
	store.putHook = func(id string) error {
		fresh, err := base.Get(ctx, "user", id)
		if err != nil {
			return err
		}
		if err := fresh.Set("touched", true); err != nil {
			return err
		}
		_, err = base.Put(ctx, "user", id, fresh.GetRev(), fresh)
		return err
	}

	migrator, err := fieldshift.NewMigrator(store, userSpec(10), fieldshift.WithWorkers(1), fieldshift.WithMaxRetries(2))
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	assert.False(t, summary.OK())
	assert.EqualValues(t, 3, summary.Scanned)
	assert.EqualValues(t, 3, summary.Failed)
	for _, docErr := range summary.Errors {
		assert.Equal(t, errors.ConflictExhausted, docErr.Code)
	}
}

func TestMigratorWriteFailure(t *testing.T) {
	ctx := context.Background()
	base := inmem.New()
	docs, err := testutil.SeedUsers(ctx, base, "user", 6)
	assert.Nil(t, err)
	badID := docs[0].GetID()

	store := &faultStore{Store: base}
	store.putHook = func(id string) error {
		if id == badID {
			return errors.New(errors.WriteFailed, "disk full")
		}
		return nil
	}

	migrator, err := fieldshift.NewMigrator(store, userSpec(10))
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	// one bad document must not abort the run
	assert.EqualValues(t, 6, summary.Scanned)
	assert.EqualValues(t, 5, summary.Renamed)
	assert.EqualValues(t, 1, summary.Failed)
	assert.False(t, summary.OK())
	assert.Equal(t, 1, len(summary.Errors))
	assert.Equal(t, badID, summary.Errors[0].DocID)
	assert.Equal(t, errors.WriteFailed, summary.Errors[0].Code)
}

func TestMigratorFetchFailure(t *testing.T) {
	ctx := context.Background()
	base := inmem.New()
	_, err := testutil.SeedUsers(ctx, base, "user", 10)
	assert.Nil(t, err)

	store := &faultStore{Store: base}
	store.fetchHook = func(call int) error {
		if call > 1 {
			return errors.New(errors.FetchFailed, "connection reset")
		}
		return nil
	}

	migrator, err := fieldshift.NewMigrator(store, userSpec(4))
	assert.Nil(t, err)
	summary, err := migrator.Run(ctx)
	assert.Equal(t, errors.FetchFailed, errors.Extract(err).Code)
	// progress made before the failure stays committed and is reported
	assert.EqualValues(t, 4, summary.Scanned)
	assert.EqualValues(t, 4, summary.Renamed)
}

func TestMigratorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := inmem.New()
	_, err := testutil.SeedUsers(ctx, store, "user", 5)
	assert.Nil(t, err)
	migrator, err := fieldshift.NewMigrator(store, userSpec(1))
	assert.Nil(t, err)
	cancel()
	summary, err := migrator.Run(ctx)
	assert.NotNil(t, err)
	assert.EqualValues(t, 0, summary.Scanned)
}

func TestNewMigratorPreflight(t *testing.T) {
	store := inmem.New()
	t.Run("malformed source path", func(t *testing.T) {
		spec := userSpec(10)
		spec.Source = "profile..age"
		_, err := fieldshift.NewMigrator(store, spec)
		assert.Equal(t, errors.MalformedPath, errors.Extract(err).Code)
	})
	t.Run("identical paths", func(t *testing.T) {
		spec := userSpec(10)
		spec.Dest = spec.Source
		_, err := fieldshift.NewMigrator(store, spec)
		assert.Equal(t, errors.Validation, errors.Extract(err).Code)
	})
}

func TestMigratorEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := inmem.New()
	_, err := testutil.SeedUsers(ctx, store, "user", 4)
	assert.Nil(t, err)
	migrator, err := fieldshift.NewMigrator(store, userSpec(2))
	assert.Nil(t, err)

	var mu sync.Mutex
	var renamed int
	assert.Nil(t, migrator.OnEvent(ctx, func(e fieldshift.Event) (bool, error) {
		if e.Type == fieldshift.EventDocumentRenamed {
			mu.Lock()
			renamed++
			mu.Unlock()
		}
		return true, nil
	}))
	summary, err := migrator.Run(ctx)
	assert.Nil(t, err)
	assert.EqualValues(t, 4, summary.Renamed)
	cancel()
	assert.Nil(t, migrator.Close(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, renamed, 4)
}
