package fieldshift

import (
	"context"

	"github.com/couchutil/fieldshift/errors"
)

// applyPatch drives the bounded Plan -> Write -> {Success, Conflict, Fail}
// loop for a single document. On a revision conflict the document is
// re-fetched and re-planned against the fresh copy, up to the retry bound.
// The applied patch is returned alongside the error: a re-plan may change the
// destination-conflict classification, and reporting must reflect the patch
// that was actually written. Writes run on a detached context: an apply is
// never interrupted mid-write.
func (m *Migrator) applyPatch(ctx context.Context, doc *Document, patch Patch) (Patch, error) {
	wctx := context.WithoutCancel(ctx)
	for attempt := 0; attempt < m.retries; attempt++ {
		mutated, err := patch.Apply(doc)
		if err != nil {
			return patch, errors.Wrap(err, errors.WriteFailed, "failed to build patched document: %s", patch.DocID)
		}
		_, err = m.store.Put(wctx, m.spec.Table, patch.DocID, patch.Rev, mutated)
		if err == nil {
			return patch, nil
		}
		if errors.Extract(err).Code != errors.Conflict {
			return patch, errors.Wrap(err, errors.WriteFailed, "failed to update document: %s", patch.DocID)
		}
		m.logger.Debug(ctx, "revision conflict, re-planning", map[string]interface{}{
			"doc_id":  patch.DocID,
			"attempt": attempt + 1,
		})
		fresh, ferr := m.store.Get(wctx, m.spec.Table, patch.DocID)
		if ferr != nil {
			return patch, errors.Wrap(ferr, errors.WriteFailed, "failed to re-fetch document after conflict: %s", patch.DocID)
		}
		doc = fresh
		patch = Plan(fresh, m.source, m.dest)
		if patch.IsNoop() {
			// a concurrent writer already moved the field
			return patch, nil
		}
	}
	return patch, errors.New(errors.ConflictExhausted, "document %s: revision conflict persisted after %d attempts", patch.DocID, m.retries)
}
