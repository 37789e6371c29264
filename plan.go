package fieldshift

import (
	"encoding/json"

	"github.com/couchutil/fieldshift/errors"
)

// Patch describes the mutation planned for a single document. A patch with
// Present=false is a no-op: the document is skipped, not an error. Patches are
// transient - produced and consumed within one document's migration cycle.
type Patch struct {
	// DocID is the document id the patch applies to
	DocID string `json:"doc_id"`
	// Rev is the revision token captured at read time, guarding the conditional write
	Rev string `json:"rev"`
	// Present reports whether the source path held a value
	Present bool `json:"present"`
	// Conflict reports that the destination already held a different value.
	// The rename overwrites it; the flag exists for reporting only.
	Conflict bool `json:"conflict"`
	// Value is the value extracted from the source path
	Value any `json:"value"`
	// Source is the path the value is moved from
	Source string `json:"source"`
	// Dest is the path the value is moved to
	Dest string `json:"dest"`

	source Path
	dest   Path
	raw    string
}

// Plan decides whether a rename patch applies to the document and what it
// contains. Plan is pure: a fixed document and fixed paths always produce the
// same patch, which is what keeps dry-run and apply decisions identical.
func Plan(doc *Document, source, dest Path) Patch {
	patch := Patch{
		DocID:  doc.GetID(),
		Rev:    doc.GetRev(),
		Source: source.String(),
		Dest:   dest.String(),
		source: source,
		dest:   dest,
	}
	value, ok := source.Get(doc)
	if !ok {
		return patch
	}
	patch.Present = true
	patch.Value = value
	patch.raw = source.raw(doc)
	if existing, ok := dest.Get(doc); ok && !valuesEqual(existing, value) {
		patch.Conflict = true
	}
	return patch
}

// IsNoop reports whether applying the patch would change nothing
func (p Patch) IsNoop() bool {
	return !p.Present
}

// Apply produces the mutated copy of the document: the source leaf is removed
// (empty ancestors pruned) and the extracted value written at the destination.
// The input document is not modified.
func (p Patch) Apply(doc *Document) (*Document, error) {
	if p.IsNoop() {
		return doc.Clone(), nil
	}
	mutated := doc.Clone()
	if err := p.source.Delete(mutated); err != nil {
		return nil, err
	}
	if err := p.dest.Set(mutated, json.RawMessage(p.raw)); err != nil {
		return nil, errors.Wrap(err, errors.Internal, "failed to set field: %s", p.Dest)
	}
	return mutated, nil
}
