package fieldshift

import (
	"reflect"
	"strings"

	"github.com/couchutil/fieldshift/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Path is an ordered, non-empty sequence of field segments parsed from dot notation.
type Path []string

// ParsePath splits a dot-notation field path into its segments. A leading,
// trailing or doubled '.' produces a MalformedPath error.
func ParsePath(text string) (Path, error) {
	if text == "" {
		return nil, errors.New(errors.MalformedPath, "empty field path")
	}
	segments := strings.Split(text, ".")
	for _, segment := range segments {
		if segment == "" {
			return nil, errors.New(errors.MalformedPath, "empty segment in field path: %s", text)
		}
	}
	return Path(segments), nil
}

// String returns the path in dot notation
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Equal returns whether the two paths have identical segment sequences
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// gjsonPath returns the path in gjson/sjson syntax with metacharacters escaped,
// so keys containing wildcards, pipes, array syntax or a modifier prefix are
// matched literally.
func (p Path) gjsonPath() string {
	escaped := make([]string, 0, len(p))
	for _, segment := range p {
		escaped = append(escaped, escapeSegment(segment))
	}
	return strings.Join(escaped, ".")
}

func escapeSegment(segment string) string {
	var b strings.Builder
	for _, r := range segment {
		switch r {
		case '\\', '*', '?', '|', '#', '@':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Get resolves the path against the document. Missing or non-mapping
// intermediate segments resolve to absent (nil, false) - never an error.
func (p Path) Get(d *Document) (any, bool) {
	result := d.result.Get(p.gjsonPath())
	if !result.Exists() {
		return nil, false
	}
	// gjson descends into arrays via numeric and query syntax; a plain key
	// lookup against an array segment must read as absent here.
	if !p.intermediatesAreObjects(d) {
		return nil, false
	}
	return result.Value(), true
}

// Set writes a value at the path, creating intermediate mappings as needed and
// overwriting the leaf. The receiver document is mutated, not the original raw input.
func (p Path) Set(d *Document, value any) error {
	return d.set(p.gjsonPath(), value)
}

// Delete removes the path's leaf key. Intermediate mappings left empty by the
// removal are pruned. Deleting an absent leaf is a no-op.
func (p Path) Delete(d *Document) error {
	if _, ok := p.Get(d); !ok {
		return nil
	}
	raw, err := sjson.Delete(d.result.Raw, p.gjsonPath())
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to delete field: %s", p)
	}
	for i := len(p) - 1; i > 0; i-- {
		ancestor := p[:i]
		result := gjson.Get(raw, Path(ancestor).gjsonPath())
		if !result.IsObject() || len(result.Map()) > 0 {
			break
		}
		raw, err = sjson.Delete(raw, Path(ancestor).gjsonPath())
		if err != nil {
			return errors.Wrap(err, errors.Internal, "failed to prune empty field: %s", ancestor)
		}
	}
	d.result = gjson.Parse(raw)
	return nil
}

// Equal values at two paths classify an already-migrated document vs a genuine overwrite.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func (p Path) intermediatesAreObjects(d *Document) bool {
	for i := 1; i < len(p); i++ {
		parent := d.result.Get(Path(p[:i]).gjsonPath())
		if !parent.IsObject() {
			return false
		}
	}
	return true
}

// raw returns the raw json of the value at the path
func (p Path) raw(d *Document) string {
	return d.result.Get(p.gjsonPath()).Raw
}
