package fieldshift

import (
	"encoding/json"

	"github.com/couchutil/fieldshift/errors"
	"github.com/couchutil/fieldshift/util"
)

// DefaultLimit is the default page size for document enumeration
const DefaultLimit = 1000

// RenameSpec is the immutable input of a rename migration
type RenameSpec struct {
	// Table is the name of the table (or document type) to migrate
	Table string `json:"table" validate:"required"`
	// Source is the dot-notation path of the field to be renamed
	Source string `json:"source" validate:"required"`
	// Dest is the dot-notation path the value is relocated to
	Dest string `json:"dest" validate:"required"`
	// Partitioned indicates the table is partitioned and must be enumerated per partition
	Partitioned bool `json:"partitioned"`
	// Limit is the maximum number of documents fetched per page
	Limit int `json:"limit" validate:"gt=0"`
	// DryRun computes and reports the change set without persisting it
	DryRun bool `json:"dry_run"`
}

// Validate checks the spec's fields and its field paths. Path errors surface
// as MalformedPath before any document is touched.
func (r RenameSpec) Validate() error {
	if err := util.ValidateStruct(&r); err != nil {
		return err
	}
	source, err := ParsePath(r.Source)
	if err != nil {
		return err
	}
	dest, err := ParsePath(r.Dest)
	if err != nil {
		return err
	}
	if source.Equal(dest) {
		return errors.New(errors.Validation, "source and dest paths are identical: %s", r.Source)
	}
	return nil
}

// SpecFromYAML loads a RenameSpec from yaml (or json) content
func SpecFromYAML(content []byte) (RenameSpec, error) {
	var spec RenameSpec
	jsonContent, err := util.YAMLToJSON(content)
	if err != nil {
		return spec, errors.Wrap(err, errors.Validation, "failed to parse rename spec")
	}
	if err := json.Unmarshal(jsonContent, &spec); err != nil {
		return spec, errors.Wrap(err, errors.Validation, "failed to parse rename spec")
	}
	if spec.Limit == 0 {
		spec.Limit = DefaultLimit
	}
	return spec, nil
}
