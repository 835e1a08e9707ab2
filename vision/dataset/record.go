package dataset

import (
	"github.com/tsawler/go-maskclf/errdefs"
)

// SampleRecord is one labeled image. Records are immutable once loaded.
type SampleRecord struct {
	PersonID  string
	ImagePath string
	Labels    LabelSet
}

// Validate checks that the record has a path and one valid label per task.
func (r SampleRecord) Validate() error {
	if r.ImagePath == "" {
		return errdefs.DataLoad("dataset.SampleRecord", nil, "record for person %q has no image path", r.PersonID)
	}
	if !r.Labels.Valid() {
		return errdefs.DataLoad("dataset.SampleRecord", nil, "record %s has labels outside the label space: %+v", r.ImagePath, r.Labels)
	}
	return nil
}
