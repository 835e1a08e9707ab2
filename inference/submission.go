package inference

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
)

// SubmissionHeader is the header row written by WriteSubmission.
var SubmissionHeader = []string{"image_id", "mask_label", "gender_label", "age_label"}

// WriteSubmission writes one row per prediction with the label names.
func WriteSubmission(w io.Writer, preds []Prediction) error {
	return writeCSV(w, SubmissionHeader, preds, func(p Prediction) []string {
		return []string{p.ImageID, p.Labels.Mask.String(), p.Labels.Gender.String(), p.Labels.Age.String()}
	})
}

// WriteClassCodes writes the ImageID,ans layout with the combined class code.
func WriteClassCodes(w io.Writer, preds []Prediction) error {
	return writeCSV(w, []string{"ImageID", "ans"}, preds, func(p Prediction) []string {
		return []string{p.ImageID, strconv.Itoa(p.Labels.Encode())}
	})
}

func writeCSV(w io.Writer, header []string, preds []Prediction, row func(Prediction) []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, p := range preds {
		if err := cw.Write(row(p)); err != nil {
			return errors.Wrapf(err, "write row %s", p.ImageID)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// SaveSubmission writes preds to path, using the class-code layout when
// codes is set. The file is replaced atomically.
func SaveSubmission(path string, preds []Prediction, codes bool) error {
	write := WriteSubmission
	if codes {
		write = WriteClassCodes
	}
	return checkpoints.WriteFileAtomic(path, func(w io.Writer) error {
		return write(w, preds)
	})
}
