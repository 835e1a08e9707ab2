package dataset

import (
	"strconv"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
)

// Task identifies one label head of the classifier.
type Task int

const (
	MaskTask Task = iota
	GenderTask
	AgeTask
	// CombinedTask is the 18-class code mask*6 + gender*3 + age. It is not a
	// model head; samplers and stratified folds use it.
	CombinedTask
)

// NumTasks is the number of label heads.
const NumTasks = 3

// NumClasses is the number of combined mask/gender/age classes.
const NumClasses = 18

// Tasks lists the label heads in output order.
var Tasks = []Task{MaskTask, GenderTask, AgeTask}

func (t Task) String() string {
	switch t {
	case MaskTask:
		return "mask"
	case GenderTask:
		return "gender"
	case AgeTask:
		return "age"
	case CombinedTask:
		return "combined"
	default:
		return "task(" + strconv.Itoa(int(t)) + ")"
	}
}

// NumClasses returns the size of the task's label space.
func (t Task) NumClasses() int {
	switch t {
	case MaskTask, AgeTask:
		return 3
	case GenderTask:
		return 2
	case CombinedTask:
		return NumClasses
	default:
		return 0
	}
}

// ClassNames returns the label names of the task in code order.
func (t Task) ClassNames() []string {
	switch t {
	case MaskTask:
		return []string{Wear.String(), Incorrect.String(), NotWear.String()}
	case GenderTask:
		return []string{Male.String(), Female.String()}
	case AgeTask:
		return []string{Young.String(), Middle.String(), Old.String()}
	case CombinedTask:
		names := make([]string, NumClasses)
		for code := range names {
			names[code] = strconv.Itoa(code)
		}
		return names
	default:
		return nil
	}
}

// ParseTask parses a task name such as "mask" or "combined".
func ParseTask(s string) (Task, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mask":
		return MaskTask, nil
	case "gender":
		return GenderTask, nil
	case "age":
		return AgeTask, nil
	case "combined", "class", "multi":
		return CombinedTask, nil
	}
	return 0, errdefs.Configuration("dataset.ParseTask", "unknown task %q", s)
}

// MaskLabel is the mask-wear status.
type MaskLabel int

const (
	Wear MaskLabel = iota
	Incorrect
	NotWear
)

func (m MaskLabel) String() string {
	switch m {
	case Wear:
		return "Wear"
	case Incorrect:
		return "Incorrect"
	case NotWear:
		return "NotWear"
	default:
		return "MaskLabel(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is one of the defined values.
func (m MaskLabel) Valid() bool { return m >= Wear && m <= NotWear }

// GenderLabel is the gender of the photographed person.
type GenderLabel int

const (
	Male GenderLabel = iota
	Female
)

func (g GenderLabel) String() string {
	switch g {
	case Male:
		return "Male"
	case Female:
		return "Female"
	default:
		return "GenderLabel(" + strconv.Itoa(int(g)) + ")"
	}
}

// Valid reports whether g is one of the defined values.
func (g GenderLabel) Valid() bool { return g == Male || g == Female }

// AgeLabel is the age bracket.
type AgeLabel int

const (
	Young AgeLabel = iota
	Middle
	Old
)

func (a AgeLabel) String() string {
	switch a {
	case Young:
		return "Young"
	case Middle:
		return "Middle"
	case Old:
		return "Old"
	default:
		return "AgeLabel(" + strconv.Itoa(int(a)) + ")"
	}
}

// Valid reports whether a is one of the defined values.
func (a AgeLabel) Valid() bool { return a >= Young && a <= Old }

// AgeFromYears maps an age in years to its bracket: under 30, under 60, 60+.
func AgeFromYears(years int) AgeLabel {
	switch {
	case years < 30:
		return Young
	case years < 60:
		return Middle
	default:
		return Old
	}
}

// ParseMaskLabel accepts label names, the competition file stems
// (mask1..mask5, incorrect_mask, normal) and numeric codes.
func ParseMaskLabel(s string) (MaskLabel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "wear" || v == "mask" || v == "0" || (strings.HasPrefix(v, "mask") && len(v) == 5):
		return Wear, nil
	case v == "incorrect" || v == "incorrect_mask" || v == "1":
		return Incorrect, nil
	case v == "notwear" || v == "not_wear" || v == "normal" || v == "2":
		return NotWear, nil
	}
	return 0, errdefs.Configuration("dataset.ParseMaskLabel", "unknown mask label %q", s)
}

// ParseGenderLabel accepts label names and numeric codes.
func ParseGenderLabel(s string) (GenderLabel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m", "0":
		return Male, nil
	case "female", "f", "1":
		return Female, nil
	}
	return 0, errdefs.Configuration("dataset.ParseGenderLabel", "unknown gender label %q", s)
}

// ParseAgeLabel accepts bracket names or an age in years. A bare integer
// above 2 is read as years; 0, 1 and 2 are bracket codes.
func ParseAgeLabel(s string) (AgeLabel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "young":
		return Young, nil
	case "middle":
		return Middle, nil
	case "old":
		return Old, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errdefs.Configuration("dataset.ParseAgeLabel", "unknown age label %q", s)
	}
	if n <= 2 {
		return AgeLabel(n), nil
	}
	return AgeFromYears(n), nil
}

// LabelSet holds exactly one label per task.
type LabelSet struct {
	Mask   MaskLabel
	Gender GenderLabel
	Age    AgeLabel
}

// Valid reports whether every label is inside its enum.
func (l LabelSet) Valid() bool {
	return l.Mask.Valid() && l.Gender.Valid() && l.Age.Valid()
}

// Get returns the class code of the label for task t.
func (l LabelSet) Get(t Task) int {
	switch t {
	case MaskTask:
		return int(l.Mask)
	case GenderTask:
		return int(l.Gender)
	case AgeTask:
		return int(l.Age)
	case CombinedTask:
		return l.Encode()
	default:
		return -1
	}
}

// Encode returns the combined 18-class code.
func (l LabelSet) Encode() int {
	return int(l.Mask)*6 + int(l.Gender)*3 + int(l.Age)
}

// DecodeClass splits a combined code back into its labels.
func DecodeClass(code int) (LabelSet, error) {
	if code < 0 || code >= NumClasses {
		return LabelSet{}, errdefs.Configuration("dataset.DecodeClass", "class code %d out of range [0, %d)", code, NumClasses)
	}
	return LabelSet{
		Mask:   MaskLabel(code / 6),
		Gender: GenderLabel(code / 3 % 2),
		Age:    AgeLabel(code % 3),
	}, nil
}

// LabelSetFromCodes builds a LabelSet from per-head class codes.
func LabelSetFromCodes(codes [NumTasks]int) (LabelSet, error) {
	l := LabelSet{
		Mask:   MaskLabel(codes[MaskTask]),
		Gender: GenderLabel(codes[GenderTask]),
		Age:    AgeLabel(codes[AgeTask]),
	}
	if !l.Valid() {
		return LabelSet{}, errdefs.Configuration("dataset.LabelSetFromCodes", "codes %v outside label space", codes)
	}
	return l, nil
}
