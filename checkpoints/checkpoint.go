package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/errdefs"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// File names inside a checkpoint directory.
const (
	BestFile = "model.pth"
	LastFile = "last.pth"
	LogFile  = "log.txt"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" or "proto" to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	}
	return 0, errdefs.Configuration("checkpoints.ParseFormat", "unknown checkpoint format %q", s)
}

// Checkpoint is a model parameter snapshot plus the training progress it
// was taken at.
type Checkpoint struct {
	ModelSpec ModelSpec      `json:"model_spec"`
	Optimizer string         `json:"optimizer"`
	Weights   []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// ModelSpec is enough to rebuild an untrained model of the same shape.
type ModelSpec struct {
	Arch        string  `json:"arch"`
	InputWidth  int     `json:"input_width"`
	InputHeight int     `json:"input_height"`
	Hidden      int     `json:"hidden,omitempty"`
	Dropout     float64 `json:"dropout,omitempty"`
	NumClasses  []int   `json:"num_classes"`
	// Mean and Std are the per-channel input normalization used in
	// training. Empty means the dataset defaults.
	Mean []float32 `json:"mean,omitempty"`
	Std  []float32 `json:"std,omitempty"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Size returns the element count implied by Shape.
func (w WeightTensor) Size() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// TrainingState captures the training progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	MetricName   string  `json:"metric_name"`
	Metric       float64 `json:"metric"`
	BestMetric   float64 `json:"best_metric"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string            `json:"version"`
	Framework string            `json:"framework"`
	RunID     string            `json:"run_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Validate checks that the snapshot is internally consistent.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec.Arch == "" {
		return errors.New("checkpoint has no architecture")
	}
	for _, w := range c.Weights {
		if w.Size() != len(w.Data) {
			return errors.Errorf("weight %s has shape %v but %d values", w.Name, w.Shape, len(w.Data))
		}
	}
	return nil
}

// Path returns the checkpoint directory of an architecture and optimizer
// pair under root: <root>/<arch>/<arch>_<optimizer>.
func Path(root, arch, optimizer string) string {
	return filepath.Join(root, arch, arch+"_"+optimizer)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes checkpoint to path atomically: the data goes to a
// temporary file in the same directory which is synced and renamed over
// path. On failure the previous file at path is left untouched.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-maskclf"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errdefs.CheckpointIO("encode", path, err)
	}
	return WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.CheckpointIO("read", path, err)
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	case FormatProto:
		err = unmarshalProto(data, &checkpoint)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errdefs.CheckpointIO("decode", path, err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errdefs.CheckpointIO("validate", path, err)
	}
	return &checkpoint, nil
}

// marshalProto stores the checkpoint as a protobuf Struct built from its
// JSON field names.
func marshalProto(checkpoint *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "build struct")
	}
	return proto.Marshal(st)
}

func unmarshalProto(data []byte, checkpoint *Checkpoint) error {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "unmarshal struct")
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, checkpoint)
}

// WriteFileAtomic creates path's directory if needed and replaces path with
// whatever write produces, or leaves it untouched if anything fails.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.CheckpointIO("mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errdefs.CheckpointIO("create", path, err)
	}
	tmpName := tmp.Name()
	fail := func(op string, cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return errdefs.CheckpointIO(op, path, cause)
	}

	if err := write(tmp); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errdefs.CheckpointIO("close", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errdefs.CheckpointIO("rename", path, err)
	}
	return nil
}
