package training

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/optimizer"
	"github.com/tsawler/go-maskclf/vision/augmentation"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// Training modes.
const (
	ModePlain      = "plain"
	ModeKFold      = "kfold"
	ModeStratified = "stratified"
	ModeGroup      = "group"
)

// Layouts of DataDir.
const (
	LayoutProfiles     = "profiles"
	LayoutClassFolders = "class_folders"
)

// Config enumerates every option a training run recognizes.
type Config struct {
	Seed   uint64 `json:"seed"`
	Epochs int    `json:"epochs"`
	Mode   string `json:"mode"`
	Folds  int    `json:"folds"`

	// Exactly one of DataDir and Manifest (CSV) is used; Manifest wins when
	// both are set. Layout says how DataDir is organized.
	DataDir  string `json:"data_dir"`
	Layout   string `json:"layout"`
	Manifest string `json:"manifest"`
	ModelDir string `json:"model_dir"`
	Name     string `json:"name"`

	Resize         [2]int `json:"resize"` // width, height
	BatchSize      int    `json:"batch_size"`
	ValidBatchSize int    `json:"valid_batch_size"`
	NumWorkers     int    `json:"num_workers"`
	CacheSize      int    `json:"cache_size"`

	// Mean and Std normalize the input channels. ComputeStats replaces
	// them with statistics of the first StatsSamples images (all when 0).
	Mean         [3]float32 `json:"mean"`
	Std          [3]float32 `json:"std"`
	ComputeStats bool       `json:"compute_stats"`
	StatsSamples int        `json:"stats_samples"`

	Model   string  `json:"model"`
	Hidden  int     `json:"hidden"`
	Dropout float64 `json:"dropout"`

	Optimizer   string  `json:"optimizer"`
	LR          float64 `json:"lr"`
	WeightDecay float64 `json:"weight_decay"`
	Scheduler   string  `json:"scheduler"`
	LRDecayStep int     `json:"lr_decay_step"`
	LRGamma     float64 `json:"lr_gamma"`

	Criterion      string             `json:"criterion"`
	TaskWeights    map[string]float64 `json:"task_weights,omitempty"`
	LabelSmoothing float64            `json:"label_smoothing"`
	FocalGamma     float64            `json:"focal_gamma"`

	Augmentation         string  `json:"augmentation"`
	ValidTransform       bool    `json:"valid_transform"`
	CutMix               bool    `json:"cutmix"`
	CutMixProb           float64 `json:"cutmix_prob"`
	CutMixAlpha          float64 `json:"cutmix_alpha"`
	UseImbalancedSampler bool    `json:"use_imbalanced_sampler"`
	SamplerTask          string  `json:"sampler_task"`

	ValRatio       float64 `json:"val_ratio"`
	SplitByProfile bool    `json:"split_by_profile"`

	Monitor  string  `json:"monitor"`
	Patience int     `json:"patience"`
	MinDelta float64 `json:"min_delta"`

	LogInterval      int    `json:"log_interval"`
	CheckpointFormat string `json:"checkpoint_format"`
	Progress         bool   `json:"progress"`
	// Resume continues a plain run from a last.pth checkpoint.
	Resume string `json:"resume,omitempty"`
}

// DefaultConfig returns the defaults of the reference experiment scripts.
func DefaultConfig() Config {
	return Config{
		Seed:           42,
		Epochs:         1,
		Mode:           ModePlain,
		Folds:          5,
		DataDir:        "/opt/ml/input/data/train/images",
		Layout:         LayoutProfiles,
		ModelDir:       "./model",
		Name:           "exp",
		Resize:         [2]int{96, 128},
		BatchSize:      64,
		ValidBatchSize: 1000,
		NumWorkers:     4,
		CacheSize:      0,
		Mean:           preprocessing.DefaultMean,
		Std:            preprocessing.DefaultStd,
		StatsSamples:   3000,
		Model:          "BaseModel",
		Dropout:        0.25,
		Optimizer:      "SGD",
		LR:             1e-3,
		WeightDecay:    5e-4,
		Scheduler:      "step",
		LRDecayStep:    20,
		LRGamma:        0.5,
		Criterion:      "cross_entropy",
		LabelSmoothing: 0.1,
		FocalGamma:     2.0,
		Augmentation:   "BaseAugmentation",
		CutMixProb:     0.5,
		CutMixAlpha:    1.0,
		SamplerTask:    "combined",
		ValRatio:       0.2,
		Monitor:        "val_loss",
		Patience:       0,
		MinDelta:       0,
		LogInterval:    20,

		CheckpointFormat: "json",
	}
}

// LoadConfig reads a JSON config over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errdefs.Configuration("training.LoadConfig", "open %s: %v", path, err)
	}
	defer f.Close()
	if err := cfg.Decode(f); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Decode overlays JSON from r onto c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return errdefs.Configuration("training.Config", "decode: %v", err)
	}
	return nil
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// Validate checks every field and names the first invalid one.
func (c Config) Validate() error {
	bad := func(field, format string, args ...interface{}) error {
		return errdefs.Configuration("training.Config", field+": "+format, args...)
	}
	switch {
	case c.Epochs <= 0:
		return bad("epochs", "must be positive, got %d", c.Epochs)
	case c.Resize[0] <= 0 || c.Resize[1] <= 0:
		return bad("resize", "must be positive, got %v", c.Resize)
	case c.BatchSize <= 0:
		return bad("batch_size", "must be positive, got %d", c.BatchSize)
	case c.ValidBatchSize <= 0:
		return bad("valid_batch_size", "must be positive, got %d", c.ValidBatchSize)
	case c.NumWorkers < 0:
		return bad("num_workers", "cannot be negative, got %d", c.NumWorkers)
	case c.CacheSize < 0:
		return bad("cache_size", "cannot be negative, got %d", c.CacheSize)
	case !(c.Std[0] > 0 && c.Std[1] > 0 && c.Std[2] > 0):
		return bad("std", "must be positive per channel, got %v", c.Std)
	case c.StatsSamples < 0:
		return bad("stats_samples", "cannot be negative, got %d", c.StatsSamples)
	case c.LR <= 0:
		return bad("lr", "must be positive, got %g", c.LR)
	case c.WeightDecay < 0:
		return bad("weight_decay", "cannot be negative, got %g", c.WeightDecay)
	case c.Dropout < 0 || c.Dropout >= 1:
		return bad("dropout", "must be in [0, 1), got %g", c.Dropout)
	case c.Hidden < 0:
		return bad("hidden", "cannot be negative, got %d", c.Hidden)
	case c.Patience < 0:
		return bad("patience", "cannot be negative, got %d", c.Patience)
	case c.MinDelta < 0:
		return bad("min_delta", "cannot be negative, got %g", c.MinDelta)
	case c.ValRatio <= 0 || c.ValRatio >= 1:
		return bad("val_ratio", "must be in (0, 1), got %g", c.ValRatio)
	case c.LogInterval <= 0:
		return bad("log_interval", "must be positive, got %d", c.LogInterval)
	case c.Name == "":
		return bad("name", "is required")
	case c.ModelDir == "":
		return bad("model_dir", "is required")
	case c.Manifest == "" && c.DataDir == "":
		return bad("data_dir", "either data_dir or manifest is required")
	case c.LabelSmoothing < 0 || c.LabelSmoothing >= 1:
		return bad("label_smoothing", "must be in [0, 1), got %g", c.LabelSmoothing)
	case c.FocalGamma < 0:
		return bad("focal_gamma", "cannot be negative, got %g", c.FocalGamma)
	}

	switch c.Layout {
	case LayoutProfiles, LayoutClassFolders:
	default:
		return bad("layout", "unknown layout %q (have %s, %s)", c.Layout, LayoutProfiles, LayoutClassFolders)
	}

	switch c.Mode {
	case ModePlain:
	case ModeKFold, ModeStratified, ModeGroup:
		if c.Folds < 2 {
			return bad("folds", "must be at least 2 in %s mode, got %d", c.Mode, c.Folds)
		}
		if c.Resume != "" {
			return bad("resume", "only supported in %s mode", ModePlain)
		}
	default:
		return bad("mode", "unknown mode %q", c.Mode)
	}

	if _, err := model.New(c.ModelConfig()); err != nil {
		return err
	}
	if _, err := optimizer.New(c.Optimizer, float32(c.LR), float32(c.WeightDecay)); err != nil {
		return err
	}
	if _, err := augmentation.Lookup(c.Augmentation, c.AugmentationOptions()); err != nil {
		return err
	}
	if _, err := NewMultiTaskLoss(c.Criterion, c.TaskWeights, c.LossOptions()); err != nil {
		return err
	}
	if _, err := NewScheduler(c.Scheduler, c.LRDecayStep, c.LRGamma, c.Epochs); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	if _, err := ParseMonitor(c.Monitor); err != nil {
		return err
	}
	if c.UseImbalancedSampler {
		if _, err := dataset.ParseTask(c.SamplerTask); err != nil {
			return err
		}
	}
	if c.CutMix {
		if err := c.CutMixConfig().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ModelConfig returns the model options.
func (c Config) ModelConfig() model.Config {
	return model.Config{
		Arch:    c.Model,
		Width:   c.Resize[0],
		Height:  c.Resize[1],
		Hidden:  c.Hidden,
		Dropout: c.Dropout,
		Seed:    c.Seed,
		Mean:    c.Mean,
		Std:     c.Std,
	}
}

// AugmentationOptions returns the preset options for the configured size.
func (c Config) AugmentationOptions() augmentation.Options {
	o := augmentation.DefaultOptions()
	o.Width, o.Height = c.Resize[0], c.Resize[1]
	o.Mean, o.Std = c.Mean, c.Std
	return o
}

// LossOptions returns the criterion hyperparameters.
func (c Config) LossOptions() LossOptions {
	return LossOptions{Smoothing: float32(c.LabelSmoothing), Gamma: float32(c.FocalGamma)}
}

// CutMixConfig returns the mixing parameters.
func (c Config) CutMixConfig() augmentation.CutMix {
	return augmentation.CutMix{Prob: c.CutMixProb, Alpha: c.CutMixAlpha}
}

// String renders the config as compact JSON for logs.
func (c Config) String() string {
	data, _ := json.Marshal(c)
	return strings.TrimSpace(string(data))
}
