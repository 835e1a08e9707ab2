package training

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/optimizer"
	"github.com/tsawler/go-maskclf/vision/augmentation"
	"github.com/tsawler/go-maskclf/vision/dataloader"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
	"k8s.io/klog/v2"
)

// ConfigFile is the resolved config written into every run directory.
const ConfigFile = "config.json"

// ExperimentResult holds one FitResult per fold, or a single one in plain
// mode.
type ExperimentResult struct {
	Run   *RunContext
	Folds []*FitResult
}

// MeanBestMetric averages the best monitored value over folds.
func (r *ExperimentResult) MeanBestMetric() float64 {
	if len(r.Folds) == 0 {
		return 0
	}
	var sum float64
	for _, f := range r.Folds {
		sum += f.BestMetric
	}
	return sum / float64(len(r.Folds))
}

// LoadRecords reads the manifest when one is configured and DataDir in its
// configured layout otherwise.
func LoadRecords(cfg Config) ([]dataset.SampleRecord, error) {
	switch {
	case cfg.Manifest != "":
		return dataset.LoadManifest(cfg.Manifest)
	case cfg.Layout == LayoutClassFolders:
		return dataset.LoadClassFolders(cfg.DataDir, nil)
	}
	return dataset.LoadProfiles(cfg.DataDir, nil)
}

// RunExperiment validates cfg, loads the data and trains one model per
// fold (a single held-out split in plain mode).
func RunExperiment(ctx context.Context, cfg Config) (*ExperimentResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	records, err := LoadRecords(cfg)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.NewMaskDataset(records)
	if err != nil {
		return nil, err
	}
	if err := ds.FrequencyTable().Validate(); err != nil {
		return nil, err
	}
	klog.InfoS("Loaded dataset", "samples", ds.Len(), "mode", cfg.Mode)
	klog.V(1).Info(ds.String())

	if cfg.ComputeStats {
		if cfg.Mean, cfg.Std, err = ComputeStats(ctx, cfg, records); err != nil {
			return nil, err
		}
	}

	run, err := NewRunContext(cfg.ModelDir, cfg.Name)
	if err != nil {
		return nil, err
	}
	run.Tags["mode"] = cfg.Mode
	if err := cfg.Save(filepath.Join(run.OutputDir, ConfigFile)); err != nil {
		return nil, err
	}

	result := &ExperimentResult{Run: run}
	if cfg.Mode == ModePlain {
		var train, val *dataset.MaskDataset
		if cfg.SplitByProfile {
			train, val = ds.SplitByProfile(cfg.ValRatio, cfg.Seed)
		} else {
			train, val = ds.Split(cfg.ValRatio, cfg.Seed)
		}
		trainLoader, valLoader, err := buildLoaders(cfg, train, nil, val)
		if err != nil {
			return result, err
		}
		fit, err := trainSplit(ctx, cfg, run, trainLoader, valLoader)
		if err != nil {
			return result, err
		}
		result.Folds = append(result.Folds, fit)
		return result, nil
	}

	folds, err := makeFolds(cfg, ds)
	if err != nil {
		return nil, err
	}
	for k, fold := range folds {
		klog.InfoS("Starting fold", "fold", k, "of", len(folds), "train", len(fold.Train), "val", len(fold.Val))
		if len(fold.Train) == 0 || len(fold.Val) == 0 {
			return result, errors.Errorf("fold %d has %d training and %d validation samples", k, len(fold.Train), len(fold.Val))
		}
		trainLoader, valLoader, err := buildLoaders(cfg, ds, fold.Train, ds.Subset(fold.Val))
		if err != nil {
			return result, errors.Wrapf(err, "fold %d", k)
		}
		fit, err := trainSplit(ctx, cfg, run.Fold(k), trainLoader, valLoader)
		if err != nil {
			return result, errors.Wrapf(err, "fold %d", k)
		}
		result.Folds = append(result.Folds, fit)
	}
	klog.InfoS("Cross-validation finished", "folds", len(folds), "monitor", cfg.Monitor, "mean_best", result.MeanBestMetric())
	return result, nil
}

// ComputeStats returns the channel statistics of the first
// cfg.StatsSamples record images.
func ComputeStats(ctx context.Context, cfg Config, records []dataset.SampleRecord) (mean, std [3]float32, err error) {
	n := len(records)
	if cfg.StatsSamples > 0 {
		n = min(n, cfg.StatsSamples)
	}
	paths := make([]string, n)
	for i := range paths {
		paths[i] = records[i].ImagePath
	}
	if mean, std, err = preprocessing.DatasetStats(ctx, paths, cfg.NumWorkers); err != nil {
		return mean, std, errors.Wrap(err, "compute channel statistics")
	}
	for c, v := range std {
		if !(v > 0) {
			return mean, std, errdefs.Configuration("training.ComputeStats", "channel %d of the training images is constant", c)
		}
	}
	klog.InfoS("Computed channel statistics", "images", n, "mean", mean, "std", std)
	return mean, std, nil
}

func makeFolds(cfg Config, ds *dataset.MaskDataset) ([]dataset.Fold, error) {
	switch cfg.Mode {
	case ModeStratified:
		return dataset.StratifiedKFold(ds.Labels(dataset.CombinedTask), cfg.Folds, cfg.Seed)
	case ModeGroup:
		return dataset.GroupKFold(ds.Groups(), cfg.Folds)
	}
	return dataset.KFold(ds.Len(), cfg.Folds, cfg.Seed)
}

// trainSplit builds model, optimizer and loss for one split and runs the
// trainer over its loaders.
func trainSplit(ctx context.Context, cfg Config, run *RunContext, trainLoader, valLoader *dataloader.DataLoader) (*FitResult, error) {
	if trainLoader.Len() == 0 || valLoader.Len() == 0 {
		return nil, errors.Errorf("split has %d training and %d validation samples", trainLoader.Len(), valLoader.Len())
	}

	m, err := model.New(cfg.ModelConfig())
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.New(cfg.Optimizer, float32(cfg.LR), float32(cfg.WeightDecay))
	if err != nil {
		return nil, err
	}
	loss, err := NewMultiTaskLoss(cfg.Criterion, cfg.TaskWeights, cfg.LossOptions())
	if err != nil {
		return nil, err
	}
	scheduler, err := NewScheduler(cfg.Scheduler, cfg.LRDecayStep, cfg.LRGamma, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	monitor, err := ParseMonitor(cfg.Monitor)
	if err != nil {
		return nil, err
	}
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}

	var progress io.Writer
	if cfg.Progress {
		progress = os.Stderr
	}
	trainer, err := NewTrainer(run, m, opt, loss, scheduler, TrainerConfig{
		Epochs:      cfg.Epochs,
		BaseLR:      cfg.LR,
		LogInterval: cfg.LogInterval,
		Monitor:     monitor,
		Patience:    cfg.Patience,
		MinDelta:    cfg.MinDelta,
		Format:      format,
		Mean:        cfg.Mean,
		Std:         cfg.Std,
		Progress:    progress,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Resume != "" {
		ckpt, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(cfg.Resume)
		if err != nil {
			return nil, err
		}
		if err := trainer.Resume(ckpt, filepath.Join(filepath.Dir(cfg.Resume), checkpoints.BestFile)); err != nil {
			return nil, err
		}
		klog.InfoS("Resuming", "checkpoint", cfg.Resume, "epoch", ckpt.TrainingState.Epoch)
	}

	fit, err := trainer.Fit(ctx, trainLoader, valLoader)
	if err != nil {
		return fit, err
	}
	klog.InfoS("Training finished", "run", run.Name, "best_epoch", fit.BestEpoch, monitor.Name, fit.BestMetric,
		"stopped_early", fit.Stopped, "dir", fit.CheckpointDir,
		"cache", trainLoader.Stats())
	return fit, nil
}

// trainSampler draws the training indices of an epoch. Nil indices train on
// all of ds; otherwise only the listed samples of ds are visited.
func trainSampler(cfg Config, ds *dataset.MaskDataset, indices []int) (dataloader.Sampler, error) {
	if cfg.UseImbalancedSampler {
		task, err := dataset.ParseTask(cfg.SamplerTask)
		if err != nil {
			return nil, err
		}
		var s *dataloader.ImbalancedSampler
		if indices == nil {
			s, err = dataloader.ImbalancedSamplerFor(ds, task, cfg.Seed)
		} else {
			s, err = dataloader.ImbalancedSubsetSampler(ds, indices, task, cfg.Seed)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if indices == nil {
		return dataloader.RandomSampler{N: ds.Len(), Seed: cfg.Seed}, nil
	}
	return dataloader.SubsetRandomSampler{Indices: indices, Seed: cfg.Seed}, nil
}

// buildLoaders returns the training loader over trainIndices of train (all
// of it when nil) and the sequential validation loader over val.
func buildLoaders(cfg Config, train *dataset.MaskDataset, trainIndices []int, val *dataset.MaskDataset) (*dataloader.DataLoader, *dataloader.DataLoader, error) {
	opts := cfg.AugmentationOptions()
	trainTransform, err := augmentation.Lookup(cfg.Augmentation, opts)
	if err != nil {
		return nil, nil, err
	}
	var valTransform augmentation.Transform = augmentation.Valid(opts)
	if cfg.ValidTransform {
		valTransform = trainTransform
	}

	sampler, err := trainSampler(cfg, train, trainIndices)
	if err != nil {
		return nil, nil, err
	}

	var cutmix *augmentation.CutMix
	if cfg.CutMix {
		c := cfg.CutMixConfig()
		cutmix = &c
	}

	// decoded images are shared between the two loaders
	cache := dataloader.NewCacheManager(cfg.CacheSize)
	trainLoader, err := dataloader.NewDataLoader(train, sampler, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		DropLast:     sampler.Len() >= cfg.BatchSize,
		NumWorkers:   cfg.NumWorkers,
		Seed:         cfg.Seed,
		Transform:    trainTransform,
		CutMix:       cutmix,
		CacheManager: cache,
	})
	if err != nil {
		return nil, nil, err
	}
	valLoader, err := dataloader.NewDataLoader(val, nil, dataloader.Config{
		BatchSize:    cfg.ValidBatchSize,
		NumWorkers:   cfg.NumWorkers,
		Seed:         cfg.Seed,
		Transform:    valTransform,
		CacheManager: cache,
	})
	if err != nil {
		return nil, nil, err
	}
	return trainLoader, valLoader, nil
}
