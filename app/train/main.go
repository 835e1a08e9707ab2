// Command train runs a mask/gender/age classification experiment.
//
//	train -config exp.json -epochs 30 -lr 1e-4
//
// Flags given on the command line override values from the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/training"
	"k8s.io/klog/v2"
)

type options struct {
	config string

	seed           uint64
	epochs         int
	mode           string
	folds          int
	dataDir        string
	manifest       string
	modelDir       string
	name           string
	resize         string
	batchSize      int
	validBatchSize int
	workers        int
	computeStats   bool
	model          string
	optimizer      string
	lr             float64
	scheduler      string
	criterion      string
	augmentation   string
	cutmix         bool
	sampler        bool
	monitor        string
	patience       int
	minDelta       float64
	format         string
	progress       bool
	resume         string
}

func registerFlags(fs *flag.FlagSet, o *options) {
	d := training.DefaultConfig()
	fs.StringVar(&o.config, "config", "", "JSON config file; flags override its values")
	fs.Uint64Var(&o.seed, "seed", d.Seed, "random seed")
	fs.IntVar(&o.epochs, "epochs", d.Epochs, "number of epochs to train")
	fs.StringVar(&o.mode, "mode", d.Mode, "plain, kfold, stratified or group")
	fs.IntVar(&o.folds, "folds", d.Folds, "number of folds for cross-validation modes")
	fs.StringVar(&o.dataDir, "data_dir", d.DataDir, "directory of per-person image folders")
	fs.StringVar(&o.manifest, "manifest", "", "CSV manifest used instead of data_dir")
	fs.StringVar(&o.modelDir, "model_dir", d.ModelDir, "root of run directories")
	fs.StringVar(&o.name, "name", d.Name, "run name; incremented when taken")
	fs.StringVar(&o.resize, "resize", fmt.Sprintf("%dx%d", d.Resize[0], d.Resize[1]), "input size as WIDTHxHEIGHT")
	fs.IntVar(&o.batchSize, "batch_size", d.BatchSize, "training batch size")
	fs.IntVar(&o.validBatchSize, "valid_batch_size", d.ValidBatchSize, "validation batch size")
	fs.IntVar(&o.workers, "num_workers", d.NumWorkers, "image decoding goroutines")
	fs.BoolVar(&o.computeStats, "compute_stats", d.ComputeStats, "normalize with channel statistics of the training images")
	fs.StringVar(&o.model, "model", d.Model, "model architecture")
	fs.StringVar(&o.optimizer, "optimizer", d.Optimizer, "optimizer name")
	fs.Float64Var(&o.lr, "lr", d.LR, "base learning rate")
	fs.StringVar(&o.scheduler, "scheduler", d.Scheduler, "learning rate schedule")
	fs.StringVar(&o.criterion, "criterion", d.Criterion, "cross_entropy, label_smoothing, focal or f1")
	fs.StringVar(&o.augmentation, "augmentation", d.Augmentation, "training augmentation preset")
	fs.BoolVar(&o.cutmix, "cutmix", d.CutMix, "mix training batches with cutmix")
	fs.BoolVar(&o.sampler, "use_imbalanced_sampler", d.UseImbalancedSampler, "draw training samples inversely to class frequency")
	fs.StringVar(&o.monitor, "monitor", d.Monitor, "val_loss, val_acc or val_f1")
	fs.IntVar(&o.patience, "patience", d.Patience, "epochs without improvement before stopping; 0 disables")
	fs.Float64Var(&o.minDelta, "min_delta", d.MinDelta, "minimum change that counts as improvement")
	fs.StringVar(&o.format, "checkpoint_format", d.CheckpointFormat, "json or proto")
	fs.BoolVar(&o.progress, "progress", d.Progress, "draw progress bars on stderr")
	fs.StringVar(&o.resume, "resume", "", "last.pth checkpoint to continue from")
}

// buildConfig loads the config file, if any, and applies every flag that
// was set explicitly.
func buildConfig(fs *flag.FlagSet, o *options) (training.Config, error) {
	cfg := training.DefaultConfig()
	if o.config != "" {
		f, err := os.Open(o.config)
		if err != nil {
			return cfg, errdefs.Configuration("train", "open %s: %v", o.config, err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return cfg, err
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Seed = o.seed
		case "epochs":
			cfg.Epochs = o.epochs
		case "mode":
			cfg.Mode = o.mode
		case "folds":
			cfg.Folds = o.folds
		case "data_dir":
			cfg.DataDir = o.dataDir
		case "manifest":
			cfg.Manifest = o.manifest
		case "model_dir":
			cfg.ModelDir = o.modelDir
		case "name":
			cfg.Name = o.name
		case "resize":
			var w, h int
			if _, scanErr := fmt.Sscanf(o.resize, "%dx%d", &w, &h); scanErr != nil {
				err = errdefs.Configuration("train", "resize: %v", errors.Wrapf(scanErr, "parse %q", o.resize))
				return
			}
			cfg.Resize = [2]int{w, h}
		case "batch_size":
			cfg.BatchSize = o.batchSize
		case "valid_batch_size":
			cfg.ValidBatchSize = o.validBatchSize
		case "num_workers":
			cfg.NumWorkers = o.workers
		case "compute_stats":
			cfg.ComputeStats = o.computeStats
		case "model":
			cfg.Model = o.model
		case "optimizer":
			cfg.Optimizer = o.optimizer
		case "lr":
			cfg.LR = o.lr
		case "scheduler":
			cfg.Scheduler = o.scheduler
		case "criterion":
			cfg.Criterion = o.criterion
		case "augmentation":
			cfg.Augmentation = o.augmentation
		case "cutmix":
			cfg.CutMix = o.cutmix
		case "use_imbalanced_sampler":
			cfg.UseImbalancedSampler = o.sampler
		case "monitor":
			cfg.Monitor = o.monitor
		case "patience":
			cfg.Patience = o.patience
		case "min_delta":
			cfg.MinDelta = o.minDelta
		case "checkpoint_format":
			cfg.CheckpointFormat = o.format
		case "progress":
			cfg.Progress = o.progress
		case "resume":
			cfg.Resume = o.resume
		}
	})
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func main() {
	klog.InitFlags(nil)
	var o options
	registerFlags(flag.CommandLine, &o)
	flag.Parse()
	defer klog.Flush()

	cfg, err := buildConfig(flag.CommandLine, &o)
	if err != nil {
		klog.ErrorS(err, "Invalid configuration")
		klog.Flush()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := training.RunExperiment(ctx, cfg)
	if err != nil {
		klog.ErrorS(err, "Training failed")
		klog.Flush()
		os.Exit(1)
	}
	for k, fit := range res.Folds {
		klog.InfoS("Fold finished", "fold", k, "best_epoch", fit.BestEpoch, "best", fit.BestMetric, "stopped", fit.Stopped, "checkpoints", fit.CheckpointDir)
	}
	klog.InfoS("Experiment finished", "run", res.Run.OutputDir, "id", res.Run.ID, "mean_best", res.MeanBestMetric())
}
