package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/optimizer"
	"github.com/tsawler/go-maskclf/vision/dataloader"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
	"k8s.io/klog/v2"
)

// TrainerConfig holds the loop settings of a Trainer.
type TrainerConfig struct {
	Epochs      int
	BaseLR      float64
	LogInterval int // batches between training log lines
	Monitor     Monitor
	Patience    int
	MinDelta    float64
	Format      checkpoints.CheckpointFormat
	// Mean and Std are the input normalization, used to draw the
	// validation grid. Zero Std selects the dataset defaults.
	Mean, Std [3]float32
	// GridSize is the number of validation images drawn per epoch into
	// results.png. Zero selects DefaultGridSize and a negative value
	// disables the grid.
	GridSize int
	// Progress receives a progress bar per pass when non-nil.
	Progress io.Writer
}

// EpochResult holds the metrics of one finished epoch.
type EpochResult struct {
	Epoch        int // 1-based
	LearningRate float64
	TrainLoss    float64
	TrainAcc     float64
	ValLoss      float64
	ValTaskLoss  map[string]float64
	Val          Summary
	State        StopState
	Saved        bool
	Duration     time.Duration
}

// FitResult summarizes a training run.
type FitResult struct {
	Epochs        []EpochResult
	BestEpoch     int
	BestMetric    float64
	Stopped       bool
	CheckpointDir string
}

// Trainer drives a classifier through epochs of training and validation,
// writing checkpoints and a metrics log into its run directory.
type Trainer struct {
	run       *RunContext
	model     model.Classifier
	optimizer optimizer.Optimizer
	loss      *MultiTaskLoss
	scheduler LRScheduler
	stopper   *EarlyStopping
	saver     *checkpoints.CheckpointSaver
	curves    *VisualizationCollector
	config    TrainerConfig

	dir        string
	startEpoch int
	step       int
	// prior best of a resumed run, kept across the Reset at the start of Fit
	seeded     bool
	seedBest   float64
	seedEpoch  int
}

// NewTrainer wires the collaborators of a run.
func NewTrainer(run *RunContext, m model.Classifier, opt optimizer.Optimizer, loss *MultiTaskLoss, scheduler LRScheduler, config TrainerConfig) (*Trainer, error) {
	if config.Epochs <= 0 {
		return nil, errdefs.Configuration("training.NewTrainer", "epochs must be positive, got %d", config.Epochs)
	}
	if config.BaseLR <= 0 {
		return nil, errdefs.Configuration("training.NewTrainer", "lr must be positive, got %g", config.BaseLR)
	}
	if config.LogInterval <= 0 {
		config.LogInterval = 20
	}
	if config.Monitor.Name == "" {
		config.Monitor = Monitor{Name: "val_loss", Mode: Min}
	}
	if scheduler == nil {
		scheduler = ConstantLR{}
	}
	if config.Std == ([3]float32{}) {
		config.Mean, config.Std = preprocessing.DefaultMean, preprocessing.DefaultStd
	}
	if config.GridSize == 0 {
		config.GridSize = DefaultGridSize
	}
	stopper, err := NewEarlyStopping(config.Monitor.Mode, config.Patience, config.MinDelta)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		run:       run,
		model:     m,
		optimizer: opt,
		loss:      loss,
		scheduler: scheduler,
		stopper:   stopper,
		saver:     checkpoints.NewCheckpointSaver(config.Format),
		curves:    NewVisualizationCollector(m.Name()),
		config:    config,
		dir:       run.CheckpointDir(m.Name(), opt.Name()),
	}, nil
}

// CheckpointDir returns where model.pth, last.pth and log.txt are written.
func (t *Trainer) CheckpointDir() string { return t.dir }

// Curves returns the collected per-epoch data.
func (t *Trainer) Curves() *VisualizationCollector { return t.curves }

// Resume continues from a checkpoint written by a previous run: weights and
// optimizer state are restored and training restarts after its epoch.
// bestPath names the best checkpoint of that run. When it exists and was
// chosen by the same monitor it is copied into this run's directory and
// its metric seeds early stopping, so model.pth only changes when the
// resumed epochs beat it.
func (t *Trainer) Resume(ckpt *checkpoints.Checkpoint, bestPath string) error {
	if ckpt.ModelSpec.Arch != t.model.Name() {
		return errdefs.Configuration("training.Resume", "checkpoint holds %s, trainer runs %s", ckpt.ModelSpec.Arch, t.model.Name())
	}
	if err := model.Restore(t.model, ckpt.Weights); err != nil {
		return errors.Wrap(err, "restore weights")
	}
	if ckpt.OptimizerState != nil && ckpt.OptimizerState.Type == t.optimizer.Name() {
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return errors.Wrap(err, "restore optimizer")
		}
	}
	t.startEpoch = ckpt.TrainingState.Epoch
	t.step = ckpt.TrainingState.Step
	t.seeded = false
	if bestPath != "" {
		return t.carryBest(bestPath)
	}
	return nil
}

func (t *Trainer) carryBest(path string) error {
	if _, err := os.Stat(path); err != nil {
		klog.InfoS("No best checkpoint to carry over", "path", path, "err", err)
		return nil
	}
	best, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if best.ModelSpec.Arch != t.model.Name() || best.TrainingState.MetricName != t.config.Monitor.Name {
		klog.InfoS("Best checkpoint not comparable, starting a fresh best", "path", path,
			"model", best.ModelSpec.Arch, "monitor", best.TrainingState.MetricName)
		return nil
	}
	if err := t.saver.SaveCheckpoint(best, filepath.Join(t.dir, checkpoints.BestFile)); err != nil {
		return err
	}
	t.seeded, t.seedBest, t.seedEpoch = true, best.TrainingState.Metric, best.TrainingState.Epoch
	klog.InfoS("Carried over best checkpoint", "from", path, "epoch", t.seedEpoch, t.config.Monitor.Name, t.seedBest)
	return nil
}

// Fit trains for the configured number of epochs or until early stopping
// fires. A checkpoint failure aborts the run before the epoch is logged.
func (t *Trainer) Fit(ctx context.Context, train, val *dataloader.DataLoader) (*FitResult, error) {
	t.stopper.Reset()
	t.curves.Clear()
	result := &FitResult{CheckpointDir: t.dir, BestMetric: t.stopper.Best()}
	if t.seeded {
		t.stopper.SeedBest(t.seedBest)
		result.BestEpoch, result.BestMetric = t.seedEpoch, t.seedBest
	}

	klog.InfoS("Starting training", "run", t.run.Name, "model", t.model.Name(), "optimizer", t.optimizer.Name(),
		"criterion", t.loss.Criterion().Name(), "scheduler", t.scheduler.Name(), "epochs", t.config.Epochs,
		"train", train.Len(), "val", val.Len(), "dir", t.dir)
	if t.config.Progress != nil {
		PrintModelSummary(t.config.Progress, t.model)
	}

	for e := t.startEpoch; e < t.config.Epochs; e++ {
		start := time.Now()
		r := EpochResult{Epoch: e + 1, LearningRate: t.scheduler.GetLR(e, t.config.BaseLR)}
		t.optimizer.UpdateLearningRate(float32(r.LearningRate))

		var err error
		if r.TrainLoss, r.TrainAcc, err = t.trainEpoch(ctx, train, e, r.LearningRate); err != nil {
			return result, errors.Wrapf(err, "epoch %d training", r.Epoch)
		}
		metrics, err := t.validate(ctx, val, e, &r)
		if err != nil {
			return result, errors.Wrapf(err, "epoch %d validation", r.Epoch)
		}
		if ms, ok := t.scheduler.(MetricScheduler); ok {
			ms.Observe(r.ValLoss)
		}

		decision, err := t.stopper.Observe(r.Epoch, t.config.Monitor.Value(r))
		if err != nil {
			return result, err
		}
		r.State, r.Saved, r.Duration = decision.State, decision.Save, time.Since(start)

		if decision.Save {
			if err := t.save(checkpoints.BestFile, r, decision.Best); err != nil {
				return result, err
			}
		}
		if err := t.save(checkpoints.LastFile, r, decision.Best); err != nil {
			return result, err
		}
		if err := t.appendLog(r); err != nil {
			return result, err
		}

		t.curves.RecordEpoch(r)
		t.curves.RecordConfusionMatrix(metrics.Task(dataset.CombinedTask), dataset.CombinedTask.ClassNames())
		result.Epochs = append(result.Epochs, r)
		if decision.Save {
			result.BestEpoch, result.BestMetric = r.Epoch, decision.Best
		}

		klog.InfoS("Epoch finished", "epoch", r.Epoch, "lr", r.LearningRate,
			"train_loss", r.TrainLoss, "train_acc", r.TrainAcc,
			"val_loss", r.ValLoss, "val_acc", r.Val.Accuracy, "val_f1", r.Val.F1,
			"state", r.State, "saved", r.Saved, "duration", r.Duration.Round(time.Millisecond))

		if decision.State == Stopped {
			klog.InfoS("Early stopping", "epoch", r.Epoch, "monitor", t.config.Monitor.Name, "best", decision.Best, "patience", t.config.Patience)
			result.Stopped = true
			break
		}
	}

	t.curves.RecordParameterStats(t.model.Parameters())
	if err := RenderCurves(t.curves, t.dir); err != nil {
		klog.ErrorS(err, "Could not render training curves", "dir", t.dir)
	}
	return result, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *dataloader.DataLoader, epoch int, lr float64) (float64, float64, error) {
	t.model.SetTraining(true)
	params := t.model.Parameters()

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d (Training)", epoch+1, t.config.Epochs), loader.NumBatches(loader.Len()))
	}

	var lossSum, intervalLoss float64
	var correct, intervalCorrect, seen, intervalSeen, batches int
	err := loader.Iterate(ctx, epoch, func(b *dataloader.Batch) error {
		logits, err := t.model.Forward(b.Images)
		if err != nil {
			return errors.Wrap(err, "forward")
		}
		res, err := t.loss.Compute(logits, b.Targets)
		if err != nil {
			return err
		}
		if math.IsNaN(res.Total) || math.IsInf(res.Total, 0) {
			return errors.Errorf("loss diverged at batch %d: %v", b.Number, res.Total)
		}
		model.ZeroGrad(params)
		if err := t.model.Backward(res.Grad); err != nil {
			return errors.Wrap(err, "backward")
		}
		if err := t.optimizer.Step(params); err != nil {
			return errors.Wrap(err, "optimizer step")
		}
		t.step++
		batches++

		n := b.Size()
		hits := countCorrect(logits, b.Labels)
		lossSum += res.Total * float64(n)
		intervalLoss += res.Total * float64(n)
		correct, intervalCorrect = correct+hits, intervalCorrect+hits
		seen, intervalSeen = seen+n, intervalSeen+n

		if batches%t.config.LogInterval == 0 {
			klog.V(1).InfoS("Training", "epoch", epoch+1, "batch", batches,
				"loss", intervalLoss/float64(intervalSeen), "acc", float64(intervalCorrect)/float64(intervalSeen), "lr", lr)
			intervalLoss, intervalCorrect, intervalSeen = 0, 0, 0
		}
		if bar != nil {
			bar.Update(batches, map[string]float64{"loss": lossSum / float64(seen), "acc": float64(correct) / float64(seen)})
		}
		return nil
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return 0, 0, err
	}
	if seen == 0 {
		return 0, 0, errdefs.Configuration("training.Fit", "training loader produced no samples")
	}
	return lossSum / float64(seen), float64(correct) / float64(seen), nil
}

func (t *Trainer) validate(ctx context.Context, loader *dataloader.DataLoader, epoch int, r *EpochResult) (*TaskMetrics, error) {
	t.model.SetTraining(false)
	metrics := NewTaskMetrics()

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d (Validation)", epoch+1, t.config.Epochs), loader.NumBatches(loader.Len()))
	}

	var lossSum float64
	var taskSum [dataset.NumTasks]float64
	var grid *gridSample
	seen := 0
	err := loader.Iterate(ctx, epoch, func(b *dataloader.Batch) error {
		logits, err := t.model.Forward(b.Images)
		if err != nil {
			return errors.Wrap(err, "forward")
		}
		if grid == nil && t.config.GridSize > 0 {
			if grid, err = newGridSample(b, logits); err != nil {
				klog.V(1).InfoS("Skipping validation grid", "epoch", epoch+1, "err", err)
				grid = &gridSample{}
			}
		}
		res, err := t.loss.Compute(logits, b.Targets)
		if err != nil {
			return err
		}
		if err := metrics.Update(logits, b.Labels); err != nil {
			return err
		}
		n := float64(b.Size())
		lossSum += res.Total * n
		for _, task := range dataset.Tasks {
			taskSum[task] += res.PerTask[task] * n
		}
		seen += b.Size()
		if bar != nil {
			bar.Update(b.Number+1, map[string]float64{"loss": lossSum / float64(seen)})
		}
		return nil
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return nil, err
	}
	if seen == 0 {
		return nil, errdefs.Configuration("training.Fit", "validation loader produced no samples")
	}

	r.ValLoss = lossSum / float64(seen)
	if math.IsNaN(r.ValLoss) || math.IsInf(r.ValLoss, 0) {
		return nil, errors.Errorf("validation loss is %v", r.ValLoss)
	}
	r.ValTaskLoss = make(map[string]float64, dataset.NumTasks)
	for _, task := range dataset.Tasks {
		r.ValTaskLoss[task.String()] = taskSum[task] / float64(seen)
	}
	r.Val = metrics.Summary()

	if grid != nil && grid.images != nil {
		path := filepath.Join(t.dir, ResultsFile)
		if err := RenderPredictionGrid(grid.images, grid.truth, grid.preds, t.config.Mean, t.config.Std, t.config.GridSize, path); err != nil {
			klog.ErrorS(err, "Could not render validation grid", "path", path)
		}
	}
	return metrics, nil
}

// gridSample is the first validation batch of an epoch with its
// predictions.
type gridSample struct {
	images *tensors.Tensor
	truth  []dataset.LabelSet
	preds  []dataset.LabelSet
}

func newGridSample(b *dataloader.Batch, logits model.Logits) (*gridSample, error) {
	images, err := b.Tensor()
	if err != nil {
		return nil, err
	}
	g := &gridSample{images: images, truth: b.Labels, preds: make([]dataset.LabelSet, b.Size())}
	for i := range g.preds {
		var codes [dataset.NumTasks]int
		for _, task := range dataset.Tasks {
			codes[task] = Argmax(logits[task][i])
		}
		if g.preds[i], err = dataset.LabelSetFromCodes(codes); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// countCorrect counts samples whose three heads are all predicted right.
func countCorrect(logits model.Logits, labels []dataset.LabelSet) int {
	hits := 0
	for i, l := range labels {
		ok := true
		for _, task := range dataset.Tasks {
			if Argmax(logits[task][i]) != l.Get(task) {
				ok = false
				break
			}
		}
		if ok {
			hits++
		}
	}
	return hits
}

func (t *Trainer) save(name string, r EpochResult, best float64) error {
	ckpt := &checkpoints.Checkpoint{
		ModelSpec: t.model.Spec(),
		Optimizer: t.optimizer.Name(),
		Weights:   model.Snapshot(t.model),
		TrainingState: checkpoints.TrainingState{
			Epoch:        r.Epoch,
			Step:         t.step,
			LearningRate: r.LearningRate,
			MetricName:   t.config.Monitor.Name,
			Metric:       t.config.Monitor.Value(r),
			BestMetric:   best,
		},
		OptimizerState: t.optimizer.GetState(),
		Metadata: checkpoints.CheckpointMetadata{
			RunID: t.run.ID.String(),
			Tags:  t.run.Tags,
		},
	}
	path := filepath.Join(t.dir, name)
	if err := t.saver.SaveCheckpoint(ckpt, path); err != nil {
		return err
	}
	klog.V(1).InfoS("Saved checkpoint", "path", path, "epoch", r.Epoch, t.config.Monitor.Name, ckpt.TrainingState.Metric)
	return nil
}

// appendLog adds one line per epoch to log.txt.
func (t *Trainer) appendLog(r EpochResult) error {
	path := filepath.Join(t.dir, checkpoints.LogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errdefs.CheckpointIO("open", path, err)
	}
	if _, err := io.WriteString(f, FormatLogLine(r)+"\n"); err != nil {
		f.Close()
		return errdefs.CheckpointIO("append", path, err)
	}
	if err := f.Close(); err != nil {
		return errdefs.CheckpointIO("close", path, err)
	}
	return nil
}

// FormatLogLine renders the metrics of r as space separated key=value pairs.
func FormatLogLine(r EpochResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "epoch=%d lr=%g train_loss=%.4f train_acc=%.4f val_loss=%.4f val_acc=%.4f val_f1=%.4f",
		r.Epoch, r.LearningRate, r.TrainLoss, r.TrainAcc, r.ValLoss, r.Val.Accuracy, r.Val.F1)
	for _, task := range dataset.Tasks {
		name := task.String()
		fmt.Fprintf(&b, " %s_acc=%.4f %s_f1=%.4f", name, r.Val.TaskAcc[name], name, r.Val.TaskF1[name])
	}
	fmt.Fprintf(&b, " state=%s saved=%t", r.State, r.Saved)
	return b.String()
}
