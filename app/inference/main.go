// Command inference predicts mask, gender and age labels for an evaluation
// set and writes the submission CSV.
//
//	inference -checkpoint model/exp/BaseModel/BaseModel_SGD/model.pth \
//	    -info eval/info.csv -images eval/images -output submission.csv
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/inference"
	"k8s.io/klog/v2"
)

type options struct {
	checkpoint string
	format     string
	info       string
	images     string
	output     string
	codes      bool
	batchSize  int
	workers    int
}

func registerFlags(fs *flag.FlagSet, o *options) {
	d := inference.DefaultConfig()
	fs.StringVar(&o.checkpoint, "checkpoint", "", "trained model checkpoint (model.pth)")
	fs.StringVar(&o.format, "checkpoint_format", "json", "json or proto")
	fs.StringVar(&o.info, "info", "", "info.csv listing ImageID values; all images in -images when empty")
	fs.StringVar(&o.images, "images", "/opt/ml/input/data/eval/images", "directory of evaluation images")
	fs.StringVar(&o.output, "output", "submission.csv", "submission file to write")
	fs.BoolVar(&o.codes, "codes", false, "write ImageID,ans with the combined class code")
	fs.IntVar(&o.batchSize, "batch_size", d.BatchSize, "images per forward pass")
	fs.IntVar(&o.workers, "num_workers", d.Workers, "image decoding goroutines")
}

func run(ctx context.Context, o options) (int, error) {
	if o.checkpoint == "" {
		return 0, errdefs.Configuration("inference", "-checkpoint is required")
	}
	format, err := checkpoints.ParseFormat(o.format)
	if err != nil {
		return 0, err
	}
	m, ckpt, err := inference.LoadClassifier(o.checkpoint, format)
	if err != nil {
		return 0, err
	}
	klog.InfoS("Loaded checkpoint", "path", o.checkpoint, "model", m.Name(), "epoch", ckpt.TrainingState.Epoch, "run", ckpt.Metadata.RunID)

	var refs []inference.ImageRef
	if o.info != "" {
		refs, err = inference.LoadEvalInfo(o.info, o.images)
	} else {
		refs, err = inference.ListImages(o.images)
	}
	if err != nil {
		return 0, err
	}

	cfg := inference.DefaultConfig()
	cfg.BatchSize, cfg.Workers = o.batchSize, o.workers
	gen, err := inference.NewGenerator(m, cfg)
	if err != nil {
		return 0, err
	}
	preds, err := gen.Predict(ctx, refs)
	if err != nil {
		return 0, err
	}
	if err := inference.SaveSubmission(o.output, preds, o.codes); err != nil {
		return 0, err
	}
	return len(preds), nil
}

func main() {
	klog.InitFlags(nil)
	var o options
	registerFlags(flag.CommandLine, &o)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := run(ctx, o)
	if err != nil {
		klog.ErrorS(err, "Inference failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.InfoS("Submission written", "path", o.output, "rows", n)
}
