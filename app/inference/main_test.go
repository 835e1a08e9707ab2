package main

import (
	"bufio"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
)

func setup(t *testing.T, n int) options {
	t.Helper()
	root := t.TempDir()
	images := filepath.Join(root, "images")
	os.Mkdir(images, 0o755)
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 10, 10))
		for p := 0; p < 100; p++ {
			img.Set(p%10, p/10, color.RGBA{uint8(i * 40), uint8(p), 90, 255})
		}
		f, err := os.Create(filepath.Join(images, "eval"+strconv.Itoa(i)+".jpg"))
		if err != nil {
			t.Fatal(err)
		}
		if err := jpeg.Encode(f, img, nil); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}

	m, err := model.New(model.Config{Arch: "BaseModel", Width: 6, Height: 8, Seed: 9})
	if err != nil {
		t.Fatal(err)
	}
	ckptPath := filepath.Join(root, "model.pth")
	ckpt := &checkpoints.Checkpoint{ModelSpec: m.Spec(), Optimizer: "SGD", Weights: model.Snapshot(m)}
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).SaveCheckpoint(ckpt, ckptPath); err != nil {
		t.Fatal(err)
	}
	return options{
		checkpoint: ckptPath,
		format:     "proto",
		images:     images,
		output:     filepath.Join(root, "submission.csv"),
		batchSize:  2,
		workers:    2,
	}
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	for s := bufio.NewScanner(f); s.Scan(); {
		n++
	}
	return n
}

func TestRun(t *testing.T) {
	o := setup(t, 5)
	n, err := run(context.Background(), o)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 5 {
		t.Errorf("predicted %d images, want 5", n)
	}
	if rows := countRows(t, o.output); rows != 6 {
		t.Errorf("submission has %d lines, want header plus 5", rows)
	}

	t.Run("InfoCSV", func(t *testing.T) {
		info := filepath.Join(t.TempDir(), "info.csv")
		os.WriteFile(info, []byte("ImageID,ans\neval3.jpg,0\neval1.jpg,0\n"), 0o644)
		o := o
		o.info = info
		o.codes = true
		if n, err := run(context.Background(), o); err != nil || n != 2 {
			t.Fatalf("run with info: %d, %v", n, err)
		}
	})

	t.Run("MissingCheckpoint", func(t *testing.T) {
		o := o
		o.checkpoint = ""
		if _, err := run(context.Background(), o); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})

	t.Run("WrongFormat", func(t *testing.T) {
		o := o
		o.format = "json"
		if _, err := run(context.Background(), o); !errdefs.IsCheckpointIO(err) {
			t.Errorf("expected checkpoint io error, got %v", err)
		}
	})
}
