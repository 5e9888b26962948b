// Package train runs the training loop: optimization epochs, periodic mAP evaluation, and checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/checkpoint"
	"github.com/cyclopcam/yolotrain/pkg/dataset"
	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/optim"
	"github.com/cyclopcam/yolotrain/pkg/rundb"
	"github.com/cyclopcam/yolotrain/pkg/storage"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
	"github.com/cyclopcam/yolotrain/pkg/yolo"
)

// Number of recent batches averaged in progress messages
const lossWindowSize = 20

var ErrNonFiniteLoss = errors.New("Loss is not finite")

// Trainer manages the training of the model.
type Trainer struct {
	Log         logs.Log
	Config      Config
	Model       *yolo.Model
	Loss        *yolo.Loss
	Optimizer   optim.Optimizer
	TrainLoader *dataset.Loader
	EvalLoader  *dataset.Loader
	Store       storage.Storage
	RunDB       *rundb.RunDB // May be nil
	DBRun       *rundb.Run   // nil if RunDB is nil

	startEpoch   int
	resumedEpoch int // Epoch of the checkpoint we resumed from, or -1
	lossWindow   ringbuffer.RingP[float32]
}

// EpochResult summarizes one training epoch
type EpochResult struct {
	Epoch    int
	Batches  int
	MeanLoss float32
	Parts    yolo.LossParts // Mean over batches
	Duration time.Duration
}

// NewTrainer creates a freshly initialized model and optimizer.
// evalSet may be nil, in which case mAP is measured on trainSet. db may be nil.
func NewTrainer(log logs.Log, config Config, trainSet, evalSet dataset.Source, store storage.Storage, db *rundb.RunDB) (*Trainer, error) {
	if config.Threads > 0 {
		tensor.MaxThreads = config.Threads
	}
	model, err := yolo.NewModel(config.Model, config.Seed)
	if err != nil {
		return nil, err
	}
	opt, err := optim.New(config.Optimizer, model.Parameters())
	if err != nil {
		return nil, err
	}
	if evalSet == nil {
		evalSet = trainSet
	}
	t := &Trainer{
		Log:          log,
		Config:       config,
		Model:        model,
		Loss:         yolo.NewLoss(config.Model.GridSize, config.Model.NumBoxes, config.Model.NumClasses()),
		Optimizer:    opt,
		TrainLoader:  dataset.NewLoader(trainSet, config.BatchSize, true, true, config.NumWorkers, config.Seed),
		EvalLoader:   dataset.NewLoader(evalSet, config.BatchSize, false, false, config.NumWorkers, config.Seed),
		Store:        store,
		RunDB:        db,
		resumedEpoch: -1,
		lossWindow:   ringbuffer.NewRingP[float32](lossWindowSize),
	}
	if db != nil {
		t.DBRun, err = db.StartRun(config.Name, config, config.Resume != "")
		if err != nil {
			return nil, fmt.Errorf("Failed to start run: %w", err)
		}
	}
	log.Infof("Model %v has %v trainable parameters", config.Model.Architecture, model.NumParameters())
	return t, nil
}

// Open loads the datasets, opens checkpoint storage and the run database, and creates a Trainer.
// If the config asks for it, training state is restored from a checkpoint.
func Open(log logs.Log, config Config) (*Trainer, error) {
	opts := dataset.Options{
		ImageDir:    config.ImageDir,
		ImageSuffix: config.ImageSuffix,
		Width:       config.Model.Width,
		Height:      config.Model.Height,
		Grid: dataset.GridSpec{
			S: config.Model.GridSize,
			B: config.Model.NumBoxes,
			C: config.Model.NumClasses(),
		},
	}
	log.Infof("Loading data")
	trainSet, err := dataset.Open(config.LabelFile, config.BBoxFile, opts)
	if err != nil {
		return nil, err
	}
	var evalSet dataset.Source
	if config.EvalLabels != "" {
		ds, err := dataset.Open(config.EvalLabels, config.EvalBBoxes, opts)
		if err != nil {
			return nil, err
		}
		evalSet = ds
	}
	log.Infof("Loaded %v training images", trainSet.Len())

	store, err := OpenStorage(log, config.Storage)
	if err != nil {
		return nil, fmt.Errorf("Failed to open checkpoint storage: %w", err)
	}
	var db *rundb.RunDB
	if config.DB != nil {
		db, err = rundb.Open(log, *config.DB)
		if err != nil {
			return nil, err
		}
	}

	t, err := NewTrainer(log, config, trainSet, evalSet, store, db)
	if err != nil {
		return nil, err
	}
	if err := t.Resume(); err != nil {
		return nil, err
	}
	return t, nil
}

// Resume restores the model and optimizer from the checkpoint named by Config.Resume.
// A checkpoint of epoch N holds the state before epoch N was trained, so training continues at epoch N.
func (t *Trainer) Resume() error {
	name := t.Config.Resume
	if name == "" {
		return nil
	}
	if name == "latest" {
		latest, ok, err := checkpoint.Latest(t.Store, t.Config.CheckpointPrefix)
		if err != nil {
			return err
		}
		if !ok {
			t.Log.Warnf("No checkpoints found with prefix '%v'. Starting from scratch", t.Config.CheckpointPrefix)
			return nil
		}
		name = latest.Name
	}
	t.Log.Infof("Loading checkpoint %v", name)
	ckpt, err := checkpoint.Load(t.Store, name)
	if err != nil {
		return err
	}
	if err := compatible(&ckpt.Model, &t.Config.Model); err != nil {
		return fmt.Errorf("Checkpoint %v does not fit the configured model: %w", name, err)
	}
	if err := ckpt.Restore(t.Model, t.Optimizer); err != nil {
		return err
	}
	t.startEpoch = ckpt.Epoch
	t.resumedEpoch = ckpt.Epoch
	if t.RunDB != nil {
		last, err := t.RunDB.LastEpoch(t.DBRun.ID)
		if err != nil {
			return err
		}
		if last >= ckpt.Epoch {
			t.Log.Warnf("Run %v already has statistics up to epoch %v. Epochs %v to %v will be overwritten", t.DBRun.Name, last, ckpt.Epoch, last)
		}
	}
	t.Log.Infof("Resuming at epoch %v (checkpoint mAP %.4f)", ckpt.Epoch, ckpt.MAP)
	return nil
}

func compatible(a, b *nn.ModelConfig) error {
	if a.Architecture != b.Architecture || a.Width != b.Width || a.Height != b.Height || a.GridSize != b.GridSize || a.NumBoxes != b.NumBoxes || a.NumClasses() != b.NumClasses() {
		return fmt.Errorf("%v %vx%v S=%v B=%v C=%v vs %v %vx%v S=%v B=%v C=%v",
			a.Architecture, a.Width, a.Height, a.GridSize, a.NumBoxes, a.NumClasses(),
			b.Architecture, b.Width, b.Height, b.GridSize, b.NumBoxes, b.NumClasses())
	}
	return nil
}

// StartEpoch is the first epoch that Run will train
func (t *Trainer) StartEpoch() int {
	return t.startEpoch
}

// Run trains from StartEpoch until Config.Epochs.
// Every EvalEvery epochs, before training that epoch, mAP is measured and a checkpoint is saved.
func (t *Trainer) Run(ctx context.Context) error {
	for epoch := t.startEpoch; epoch < t.Config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The checkpoint we resumed from was saved right after this evaluation
		if epoch%t.Config.EvalEvery == 0 && epoch != t.resumedEpoch {
			mAP, err := t.Evaluate(ctx)
			if err != nil {
				return err
			}
			t.Log.Infof("Train mAP: %.4f", mAP)
			if err := t.SaveCheckpoint(epoch, mAP); err != nil {
				return err
			}
		}
		if _, err := t.TrainEpoch(ctx, epoch); err != nil {
			return err
		}
	}
	return nil
}

// TrainEpoch runs one pass over the training set
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int) (*EpochResult, error) {
	start := time.Now()
	result := &EpochResult{Epoch: epoch}
	sum := yolo.LossParts{}
	nBatches := t.TrainLoader.NumBatches()

	err := t.TrainLoader.Iterate(ctx, func(b *dataset.Batch) error {
		t.Optimizer.ZeroGrad()
		tp := tensor.NewTape()
		out := t.Model.Forward(tp, b.Images, true)
		loss, parts := t.Loss.Forward(tp, out, b.Targets)
		if math32.IsNaN(parts.Total) || math32.IsInf(parts.Total, 0) {
			return fmt.Errorf("%w at epoch %v batch %v", ErrNonFiniteLoss, epoch, b.Index)
		}
		tp.Backward(loss)
		t.Optimizer.Step()

		sum.Add(parts)
		result.Batches++
		t.lossWindow.Add(parts.Total)
		if t.Config.LogEvery > 0 && (b.Index+1)%t.Config.LogEvery == 0 {
			t.Log.Infof("Epoch %v [%v/%v] loss %.4f (recent mean %.4f)", epoch, b.Index+1, nBatches, parts.Total, t.recentLoss())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Batches != 0 {
		result.Parts = sum.Scale(1 / float32(result.Batches))
		result.MeanLoss = result.Parts.Total
	}
	result.Duration = time.Since(start)
	t.Log.Infof("Mean loss was %.4f, %v", result.MeanLoss, result.Parts)

	if t.RunDB != nil {
		if err := t.RunDB.RecordEpoch(t.DBRun.ID, epoch, result.MeanLoss, result.Parts, result.Duration); err != nil {
			t.Log.Errorf("Failed to record epoch %v: %v", epoch, err)
		}
	}
	return result, nil
}

func (t *Trainer) recentLoss() float32 {
	n := t.lossWindow.Len()
	if n == 0 {
		return 0
	}
	sum := float32(0)
	for i := 0; i < n; i++ {
		sum += t.lossWindow.Peek(i)
	}
	return sum / float32(n)
}

// PredictedAndTrueBoxes runs the model over every image of the evaluation set.
// Predictions are filtered by non-max suppression, and ground truth boxes are the target cells
// whose confidence is above the probability threshold. Every image is given a unique ImageIndex.
func (t *Trainer) PredictedAndTrueBoxes(ctx context.Context) (pred, truth []nn.Prediction, err error) {
	numClasses := t.Config.Model.NumClasses()
	numBoxes := t.Config.Model.NumBoxes
	imageIndex := 0
	err = t.EvalLoader.Iterate(ctx, func(b *dataset.Batch) error {
		out := t.Model.Forward(nil, b.Images, false)
		predBoxes := nn.CellBoxesToBoxes(out, numClasses, numBoxes)
		trueBoxes := nn.CellBoxesToBoxes(b.Targets, numClasses, numBoxes)
		for i := range predBoxes {
			for _, p := range nn.NonMaxSuppression(predBoxes[i], t.Config.NmsIouThreshold, t.Config.ProbThreshold, nn.BoxFormatMidpoint) {
				p.ImageIndex = imageIndex
				pred = append(pred, p)
			}
			for _, p := range trueBoxes[i] {
				if p.Confidence > t.Config.ProbThreshold {
					p.ImageIndex = imageIndex
					truth = append(truth, p)
				}
			}
			imageIndex++
		}
		return nil
	})
	return pred, truth, err
}

// Evaluate returns the mean average precision over the evaluation set
func (t *Trainer) Evaluate(ctx context.Context) (float32, error) {
	pred, truth, err := t.PredictedAndTrueBoxes(ctx)
	if err != nil {
		return 0, err
	}
	return nn.MeanAveragePrecision(pred, truth, t.Config.MapIouThreshold, nn.BoxFormatMidpoint, t.Config.Model.NumClasses()), nil
}

// SaveCheckpoint writes a checkpoint for the given epoch, and deletes old checkpoints.
// The new checkpoint is always kept. When there is a run database, the checkpoint with the best mAP is kept too.
func (t *Trainer) SaveCheckpoint(epoch int, mAP float32) error {
	name := checkpoint.Name(t.Config.CheckpointPrefix, epoch)
	ckpt := checkpoint.New(t.Config.Model, t.Model, t.Optimizer, epoch, mAP)
	if err := checkpoint.Save(t.Store, name, ckpt); err != nil {
		return fmt.Errorf("Failed to save checkpoint %v: %w", name, err)
	}
	t.Log.Infof("Checkpoint %v saved", epoch)

	pinned := []string{}
	if t.RunDB != nil {
		if _, err := t.RunDB.RecordEvaluation(t.DBRun.ID, epoch, mAP, name); err != nil {
			t.Log.Errorf("Failed to record evaluation: %v", err)
		}
		best, err := t.RunDB.BestEvaluation(t.DBRun.ID)
		if err != nil {
			t.Log.Errorf("Failed to find best evaluation: %v", err)
		} else if best != nil && best.Checkpoint != name {
			pinned = append(pinned, best.Checkpoint)
		}
	}

	deleted, err := checkpoint.Retain(t.Log, t.Store, t.Config.CheckpointPrefix, t.Config.KeepCheckpoints, name, pinned...)
	if err != nil {
		t.Log.Warnf("Failed to delete old checkpoints: %v", err)
	}
	if t.RunDB != nil {
		if err := t.RunDB.MarkCheckpointsDeleted(t.DBRun.ID, deleted); err != nil {
			t.Log.Errorf("Failed to record deleted checkpoints: %v", err)
		}
	}
	return nil
}
