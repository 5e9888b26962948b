package train

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/checkpoint"
	"github.com/cyclopcam/yolotrain/pkg/dataset"
	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/optim"
	"github.com/cyclopcam/yolotrain/pkg/rundb"
	"github.com/cyclopcam/yolotrain/pkg/storage"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
	"github.com/stretchr/testify/require"
)

// memorySource holds pre-built samples. Odd items contain an object, even items are background.
type memorySource struct {
	images  []*tensor.Tensor
	targets []*tensor.Tensor
}

func newMemorySource(t *testing.T, n int, config nn.ModelConfig) *memorySource {
	rng := rand.New(rand.NewSource(5))
	grid := dataset.GridSpec{S: config.GridSize, B: config.NumBoxes, C: config.NumClasses()}
	s := &memorySource{}
	for i := 0; i < n; i++ {
		img := tensor.New(3, config.Height, config.Width)
		for j := range img.Data {
			img.Data[j] = rng.Float32() * 0.2
		}
		ann := dataset.Annotation{Name: fmt.Sprintf("item%v", i)}
		if i%2 == 1 {
			ann.Label = 1 + (i/2)%(config.NumClasses()-1)
			ann.Box = &dataset.BBox{X: 8 + float32(i%3)*4, Y: 20, W: 10, H: 12}
			// A bright square where the object is
			for c := 0; c < 3; c++ {
				for y := 14; y < 26; y++ {
					for x := 3; x < 13; x++ {
						img.Set(1, c, y, x+(i%3)*4)
					}
				}
			}
		}
		target, err := dataset.EncodeTarget(ann, config.Width, config.Height, grid)
		require.NoError(t, err)
		s.images = append(s.images, img)
		s.targets = append(s.targets, target)
	}
	return s
}

func (s *memorySource) Len() int { return len(s.images) }

func (s *memorySource) Item(i int) (*tensor.Tensor, *tensor.Tensor, error) {
	return s.images[i], s.targets[i], nil
}

func testConfig(dir string) Config {
	c := DefaultConfig()
	c.Name = "test"
	c.LabelFile = "labels.csv"
	c.BBoxFile = "bboxes.csv"
	c.Model = nn.ModelConfig{
		Architecture: "tiny",
		Width:        32,
		Height:       32,
		Classes:      []string{"background", "car", "person"},
		GridSize:     2,
		NumBoxes:     2,
	}
	c.Optimizer = optim.DefaultParams(1e-3)
	c.BatchSize = 4
	c.NumWorkers = 1
	c.Threads = 2
	c.LogEvery = 1
	c.EvalEvery = 2
	c.Epochs = 5
	c.CheckpointPrefix = "ck/test"
	c.Storage = StorageConfig{Filesystem: &StorageConfigFS{Root: filepath.Join(dir, "checkpoints")}}
	return c
}

func newTestTrainer(t *testing.T, config Config, db *rundb.RunDB) *Trainer {
	log := logs.NewTestingLog(t)
	store, err := OpenStorage(log, config.Storage)
	require.NoError(t, err)
	trainer, err := NewTrainer(log, config, newMemorySource(t, 8, config.Model), nil, store, db)
	require.NoError(t, err)
	require.NoError(t, trainer.Resume())
	return trainer
}

func TestTrainingReducesLoss(t *testing.T) {
	trainer := newTestTrainer(t, testConfig(t.TempDir()), nil)
	first, err := trainer.TrainEpoch(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, first.Batches)
	require.Greater(t, first.MeanLoss, float32(0))
	last := first
	for epoch := 1; epoch < 30; epoch++ {
		last, err = trainer.TrainEpoch(context.Background(), epoch)
		require.NoError(t, err)
	}
	require.Less(t, last.MeanLoss, first.MeanLoss*0.5)
}

func TestPredictedAndTrueBoxes(t *testing.T) {
	trainer := newTestTrainer(t, testConfig(t.TempDir()), nil)
	pred, truth, err := trainer.PredictedAndTrueBoxes(context.Background())
	require.NoError(t, err)
	// One ground truth box for each of the 4 object images
	require.Len(t, truth, 4)
	seen := map[int]bool{}
	for _, b := range truth {
		require.NotEqual(t, 0, b.Class)
		require.False(t, seen[b.ImageIndex])
		seen[b.ImageIndex] = true
	}
	for _, b := range pred {
		require.Greater(t, b.Confidence, trainer.Config.ProbThreshold)
		require.True(t, b.ImageIndex >= 0 && b.ImageIndex < 8)
	}

	mAP, err := trainer.Evaluate(context.Background())
	require.NoError(t, err)
	require.True(t, mAP >= 0 && mAP <= 1)
}

func TestRunAndResume(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)
	log := logs.NewTestingLog(t)
	db, err := rundb.Open(log, dbh.MakeSqliteConfig(filepath.Join(dir, "runs.sqlite")))
	require.NoError(t, err)

	trainer := newTestTrainer(t, config, db)
	require.NoError(t, trainer.Run(context.Background()))

	// Evaluations at epochs 0, 2, 4. The newest checkpoint and the one with the best mAP survive.
	best, err := db.BestEvaluation(trainer.DBRun.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	survivors := map[string]bool{"ck/test-4.ckpt": true, best.Checkpoint: true}

	entries, err := checkpoint.List(trainer.Store, config.CheckpointPrefix)
	require.NoError(t, err)
	require.Len(t, entries, len(survivors))
	for _, e := range entries {
		require.True(t, survivors[e.Name], e.Name)
	}

	evals, err := db.Evaluations(trainer.DBRun.ID)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	for _, ev := range evals {
		require.Equal(t, !survivors[ev.Checkpoint], ev.Deleted, ev.Checkpoint)
	}
	require.Equal(t, "ck/test-4.ckpt", evals[2].Checkpoint)

	stats, err := db.EpochStats(trainer.DBRun.ID)
	require.NoError(t, err)
	require.Len(t, stats, 5)

	// Resume from the latest checkpoint, and train two more epochs
	config.Resume = "latest"
	config.Epochs = 7
	resumed := newTestTrainer(t, config, db)
	require.Equal(t, 4, resumed.StartEpoch())
	require.Equal(t, trainer.DBRun.ID, resumed.DBRun.ID)

	ckpt, err := checkpoint.Load(resumed.Store, "ck/test-4.ckpt")
	require.NoError(t, err)
	for _, p := range resumed.Model.State() {
		require.Equal(t, ckpt.State[p.Name].Data, p.Data, p.Name)
	}

	require.NoError(t, resumed.Run(context.Background()))
	// Epoch 4 was evaluated before the resume, and epoch 6 is the next evaluation
	evals, err = db.Evaluations(trainer.DBRun.ID)
	require.NoError(t, err)
	require.Len(t, evals, 4)
	require.Equal(t, 6, evals[3].Epoch)
	stats, err = db.EpochStats(trainer.DBRun.ID)
	require.NoError(t, err)
	require.Len(t, stats, 7)
}

func TestResumeIncompatible(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)
	trainer := newTestTrainer(t, config, nil)
	require.NoError(t, trainer.SaveCheckpoint(0, 0))

	config.Resume = "ck/test-0.ckpt"
	config.Model.GridSize = 1
	log := logs.NewTestingLog(t)
	store, err := storage.NewStorageFS(log, config.Storage.Filesystem.Root)
	require.NoError(t, err)
	other, err := NewTrainer(log, config, newMemorySource(t, 2, config.Model), nil, store, nil)
	require.NoError(t, err)
	require.Error(t, other.Resume())

	// Nothing to resume from is not an error
	config = testConfig(t.TempDir())
	config.Resume = "latest"
	fresh := newTestTrainer(t, config, nil)
	require.Equal(t, 0, fresh.StartEpoch())
}

func TestResumeFromOlderCheckpointKeepsNewSave(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)
	config.KeepCheckpoints = 0
	trainer := newTestTrainer(t, config, nil)
	require.NoError(t, trainer.SaveCheckpoint(0, 0))
	require.NoError(t, trainer.SaveCheckpoint(4, 0))

	config.Resume = "ck/test-0.ckpt"
	config.KeepCheckpoints = 1
	resumed := newTestTrainer(t, config, nil)
	require.Equal(t, 0, resumed.StartEpoch())
	require.NoError(t, resumed.SaveCheckpoint(2, 0))

	entries, err := checkpoint.List(resumed.Store, config.CheckpointPrefix)
	require.NoError(t, err)
	require.Equal(t, []checkpoint.Entry{{Name: "ck/test-2.ckpt", Epoch: 2}}, entries)
}

func TestSaveCheckpointKeepsBest(t *testing.T) {
	dir := t.TempDir()
	config := testConfig(dir)
	log := logs.NewTestingLog(t)
	db, err := rundb.Open(log, dbh.MakeSqliteConfig(filepath.Join(dir, "runs.sqlite")))
	require.NoError(t, err)

	trainer := newTestTrainer(t, config, db)
	require.NoError(t, trainer.SaveCheckpoint(0, 0.9))
	require.NoError(t, trainer.SaveCheckpoint(2, 0.1))
	require.NoError(t, trainer.SaveCheckpoint(4, 0.2))

	entries, err := checkpoint.List(trainer.Store, config.CheckpointPrefix)
	require.NoError(t, err)
	require.Equal(t, []checkpoint.Entry{{Name: "ck/test-0.ckpt", Epoch: 0}, {Name: "ck/test-4.ckpt", Epoch: 4}}, entries)

	evals, err := db.Evaluations(trainer.DBRun.ID)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	require.False(t, evals[0].Deleted)
	require.True(t, evals[1].Deleted)
	require.False(t, evals[2].Deleted)
}

func TestRunCancelled(t *testing.T) {
	trainer := newTestTrainer(t, testConfig(t.TempDir()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, trainer.Run(ctx), context.Canceled)
}

func writeJPEG(t *testing.T, filename string, width, height int) {
	t.Helper()
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i * 7)
	}
	jpg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 90, 0))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(filename), 0755))
	require.NoError(t, os.WriteFile(filename, jpg, 0644))
}

func TestOpenFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	labels := strings.Builder{}
	bboxes := strings.Builder{}
	labels.WriteString("guid/image,label\n")
	bboxes.WriteString("guid/image,x,y,w,h\n")
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("scene/%04d", i)
		writeJPEG(t, filepath.Join(dir, "images", name+"_image.jpg"), 64, 48)
		fmt.Fprintf(&labels, "%v,%v\n", name, i%3)
		fmt.Fprintf(&bboxes, "%v,%v,20,16,12\n", name, 10+i*10)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.csv"), []byte(labels.String()), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bboxes.csv"), []byte(bboxes.String()), 0644))
	configJSON := `{
		"name": "fromfile",
		"labelFile": "labels.csv",
		"bboxFile": "bboxes.csv",
		"imageDir": "images",
		"model": {"architecture": "tiny", "width": 32, "height": 32, "classes": ["background", "car", "person"], "gridSize": 2, "numBoxes": 2},
		"batchSize": 2,
		"epochs": 1,
		"numWorkers": 2,
		"storage": {"filesystem": {"root": "ckpt"}},
		"db": {"Driver": "sqlite3", "Database": "` + filepath.ToSlash(filepath.Join(dir, "runs.sqlite")) + `"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.json"), []byte(configJSON), 0644))

	config, err := LoadConfig(filepath.Join(dir, "train.json"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "labels.csv"), config.LabelFile)
	require.Equal(t, filepath.Join(dir, "images"), config.ImageDir)
	require.Equal(t, filepath.Join(dir, "ckpt"), config.Storage.Filesystem.Root)
	require.Equal(t, "_image.jpg", config.ImageSuffix)
	require.Equal(t, float32(2e-5), config.Optimizer.LearningRate)
	require.Equal(t, 10, config.EvalEvery)

	trainer, err := Open(logs.NewTestingLog(t), *config)
	require.NoError(t, err)
	require.NoError(t, trainer.Run(context.Background()))
	_, ok, err := checkpoint.Latest(trainer.Store, config.CheckpointPrefix)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(s string) string {
		fn := filepath.Join(dir, "c.json")
		require.NoError(t, os.WriteFile(fn, []byte(s), 0644))
		return fn
	}
	_, err := LoadConfig(write(`{`))
	require.Error(t, err)
	_, err = LoadConfig(write(`{"bboxFile": "b.csv"}`))
	require.ErrorContains(t, err, "labelFile")
	_, err = LoadConfig(write(`{"labelFile": "a.csv", "bboxFile": "b.csv", "evalEvery": 0}`))
	require.ErrorContains(t, err, "evalEvery")

	// A gcs section replaces the default filesystem storage
	c, err := LoadConfig(write(`{"labelFile": "a.csv", "bboxFile": "b.csv", "storage": {"gcs": {"bucket": "ckpts"}}}`))
	require.NoError(t, err)
	require.Nil(t, c.Storage.Filesystem)
	require.Equal(t, "ckpts", c.Storage.GCS.Bucket)
}
