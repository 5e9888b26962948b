package train

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/optim"
	"github.com/cyclopcam/yolotrain/pkg/storage"
)

// Config is the JSON training configuration. Missing fields keep the values of DefaultConfig.
type Config struct {
	Name string `json:"name"` // Name of the run. Checkpoints are stored as <checkpointPrefix>-<epoch>.ckpt

	// Dataset
	LabelFile   string `json:"labelFile"`   // CSV of (image, label)
	BBoxFile    string `json:"bboxFile"`    // CSV of (image, x, y, w, h)
	EvalLabels  string `json:"evalLabels"`  // Evaluation set labels. If empty, mAP is measured on the training set.
	EvalBBoxes  string `json:"evalBBoxes"`  // Evaluation set boxes
	ImageDir    string `json:"imageDir"`    // Directory that holds the images
	ImageSuffix string `json:"imageSuffix"` // Appended to the name in the CSV files to form the image filename

	Model     nn.ModelConfig `json:"model"`
	Optimizer optim.Params   `json:"optimizer"`

	BatchSize  int   `json:"batchSize"`
	Epochs     int   `json:"epochs"`     // Training stops before this epoch
	NumWorkers int   `json:"numWorkers"` // Image decoding goroutines
	Threads    int   `json:"threads"`    // Compute goroutines. Zero means one per CPU.
	Seed       int64 `json:"seed"`
	LogEvery   int   `json:"logEvery"` // Log progress every N batches

	EvalEvery        int     `json:"evalEvery"`        // Evaluate mAP and save a checkpoint every N epochs
	KeepCheckpoints  int     `json:"keepCheckpoints"`  // Number of checkpoints to keep. Zero keeps all of them.
	CheckpointPrefix string  `json:"checkpointPrefix"` // eg "checkpoints/overfit"
	Resume           string  `json:"resume"`           // "" to start from scratch, "latest", or a checkpoint name
	NmsIouThreshold  float32 `json:"nmsIouThreshold"`
	ProbThreshold    float32 `json:"probThreshold"`
	MapIouThreshold  float32 `json:"mapIouThreshold"`

	Storage StorageConfig `json:"storage"`
	DB      *dbh.DBConfig `json:"db"` // Run history. Optional.
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

// DefaultConfig returns the hyperparameters that the original YOLOv1 training script used
func DefaultConfig() Config {
	return Config{
		Name:        "overfit",
		ImageSuffix: "_image.jpg",
		Model: nn.ModelConfig{
			Architecture: "yolov1",
			Width:        448,
			Height:       448,
			Classes:      []string{"background", "car", "person"},
			GridSize:     7,
			NumBoxes:     2,
		},
		Optimizer:        optim.DefaultParams(2e-5),
		BatchSize:        32,
		Epochs:           1000,
		NumWorkers:       2,
		Seed:             123,
		LogEvery:         10,
		EvalEvery:        10,
		KeepCheckpoints:  1,
		CheckpointPrefix: "overfit",
		NmsIouThreshold:  0.5,
		ProbThreshold:    0.4,
		MapIouThreshold:  0.5,
		Storage: StorageConfig{
			Filesystem: &StorageConfigFS{Root: "checkpoints"},
		},
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig
func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	// The storage options are one-of, so a storage section in the file replaces the default entirely
	var probe struct {
		Storage json.RawMessage `json:"storage"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", filename, err)
	}
	if probe.Storage != nil {
		config.Storage = StorageConfig{}
	}
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", filename, err)
	}
	// Relative paths are relative to the config file
	dir := filepath.Dir(filename)
	for _, p := range []*string{&config.LabelFile, &config.BBoxFile, &config.EvalLabels, &config.EvalBBoxes, &config.ImageDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	if config.Storage.Filesystem != nil && config.Storage.Filesystem.Root != "" && !filepath.IsAbs(config.Storage.Filesystem.Root) {
		config.Storage.Filesystem.Root = filepath.Join(dir, config.Storage.Filesystem.Root)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.LabelFile == "" || c.BBoxFile == "" {
		return errors.New("labelFile and bboxFile must be specified")
	}
	if (c.EvalLabels == "") != (c.EvalBBoxes == "") {
		return errors.New("evalLabels and evalBBoxes must be specified together")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("Invalid batchSize %v", c.BatchSize)
	}
	if c.EvalEvery <= 0 {
		return fmt.Errorf("Invalid evalEvery %v", c.EvalEvery)
	}
	if (c.Storage.Filesystem == nil) == (c.Storage.GCS == nil) {
		return errors.New("Exactly one of storage.filesystem or storage.gcs must be configured")
	}
	return nil
}

// OpenStorage creates the checkpoint store
func OpenStorage(log logs.Log, config StorageConfig) (storage.Storage, error) {
	if config.Filesystem != nil {
		return storage.NewStorageFS(log, config.Filesystem.Root)
	} else if config.GCS != nil {
		return storage.NewStorageGCS(log, config.GCS.Bucket)
	}
	return nil, errors.New("No checkpoint storage configured")
}
