package rundb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/yolotrain/pkg/yolo"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// A training run. Resuming a run continues the same record.
type Run struct {
	BaseModel
	Name      string      `json:"name"`      // Checkpoint prefix of the run
	StartedAt dbh.IntTime `json:"startedAt"` // When the run was first created
	Config    string      `json:"config"`    // Training config, as JSON
}

// Training statistics of one epoch
type EpochStat struct {
	BaseModel
	RunID      int64                          `json:"runId"`
	Epoch      int                            `json:"epoch"`
	MeanLoss   float32                        `json:"meanLoss"`
	LossParts  *dbh.JSONField[yolo.LossParts] `json:"lossParts"` // Mean of each loss part over the epoch
	DurationMS int64                          `json:"durationMs" gorm:"column:duration_ms"`
	CreatedAt  dbh.IntTime                    `json:"createdAt"`
}

// An mAP evaluation, and the checkpoint that was saved with it
type Evaluation struct {
	BaseModel
	RunID      int64       `json:"runId"`
	Epoch      int         `json:"epoch"`
	MAP        float32     `json:"map" gorm:"column:map"`
	Checkpoint string      `json:"checkpoint" gorm:"default:null"` // Storage name of the checkpoint
	Deleted    bool        `json:"deleted"`                        // True once retention has removed the checkpoint
	CreatedAt  dbh.IntTime `json:"createdAt"`
}
