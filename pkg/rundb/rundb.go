// Package rundb records the history of training runs in a SQL database.
package rundb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/yolo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RunDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the run database
func Open(log logs.Log, config dbh.DBConfig) (*RunDB, error) {
	if config.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(config.Database), 0777)
	}
	log.Infof("Opening run DB (%v)", config.LogSafeDescription())
	db, err := dbh.OpenDB(log, config, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open run database: %w", err)
	}
	return &RunDB{
		Log: log,
		DB:  db,
	}, nil
}

// OpenSqlite opens or creates a SQLite run database
func OpenSqlite(log logs.Log, filename string) (*RunDB, error) {
	return Open(log, dbh.MakeSqliteConfig(filename))
}

// StartRun returns the most recent run with the given name, or creates a new run if resume is false
// or no such run exists.
func (r *RunDB) StartRun(name string, config any, resume bool) (*Run, error) {
	if resume {
		run := Run{}
		err := r.DB.Where("name = ?", name).Order("id DESC").First(&run).Error
		if err == nil {
			r.Log.Infof("Resuming run %v (%v)", run.ID, run.Name)
			return &run, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	run := &Run{
		Name:      name,
		StartedAt: dbh.MakeIntTime(time.Now()),
		Config:    string(cfg),
	}
	if err := r.DB.Create(run).Error; err != nil {
		return nil, err
	}
	r.Log.Infof("Created run %v (%v)", run.ID, run.Name)
	return run, nil
}

// RecordEpoch stores the statistics of an epoch. Re-training an epoch overwrites the previous record.
func (r *RunDB) RecordEpoch(runID int64, epoch int, meanLoss float32, parts yolo.LossParts, duration time.Duration) error {
	stat := &EpochStat{
		RunID:      runID,
		Epoch:      epoch,
		MeanLoss:   meanLoss,
		LossParts:  &dbh.JSONField[yolo.LossParts]{Data: parts},
		DurationMS: duration.Milliseconds(),
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}
	return r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "epoch"}},
		DoUpdates: clause.AssignmentColumns([]string{"mean_loss", "loss_parts", "duration_ms", "created_at"}),
	}).Create(stat).Error
}

// RecordEvaluation stores an mAP evaluation, along with the name of the checkpoint that was saved
func (r *RunDB) RecordEvaluation(runID int64, epoch int, mAP float32, checkpoint string) (*Evaluation, error) {
	ev := &Evaluation{
		RunID:      runID,
		Epoch:      epoch,
		MAP:        mAP,
		Checkpoint: checkpoint,
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}
	if err := r.DB.Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// MarkCheckpointsDeleted flags the evaluations whose checkpoint files were removed
func (r *RunDB) MarkCheckpointsDeleted(runID int64, checkpoints []string) error {
	if len(checkpoints) == 0 {
		return nil
	}
	return r.DB.Model(&Evaluation{}).Where("run_id = ? AND checkpoint IN (?)", runID, checkpoints).Update("deleted", true).Error
}

// EpochStats returns the epoch statistics of a run, in epoch order
func (r *RunDB) EpochStats(runID int64) ([]EpochStat, error) {
	stats := []EpochStat{}
	err := r.DB.Where("run_id = ?", runID).Order("epoch").Find(&stats).Error
	return stats, err
}

// Evaluations returns the evaluations of a run, in epoch order
func (r *RunDB) Evaluations(runID int64) ([]Evaluation, error) {
	evals := []Evaluation{}
	err := r.DB.Where("run_id = ?", runID).Order("epoch").Find(&evals).Error
	return evals, err
}

// BestEvaluation returns the evaluation with the highest mAP whose checkpoint still exists, or nil
func (r *RunDB) BestEvaluation(runID int64) (*Evaluation, error) {
	ev := Evaluation{}
	err := r.DB.Where("run_id = ? AND deleted = ? AND checkpoint IS NOT NULL", runID, false).Order("map DESC, epoch DESC").First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &ev, nil
}

// LastEpoch returns the highest epoch that has statistics, or -1 if the run has none
func (r *RunDB) LastEpoch(runID int64) (int, error) {
	last := -1
	row := r.DB.Model(&EpochStat{}).Where("run_id = ?", runID).Select("COALESCE(MAX(epoch), -1)").Row()
	if err := row.Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}
