package rundb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			started_at INT NOT NULL,
			config TEXT NOT NULL
		);
		CREATE INDEX idx_run_name ON run (name);

		CREATE TABLE epoch_stat(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			epoch INT NOT NULL,
			mean_loss REAL NOT NULL,
			loss_parts TEXT,
			duration_ms INT NOT NULL,
			created_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_epoch_stat_run_epoch ON epoch_stat (run_id, epoch);

		CREATE TABLE evaluation(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			epoch INT NOT NULL,
			map REAL NOT NULL,
			checkpoint TEXT,
			deleted INT NOT NULL DEFAULT 0,
			created_at INT NOT NULL
		);
		CREATE INDEX idx_evaluation_run ON evaluation (run_id);
	`))

	return migs
}
