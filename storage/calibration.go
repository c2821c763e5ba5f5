// Package storage persists sensor calibration data across hub restarts.
// The store is optional: without one the runtime's calibration load and
// notify paths are no-ops.
package storage

import (
	"database/sql"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/sensor"
)

// Calibration is one sensor's persisted calibration snapshot.
type Calibration struct {
	Sensor      sensor.Type
	Bias        [3]float32
	TimestampNs uint64
}

// CalibrationStore is a SQLite-backed calibration provider.
type CalibrationStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS calibration (
	sensor_type  INTEGER PRIMARY KEY,
	bias_x       REAL NOT NULL,
	bias_y       REAL NOT NULL,
	bias_z       REAL NOT NULL,
	timestamp_ns INTEGER NOT NULL
);`

// Open creates or opens the calibration database at path.
func Open(path string, logger *slog.Logger) (*CalibrationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "CalibrationStore", "Open", "open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "CalibrationStore", "Open", "create schema")
	}

	return &CalibrationStore{db: db, logger: logger}, nil
}

// Load returns the persisted calibration for a sensor, if any.
func (s *CalibrationStore) Load(t sensor.Type) (Calibration, bool, error) {
	row := s.db.QueryRow(
		`SELECT bias_x, bias_y, bias_z, timestamp_ns FROM calibration WHERE sensor_type = ?`,
		int(t))

	cal := Calibration{Sensor: t}
	err := row.Scan(&cal.Bias[0], &cal.Bias[1], &cal.Bias[2], &cal.TimestampNs)
	if err == sql.ErrNoRows {
		return Calibration{}, false, nil
	}
	if err != nil {
		return Calibration{}, false, errors.WrapTransient(err, "CalibrationStore", "Load", "query")
	}
	return cal, true, nil
}

// LoadAll returns every persisted calibration.
func (s *CalibrationStore) LoadAll() ([]Calibration, error) {
	rows, err := s.db.Query(
		`SELECT sensor_type, bias_x, bias_y, bias_z, timestamp_ns FROM calibration ORDER BY sensor_type`)
	if err != nil {
		return nil, errors.WrapTransient(err, "CalibrationStore", "LoadAll", "query")
	}
	defer rows.Close()

	var cals []Calibration
	for rows.Next() {
		var cal Calibration
		var sensorType int
		if err := rows.Scan(&sensorType, &cal.Bias[0], &cal.Bias[1], &cal.Bias[2], &cal.TimestampNs); err != nil {
			return nil, errors.WrapTransient(err, "CalibrationStore", "LoadAll", "scan")
		}
		cal.Sensor = sensor.Type(sensorType)
		cals = append(cals, cal)
	}
	return cals, rows.Err()
}

// Save upserts one sensor's calibration.
func (s *CalibrationStore) Save(cal Calibration) error {
	if !cal.Sensor.Valid() {
		return errors.WrapInvalid(errors.ErrSensorNotFound, "CalibrationStore", "Save", "sensor check")
	}

	_, err := s.db.Exec(
		`INSERT INTO calibration (sensor_type, bias_x, bias_y, bias_z, timestamp_ns)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(sensor_type) DO UPDATE SET
		   bias_x = excluded.bias_x,
		   bias_y = excluded.bias_y,
		   bias_z = excluded.bias_z,
		   timestamp_ns = excluded.timestamp_ns`,
		int(cal.Sensor), cal.Bias[0], cal.Bias[1], cal.Bias[2], cal.TimestampNs)
	if err != nil {
		return errors.WrapTransient(err, "CalibrationStore", "Save", "upsert")
	}

	s.logger.Debug("calibration saved", "sensor", cal.Sensor.String())
	return nil
}

// Close releases the database handle.
func (s *CalibrationStore) Close() error {
	return s.db.Close()
}
