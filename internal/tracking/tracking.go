// Package tracking persists processing status, program metadata, scaling
// statistics and file attachments for pipeline stages, keyed by the numeric
// identifiers the beamline tracking system hands out.
package tracking

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Program status values.
const (
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusTimeout = "TIMEOUT"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Program is one tracked run of a processing program.
type Program struct {
	ID            int64
	IntegrationID int64
	Name          string
	CommandLine   string
	Status        string
	Message       string
	StartTime     string
	EndTime       string
}

// Attachment is a result file registered against a program.
type Attachment struct {
	ID        int64
	ProgramID int64
	FileType  string
	FileName  string
	FilePath  string
}

// ScalingStatistics is one resolution shell of scaling results.
type ScalingStatistics struct {
	ID             int64
	ProgramID      int64
	Shell          string
	ResolutionLow  float64
	ResolutionHigh float64
	RMerge         float64
	RMeas          float64
	CCHalf         float64
	Completeness   float64
	Multiplicity   float64
}

// Open opens (creating if needed) the sqlite tracking database at path and
// runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS programs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  integration_id INTEGER NOT NULL DEFAULT 0,
  name TEXT NOT NULL,
  command_line TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  start_time TEXT NOT NULL,
  end_time TEXT NOT NULL DEFAULT ''
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS attachments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  program_id INTEGER NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
  file_type TEXT NOT NULL,
  file_name TEXT NOT NULL,
  file_path TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS scaling_statistics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  program_id INTEGER NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
  shell TEXT NOT NULL,
  resolution_low REAL NOT NULL DEFAULT 0,
  resolution_high REAL NOT NULL DEFAULT 0,
  r_merge REAL NOT NULL DEFAULT 0,
  r_meas REAL NOT NULL DEFAULT 0,
  cc_half REAL NOT NULL DEFAULT 0,
  completeness REAL NOT NULL DEFAULT 0,
  multiplicity REAL NOT NULL DEFAULT 0
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateProgram registers a program run and returns its id. The program
// starts in RUNNING state.
func (s *Store) CreateProgram(integrationID int64, name, commandLine string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO programs (integration_id, name, command_line, status, start_time) VALUES (?, ?, ?, ?, ?)`,
		integrationID, name, commandLine, StatusRunning, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("create program: %w", err)
	}
	return res.LastInsertId()
}

// UpdateProgramStatus moves a program to a terminal (or intermediate) status
// and stamps the end time for terminal ones.
func (s *Store) UpdateProgramStatus(id int64, status, message string) error {
	end := ""
	if status != StatusRunning {
		end = now()
	}
	res, err := s.db.Exec(
		`UPDATE programs SET status = ?, message = ?, end_time = ? WHERE id = ?`,
		status, message, end, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("program %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetProgram fetches a program by id.
func (s *Store) GetProgram(id int64) (*Program, error) {
	row := s.db.QueryRow(
		`SELECT id, integration_id, name, command_line, status, message, start_time, end_time FROM programs WHERE id = ?`, id)
	var p Program
	err := row.Scan(&p.ID, &p.IntegrationID, &p.Name, &p.CommandLine, &p.Status, &p.Message, &p.StartTime, &p.EndTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("program %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddAttachment registers a result file for a program.
func (s *Store) AddAttachment(programID int64, fileType, fileName, filePath string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO attachments (program_id, file_type, file_name, file_path) VALUES (?, ?, ?, ?)`,
		programID, fileType, fileName, filePath,
	)
	if err != nil {
		return 0, fmt.Errorf("add attachment: %w", err)
	}
	return res.LastInsertId()
}

// ProgramAttachments lists the attachments of a program in insertion order.
func (s *Store) ProgramAttachments(programID int64) ([]Attachment, error) {
	rows, err := s.db.Query(
		`SELECT id, program_id, file_type, file_name, file_path FROM attachments WHERE program_id = ? ORDER BY id`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ProgramID, &a.FileType, &a.FileName, &a.FilePath); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddScalingStatistics stores one resolution shell of scaling results.
func (s *Store) AddScalingStatistics(st ScalingStatistics) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO scaling_statistics
		 (program_id, shell, resolution_low, resolution_high, r_merge, r_meas, cc_half, completeness, multiplicity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ProgramID, st.Shell, st.ResolutionLow, st.ResolutionHigh, st.RMerge, st.RMeas, st.CCHalf, st.Completeness, st.Multiplicity,
	)
	if err != nil {
		return 0, fmt.Errorf("add scaling statistics: %w", err)
	}
	return res.LastInsertId()
}

// ProgramScalingStatistics lists the stored shells for a program.
func (s *Store) ProgramScalingStatistics(programID int64) ([]ScalingStatistics, error) {
	rows, err := s.db.Query(
		`SELECT id, program_id, shell, resolution_low, resolution_high, r_merge, r_meas, cc_half, completeness, multiplicity
		 FROM scaling_statistics WHERE program_id = ? ORDER BY id`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScalingStatistics
	for rows.Next() {
		var st ScalingStatistics
		if err := rows.Scan(&st.ID, &st.ProgramID, &st.Shell, &st.ResolutionLow, &st.ResolutionHigh,
			&st.RMerge, &st.RMeas, &st.CCHalf, &st.Completeness, &st.Multiplicity); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
