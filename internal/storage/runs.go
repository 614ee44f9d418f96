package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/crew/internal/models"
)

const runColumns = `id, kind, created_at, completed_at, initial_prompt, inputs, spec_name, spec_path,
	workspace_path, status, current_agent, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var inputs, specPath, currentAgent, runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.Kind, &run.CreatedAt, &completedAt, &run.InitialPrompt, &inputs,
		&run.SpecName, &specPath, &run.WorkspacePath, &run.Status, &currentAgent, &runErr,
	)
	if err != nil {
		return nil, err
	}

	run.CompletedAt = timePtr(completedAt)
	run.SpecPath = specPath.String
	run.CurrentAgent = currentAgent.String
	run.Error = runErr.String
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &run.Inputs); err != nil {
			return nil, fmt.Errorf("failed to decode inputs of run %d: %w", run.ID, err)
		}
	}
	return &run, nil
}

func encodeInputs(inputs map[string]string) (sql.NullString, error) {
	if len(inputs) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	inputs, err := encodeInputs(run.Inputs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode inputs: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Kind == "" {
		run.Kind = models.RunKindCrew
	}

	result, err := s.db.Exec(
		`INSERT INTO runs (kind, created_at, initial_prompt, inputs, spec_name, spec_path, workspace_path, status, current_agent, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Kind, run.CreatedAt, run.InitialPrompt, inputs, run.SpecName, nullString(run.SpecPath),
		run.WorkspacePath, run.Status, nullString(run.CurrentAgent), nullString(run.Error),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	return scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

func (s *Storage) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, status = ?, current_agent = ?, workspace_path = ?, error = ? WHERE id = ?`,
		run.CompletedAt, run.Status, nullString(run.CurrentAgent), run.WorkspacePath, nullString(run.Error), run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// DeleteRun removes a run and its executions.
func (s *Storage) DeleteRun(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM executions WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}
