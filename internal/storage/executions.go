package storage

import (
	"database/sql"
	"errors"

	"github.com/mpataki/crew/internal/models"
)

const execColumns = `id, run_id, agent_name, task_name, status, started_at, completed_at, output, error,
	sequence_num, call_index, prompt, tokens_in, tokens_out`

func scanExecution(row scanner) (*models.Execution, error) {
	var exec models.Execution
	var taskName, output, execErr, prompt sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&exec.ID, &exec.RunID, &exec.AgentName, &taskName, &exec.Status, &startedAt, &completedAt,
		&output, &execErr, &exec.SequenceNum, &exec.CallIndex, &prompt, &exec.TokensIn, &exec.TokensOut,
	)
	if err != nil {
		return nil, err
	}

	exec.TaskName = taskName.String
	exec.Output = output.String
	exec.Error = execErr.String
	exec.Prompt = prompt.String
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	return &exec, nil
}

// CreateExecution inserts exec. A zero SequenceNum is assigned the next
// number for the run.
func (s *Storage) CreateExecution(exec *models.Execution) (int64, error) {
	if exec.SequenceNum == 0 {
		err := s.db.QueryRow(
			`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM executions WHERE run_id = ?`, exec.RunID,
		).Scan(&exec.SequenceNum)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(
		`INSERT INTO executions (run_id, agent_name, task_name, status, started_at, completed_at, output, error,
			sequence_num, call_index, prompt, tokens_in, tokens_out)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.AgentName, nullString(exec.TaskName), exec.Status, exec.StartedAt, exec.CompletedAt,
		nullString(exec.Output), nullString(exec.Error), exec.SequenceNum, exec.CallIndex,
		nullString(exec.Prompt), exec.TokensIn, exec.TokensOut,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateExecution(exec *models.Execution) error {
	_, err := s.db.Exec(
		`UPDATE executions SET status = ?, started_at = ?, completed_at = ?, output = ?, error = ?,
			prompt = ?, tokens_in = ?, tokens_out = ?
		 WHERE id = ?`,
		exec.Status, exec.StartedAt, exec.CompletedAt, nullString(exec.Output), nullString(exec.Error),
		nullString(exec.Prompt), exec.TokensIn, exec.TokensOut, exec.ID,
	)
	return err
}

func (s *Storage) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+execColumns+` FROM executions WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}

	return execs, rows.Err()
}

func (s *Storage) GetRunningExecutionForRun(runID int64) (*models.Execution, error) {
	exec, err := scanExecution(s.db.QueryRow(
		`SELECT `+execColumns+` FROM executions WHERE run_id = ? AND status = ? ORDER BY sequence_num LIMIT 1`,
		runID, models.ExecStatusRunning,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// GetExecutionByCallIndex returns the execution recorded for the callIndex-th
// run() call of a scripted workflow, or nil when there is none.
func (s *Storage) GetExecutionByCallIndex(runID int64, callIndex int) (*models.Execution, error) {
	exec, err := scanExecution(s.db.QueryRow(
		`SELECT `+execColumns+` FROM executions WHERE run_id = ? AND call_index = ?
		 ORDER BY sequence_num DESC LIMIT 1`,
		runID, callIndex,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// InvalidateExecutionsAfterIndex drops cached executions past callIndex so a
// diverged script re-runs them.
func (s *Storage) InvalidateExecutionsAfterIndex(runID int64, callIndex int) error {
	_, err := s.db.Exec(`DELETE FROM executions WHERE run_id = ? AND call_index > ?`, runID, callIndex)
	return err
}

// FailRunningExecutions marks every running execution of a run failed.
func (s *Storage) FailRunningExecutions(runID int64, reason string) error {
	_, err := s.db.Exec(
		`UPDATE executions SET status = ?, error = ? WHERE run_id = ? AND status = ?`,
		models.ExecStatusFailed, reason, runID, models.ExecStatusRunning,
	)
	return err
}
