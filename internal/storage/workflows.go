package storage

import (
	"database/sql"
	"errors"

	"github.com/mpataki/crew/internal/models"
)

func (s *Storage) WorkflowExists(templateID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM workflows WHERE template_id = ?`, templateID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// SaveWorkflow inserts or replaces the record for rec.TemplateID.
func (s *Storage) SaveWorkflow(rec *models.WorkflowRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO workflows (template_id, name, html, verdict, summary, nodes, variations, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(template_id) DO UPDATE SET
			name = excluded.name, html = excluded.html, verdict = excluded.verdict,
			summary = excluded.summary, nodes = excluded.nodes, variations = excluded.variations,
			ingested_at = excluded.ingested_at`,
		rec.TemplateID, rec.Name, rec.HTML, rec.Verdict, nullString(rec.Summary),
		nullString(rec.Nodes), nullString(rec.Variations), rec.IngestedAt,
	)
	return err
}

func (s *Storage) GetWorkflow(templateID int64) (*models.WorkflowRecord, error) {
	var rec models.WorkflowRecord
	var summary, nodes, variations sql.NullString
	err := s.db.QueryRow(
		`SELECT template_id, name, html, verdict, summary, nodes, variations, ingested_at
		 FROM workflows WHERE template_id = ?`, templateID,
	).Scan(&rec.TemplateID, &rec.Name, &rec.HTML, &rec.Verdict, &summary, &nodes, &variations, &rec.IngestedAt)
	if err != nil {
		return nil, err
	}
	rec.Summary, rec.Nodes, rec.Variations = summary.String, nodes.String, variations.String
	return &rec, nil
}

// CountWorkflows returns the number of stored records per verdict.
func (s *Storage) CountWorkflows() (map[models.Verdict]int, error) {
	rows, err := s.db.Query(`SELECT verdict, COUNT(*) FROM workflows GROUP BY verdict`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Verdict]int)
	for rows.Next() {
		var v models.Verdict
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, err
		}
		counts[v] = n
	}
	return counts, rows.Err()
}
