package store

import (
	"context"
	"database/sql"

	"github.com/echoman-project/echoman/pkg/models"
)

// JudgementStore audits every LLM Adjudicator call, mirroring the
// teacher's llm interaction log.
type JudgementStore struct {
	db dbtx
}

func NewJudgementStore(db *sql.DB) *JudgementStore {
	return &JudgementStore{db: db}
}

func (s *JudgementStore) WithTx(tx *sql.Tx) *JudgementStore {
	return &JudgementStore{db: tx}
}

func (s *JudgementStore) Create(ctx context.Context, j models.LLMJudgement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_judgements
			(judgement_id, run_id, kind, request_summary, response_json,
			 tokens_prompt, tokens_completion, provider, model, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	`, j.JudgementID, j.RunID, j.Kind, j.RequestSummary, j.ResponseJSON,
		j.TokensPrompt, j.TokensCompletion, j.Provider, j.Model, j.Status)
	return err
}

// ListByRun returns every judgement recorded against a run, most
// recent first, the audit trail for a pipeline invocation's LLM calls.
func (s *JudgementStore) ListByRun(ctx context.Context, runID string) ([]models.LLMJudgement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT judgement_id, run_id, kind, request_summary, response_json,
		       tokens_prompt, tokens_completion, provider, model, status, created_at
		FROM llm_judgements WHERE run_id = $1
		ORDER BY created_at DESC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LLMJudgement
	for rows.Next() {
		var j models.LLMJudgement
		if err := rows.Scan(&j.JudgementID, &j.RunID, &j.Kind, &j.RequestSummary, &j.ResponseJSON,
			&j.TokensPrompt, &j.TokensCompletion, &j.Provider, &j.Model, &j.Status, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
