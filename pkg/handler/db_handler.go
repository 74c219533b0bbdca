package handler

import (
	"context"
	"fmt"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DBHandler dispatches a task as a parameterized SQL statement against a
// Postgres database, using the same sqlx/lib-pq stack the state store is
// built on.
type DBHandler struct {
	db *sqlx.DB
}

// NewDBHandler opens a connection pool against dsn.
func NewDBHandler(dsn string) (*DBHandler, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db handler: open: %w", err)
	}
	return &DBHandler{db: db}, nil
}

func (h *DBHandler) Execute(ctx context.Context, task model.Task, params map[string]any) Result {
	query, _ := params["query"].(string)
	if query == "" {
		return Permanent(fmt.Errorf("db handler: missing params.query"))
	}
	args, _ := params["args"].([]any)

	rows, err := h.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return Transient(fmt.Errorf("db handler: query failed: %w", err))
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return Transient(fmt.Errorf("db handler: scan failed: %w", err))
		}
		results = append(results, row)
	}
	return Ok(results)
}

func (h *DBHandler) Compensate(ctx context.Context, task model.Task, params map[string]any) Result {
	query, _ := params["compensation_query"].(string)
	if query == "" {
		return Ok(nil)
	}
	args, _ := params["compensation_args"].([]any)
	if _, err := h.db.ExecContext(ctx, query, args...); err != nil {
		return Result{Kind: KindPermanent, Err: fmt.Errorf("db handler: compensation failed: %w", err)}
	}
	return Ok(nil)
}
