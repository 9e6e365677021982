package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_terminal_event",
			SQL: `SELECT attempt_id, COUNT(*) FROM attempt_events
                  WHERE type IN ('FAILED','CONFIRMED')
                  GROUP BY attempt_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_status_matches_events",
			SQL: `SELECT a.id, a.status FROM attempts a
                  WHERE (a.status = 'failed' AND NOT EXISTS (
                            SELECT 1 FROM attempt_events e WHERE e.attempt_id = a.id AND e.type = 'FAILED'))
                     OR (a.status = 'confirmed' AND NOT EXISTS (
                            SELECT 1 FROM attempt_events e WHERE e.attempt_id = a.id AND e.type = 'CONFIRMED'))
                     OR (a.status = 'prepared' AND EXISTS (
                            SELECT 1 FROM attempt_events e WHERE e.attempt_id = a.id AND e.type IN ('FAILED','CONFIRMED')))`,
		},
		{
			Name: "O3_event_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT attempt_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY attempt_id ORDER BY seq) AS expected
                      FROM attempt_events)
                  SELECT * FROM seqs WHERE seq <> expected`,
		},
		{
			Name: "O4_prepared_event_first",
			SQL: `SELECT attempt_id, type FROM attempt_events
                  WHERE seq = 1 AND type <> 'PREPARED'`,
		},
		{
			Name: "O5_no_outcome_while_prepared",
			SQL: `SELECT r.idempotency_key FROM attempt_reports r
                  JOIN attempts a ON a.id = r.attempt_id
                  WHERE r.outcome IS NOT NULL AND a.status = 'prepared'`,
		},
		{
			Name: "O6_failure_code_consistent",
			SQL: `SELECT id FROM attempts
                  WHERE (status = 'failed' AND failure_code IS NULL)
                     OR (status <> 'failed' AND failure_code IS NOT NULL)`,
		},
		{
			Name: "O7_outbox_per_event",
			SQL: `SELECT e.attempt_id, e.type FROM attempt_events e
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.payload->>'attempt_id' = e.attempt_id::text
                        AND o.topic = 'attempt.' || lower(e.type))`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
