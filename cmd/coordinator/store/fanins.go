package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// TryCreateFanIn inserts the rendezvous row if it does not exist yet.
// The primary key on (sibling_group, fan_in_node_id) makes this the
// exactly-once creation point; a lost race is a clean no-op.
func TryCreateFanIn(ctx context.Context, q DBTX, f *model.FanIn) (created bool, err error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO fan_ins (sibling_group, fan_in_node_id, wait_for, m, total, arrived_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (sibling_group, fan_in_node_id) DO NOTHING`,
		f.SiblingGroup, f.FanInNodeID, f.WaitFor, f.M, f.Total,
	)
	if err != nil {
		return false, fmt.Errorf("create fan-in %s/%s: %w", f.SiblingGroup, f.FanInNodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordFanInArrival bumps the observed-arrival count
func RecordFanInArrival(ctx context.Context, q DBTX, siblingGroup, fanInNodeID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE fan_ins SET arrived_count = arrived_count + 1
		WHERE sibling_group = ? AND fan_in_node_id = ?`,
		siblingGroup, fanInNodeID,
	)
	if err != nil {
		return fmt.Errorf("record fan-in arrival %s/%s: %w", siblingGroup, fanInNodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fan-in %s/%s: %w", siblingGroup, fanInNodeID, ErrNotFound)
	}
	return nil
}

// ActivateFanIn sets activated_at if and only if it is still null. The
// conditional update is atomicity point 2: at most one merge fires per
// record. With allowLateMerge the guard is dropped so a late arrival may
// re-run the merge (the rewrite of the target path is idempotent in shape).
func ActivateFanIn(ctx context.Context, q DBTX, siblingGroup, fanInNodeID, mergedTokenID string, now time.Time, allowLateMerge bool) (activated bool, err error) {
	query := `
		UPDATE fan_ins SET activated_at = ?, merged_token_id = ?
		WHERE sibling_group = ? AND fan_in_node_id = ? AND activated_at IS NULL`
	if allowLateMerge {
		query = `
		UPDATE fan_ins SET activated_at = ?, merged_token_id = ?
		WHERE sibling_group = ? AND fan_in_node_id = ?`
	}

	res, err := q.ExecContext(ctx, query,
		now.UTC().Format(time.RFC3339Nano), mergedTokenID, siblingGroup, fanInNodeID,
	)
	if err != nil {
		return false, fmt.Errorf("activate fan-in %s/%s: %w", siblingGroup, fanInNodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFanIns loads every fan-in record of the run
func ListFanIns(ctx context.Context, q DBTX) ([]*model.FanIn, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sibling_group, fan_in_node_id, wait_for, m, total, arrived_count, activated_at, merged_token_id
		FROM fan_ins ORDER BY sibling_group, fan_in_node_id`)
	if err != nil {
		return nil, fmt.Errorf("list fan-ins: %w", err)
	}
	defer rows.Close()

	var out []*model.FanIn
	for rows.Next() {
		var (
			f           model.FanIn
			activatedAt sql.NullString
			mergedID    sql.NullString
		)
		if err := rows.Scan(&f.SiblingGroup, &f.FanInNodeID, &f.WaitFor, &f.M,
			&f.Total, &f.ArrivedCount, &activatedAt, &mergedID); err != nil {
			return nil, fmt.Errorf("scan fan-in: %w", err)
		}
		if activatedAt.Valid {
			ts, err := time.Parse(time.RFC3339Nano, activatedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse activated_at: %w", err)
			}
			f.ActivatedAt = &ts
		}
		f.MergedTokenID = mergedID.String
		out = append(out, &f)
	}
	return out, rows.Err()
}
