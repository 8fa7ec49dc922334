package index

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// LabelCount is one row of the label listing.
type LabelCount struct {
	Label  string `db:"label" json:"label"`
	Total  int    `db:"total" json:"messages_total"`
	Unread int    `db:"unread" json:"messages_unread"`
}

// SetLabels replaces the label set of localID. The local id must already be
// mapped.
func (x *Index) SetLabels(ctx context.Context, localID string, labels []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM label_map WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to clear labels for %s: %w", localID, err)
	}
	if err := insertLabels(ctx, tx, localID, labels); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddLabels adds labels to localID, keeping existing ones.
func (x *Index) AddLabels(ctx context.Context, localID string, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertLabels(ctx, tx, localID, labels); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertLabels(ctx context.Context, tx *sqlx.Tx, localID string, labels []string) error {
	for _, label := range labels {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO label_map (local_id, label) VALUES (?, ?)`, localID, label)
		if err != nil {
			return fmt.Errorf("failed to add label %s to %s: %w", label, localID, err)
		}
	}
	return nil
}

// RemoveLabels removes labels from localID.
func (x *Index) RemoveLabels(ctx context.Context, localID string, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	query, args, err := sqlx.In(`DELETE FROM label_map WHERE local_id = ? AND label IN (?)`, localID, labels)
	if err != nil {
		return fmt.Errorf("failed to build label query: %w", err)
	}
	if _, err := x.db.ExecContext(ctx, x.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to remove labels from %s: %w", localID, err)
	}
	return nil
}

// ClearLabels removes every label of localID.
func (x *Index) ClearLabels(ctx context.Context, localID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, err := x.db.ExecContext(ctx, `DELETE FROM label_map WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to clear labels for %s: %w", localID, err)
	}
	return nil
}

// IDsWithLabel returns the set of local ids carrying label.
func (x *Index) IDsWithLabel(ctx context.Context, label string) (map[string]struct{}, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ids []string
	if err := x.db.SelectContext(ctx, &ids, `SELECT local_id FROM label_map WHERE label = ?`, label); err != nil {
		return nil, fmt.Errorf("failed to load ids with label %s: %w", label, err)
	}

	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// HasLabel reports whether localID carries label.
func (x *Index) HasLabel(ctx context.Context, localID, label string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var n int
	err := x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM label_map WHERE local_id = ? AND label = ?`, localID, label)
	if err != nil {
		return false, fmt.Errorf("failed to check label %s on %s: %w", label, localID, err)
	}
	return n > 0, nil
}

// Labels returns the labels of localID in name order.
func (x *Index) Labels(ctx context.Context, localID string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var labels []string
	if err := x.db.SelectContext(ctx, &labels, `SELECT label FROM label_map WHERE local_id = ? ORDER BY label`, localID); err != nil {
		return nil, fmt.Errorf("failed to load labels for %s: %w", localID, err)
	}
	return labels, nil
}

// LabelCounts returns every label with its message count and how many of
// those messages also carry unreadLabel.
func (x *Index) LabelCounts(ctx context.Context, unreadLabel string) ([]LabelCount, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var out []LabelCount
	err := x.db.SelectContext(ctx, &out, `
		SELECT l.label AS label,
		       COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN u.local_id IS NOT NULL THEN 1 ELSE 0 END), 0) AS unread
		FROM label_map l
		LEFT JOIN label_map u ON u.local_id = l.local_id AND u.label = ?
		GROUP BY l.label
		ORDER BY l.label
	`, unreadLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to count labels: %w", err)
	}
	return out, nil
}
