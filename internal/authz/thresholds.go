package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Thresholds reads the level_permission_mappings reference table: the
// legacy policy mapping a permission name to the minimum role level that
// grants it. The table is seedable reference data, not code.
type Thresholds struct {
	pool *pgxpool.Pool
}

// NewThresholds constructs the threshold reader.
func NewThresholds(pool *pgxpool.Pool) *Thresholds {
	return &Thresholds{pool: pool}
}

// MinLevel returns the minimum level required for a permission name. The
// second return is false when the name has no active mapping.
func (t *Thresholds) MinLevel(ctx context.Context, permissionName string) (int, bool, error) {
	var level int
	err := t.pool.QueryRow(ctx,
		`SELECT min_level FROM level_permission_mappings WHERE permission_name = $1 AND is_active`,
		permissionName).Scan(&level)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return level, true, nil
}

// All returns every active mapping, used by the diagnostics view to list
// the threshold grants a level implies.
func (t *Thresholds) All(ctx context.Context) (map[string]int, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT permission_name, min_level FROM level_permission_mappings WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	mappings := make(map[string]int)
	for rows.Next() {
		var name string
		var level int
		if err := rows.Scan(&name, &level); err != nil {
			return nil, err
		}
		mappings[name] = level
	}
	return mappings, rows.Err()
}

// Upsert writes a mapping, used by the seeder and admin tooling.
func (t *Thresholds) Upsert(ctx context.Context, permissionName string, minLevel int) error {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO level_permission_mappings (permission_name, min_level, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (permission_name) DO UPDATE SET min_level = EXCLUDED.min_level, is_active = TRUE`,
		permissionName, minLevel)
	return err
}
