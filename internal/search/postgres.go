package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Postgres implements Searcher with ILIKE matching over plate number and
// pretty id. It is the fallback when Meilisearch is absent or unhealthy.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *Postgres) Healthy() bool {
	return true
}

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	where, args := postgresWhere(q)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM inspections WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, pretty_id, plate_number, status, branch_code, overall_rating,
			COALESCE(vehicle_data->>'tipeKendaraan', '')
		FROM inspections
		WHERE %s
		ORDER BY updated_at DESC, id
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.PrettyID, &r.PlateNumber, &r.Status, &r.BranchCode, &r.OverallRating, &r.VehicleType); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func postgresWhere(q Query) (string, []any) {
	clauses := []string{"TRUE"}
	var args []any
	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, "%"+escapeLike(text)+"%", "%"+escapeLike(compactPlate(text))+"%")
		clauses = append(clauses, fmt.Sprintf(
			"(plate_number ILIKE $%d OR pretty_id ILIKE $%d OR vehicle_data->>'tipeKendaraan' ILIKE $%d OR upper(replace(plate_number, ' ', '')) LIKE $%d)",
			len(args)-1, len(args)-1, len(args)-1, len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.BranchCode != "" {
		args = append(args, q.BranchCode)
		clauses = append(clauses, fmt.Sprintf("branch_code = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// LoadAll returns every inspection as an index document for reindexing.
func (p *Postgres) LoadAll(ctx context.Context) ([]InspectionDocument, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, pretty_id, branch_code, status, plate_number, overall_rating,
			to_char(inspection_date, 'YYYY-MM-DD'),
			COALESCE(vehicle_data->>'tipeKendaraan', ''),
			EXTRACT(EPOCH FROM updated_at)::bigint
		FROM inspections
	`)
	if err != nil {
		return nil, fmt.Errorf("load inspections: %w", err)
	}
	defer rows.Close()

	docs := make([]InspectionDocument, 0)
	for rows.Next() {
		var d InspectionDocument
		if err := rows.Scan(&d.ID, &d.PrettyID, &d.BranchCode, &d.Status, &d.PlateNumber, &d.OverallRating, &d.InspectionDate, &d.VehicleType, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inspection: %w", err)
		}
		d.PlateCompact = compactPlate(d.PlateNumber)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inspections: %w", err)
	}
	return docs, nil
}
