package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	root *sql.DB
	db   queryer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{root: db, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.root
}

// Tx is the slice of the store available inside a record-creation transaction.
type Tx interface {
	IncrementSequence(ctx context.Context, branchCode, datePrefix string) (int64, error)
	InsertRecord(ctx context.Context, record InspectionRecord) error
}

// InSerializableTx runs fn inside a SERIALIZABLE transaction. Commit failures
// are returned wrapped so callers can still classify serialization errors.
func (s *PostgresStore) InSerializableTx(ctx context.Context, fn func(Tx) error) error {
	return s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(scoped *PostgresStore) error {
		return fn(scoped)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, opts *sql.TxOptions, fn func(*PostgresStore) error) error {
	tx, err := s.root.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	scoped := &PostgresStore{root: s.root, db: tx}
	if err := fn(scoped); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var sectionColumns = map[string]string{
	"identityDetails":    "identity_details",
	"vehicleData":        "vehicle_data",
	"equipmentChecklist": "equipment_checklist",
	"inspectionSummary":  "inspection_summary",
	"detailedAssessment": "detailed_assessment",
	"bodyPaintThickness": "body_paint_thickness",
}

func sectionColumnList() string {
	columns := make([]string, 0, len(SectionNames))
	for _, name := range SectionNames {
		columns = append(columns, sectionColumns[name])
	}
	return strings.Join(columns, ", ")
}

var recordColumns = `id, pretty_id, branch_code, status, inspector_id, reviewer_id,
	plate_number, inspection_date, overall_rating, ` + sectionColumnList() + `,
	COALESCE(report_url, ''), COALESCE(report_hash, ''), COALESCE(anchor_tx_ref, ''), COALESCE(asset_ref, ''),
	archived_at, deactivated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (InspectionRecord, error) {
	var (
		item          InspectionRecord
		reviewerID    sql.NullString
		archivedAt    sql.NullTime
		deactivatedAt sql.NullTime
	)
	rawSections := make([][]byte, len(SectionNames))
	dest := []any{
		&item.ID,
		&item.PrettyID,
		&item.BranchCode,
		&item.Status,
		&item.InspectorID,
		&reviewerID,
		&item.Content.PlateNumber,
		&item.Content.InspectionDate,
		&item.Content.OverallRating,
	}
	for i := range rawSections {
		dest = append(dest, &rawSections[i])
	}
	dest = append(dest,
		&item.Archival.ReportURL,
		&item.Archival.ReportHash,
		&item.Archival.AnchorTxRef,
		&item.Archival.AssetRef,
		&archivedAt,
		&deactivatedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return InspectionRecord{}, err
	}

	item.Content.Sections = make(map[string]map[string]any, len(SectionNames))
	for i, name := range SectionNames {
		section := map[string]any{}
		if len(rawSections[i]) > 0 {
			if err := json.Unmarshal(rawSections[i], &section); err != nil {
				return InspectionRecord{}, fmt.Errorf("decode section %s: %w", name, err)
			}
		}
		if section == nil {
			section = map[string]any{}
		}
		item.Content.Sections[name] = section
	}
	if reviewerID.Valid {
		value := reviewerID.String
		item.ReviewerID = &value
	}
	if archivedAt.Valid {
		value := archivedAt.Time
		item.ArchivedAt = &value
	}
	if deactivatedAt.Valid {
		value := deactivatedAt.Time
		item.DeactivatedAt = &value
	}
	return item, nil
}

func encodeSections(content Content) ([]any, error) {
	values := make([]any, 0, len(SectionNames))
	for _, name := range SectionNames {
		section := content.Sections[name]
		if section == nil {
			section = map[string]any{}
		}
		encoded, err := json.Marshal(section)
		if err != nil {
			return nil, fmt.Errorf("encode section %s: %w", name, err)
		}
		values = append(values, string(encoded))
	}
	return values, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (InspectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM inspections WHERE id=$1`, recordID)
	return scanRecord(row)
}

func (s *PostgresStore) GetRecordByPrettyID(ctx context.Context, prettyID string) (InspectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM inspections WHERE pretty_id=$1`, prettyID)
	return scanRecord(row)
}

func (s *PostgresStore) InsertRecord(ctx context.Context, record InspectionRecord) error {
	sections, err := encodeSections(record.Content)
	if err != nil {
		return err
	}
	status := record.Status
	if status == "" {
		status = StatusNeedReview
	}
	args := []any{
		record.ID,
		record.PrettyID,
		record.BranchCode,
		status,
		record.InspectorID,
		record.Content.PlateNumber,
		record.Content.InspectionDate,
		record.Content.OverallRating,
	}
	args = append(args, sections...)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inspections (id, pretty_id, branch_code, status, inspector_id, plate_number, inspection_date, overall_rating, `+sectionColumnList()+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb, $13::jsonb, $14::jsonb)
	`, args...)
	if err != nil {
		return fmt.Errorf("insert inspection: %w", err)
	}
	return nil
}

// IncrementSequence upserts the (branch, date) counter and returns the
// sequence number reserved for the caller.
func (s *PostgresStore) IncrementSequence(ctx context.Context, branchCode, datePrefix string) (int64, error) {
	var reserved int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (branch_code, date_prefix, next_sequence)
		VALUES ($1, $2, 2)
		ON CONFLICT (branch_code, date_prefix)
		DO UPDATE SET next_sequence = sequence_counters.next_sequence + 1
		RETURNING next_sequence - 1
	`, branchCode, datePrefix).Scan(&reserved)
	if err != nil {
		return 0, fmt.Errorf("increment sequence: %w", err)
	}
	return reserved, nil
}

func (s *PostgresStore) GetSequenceCounter(ctx context.Context, branchCode, datePrefix string) (SequenceCounter, error) {
	item := SequenceCounter{BranchCode: branchCode, DatePrefix: datePrefix}
	err := s.db.QueryRowContext(ctx, `
		SELECT next_sequence FROM sequence_counters WHERE branch_code=$1 AND date_prefix=$2
	`, branchCode, datePrefix).Scan(&item.NextSequence)
	if err != nil {
		return SequenceCounter{}, err
	}
	return item, nil
}

// CompareAndSwapStatus applies patch only when the record is currently in one
// of the from statuses. It reports whether a row was updated.
func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, recordID string, from []string, patch RecordPatch) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("compare and swap requires at least one source status")
	}
	sets := []string{"status=$1", "updated_at=NOW()"}
	args := []any{patch.Status}
	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Content != nil {
		sections, err := encodeSections(*patch.Content)
		if err != nil {
			return false, err
		}
		sets = append(sets,
			"plate_number="+next(patch.Content.PlateNumber),
			"inspection_date="+next(patch.Content.InspectionDate),
			"overall_rating="+next(patch.Content.OverallRating),
		)
		for i, name := range SectionNames {
			sets = append(sets, sectionColumns[name]+"="+next(sections[i])+"::jsonb")
		}
	}
	if patch.SetReviewer {
		sets = append(sets, "reviewer_id="+next(nullableString(patch.ReviewerID)))
	}
	if patch.Archival != nil {
		sets = append(sets,
			"report_url="+next(nilIfEmpty(patch.Archival.ReportURL)),
			"report_hash="+next(nilIfEmpty(patch.Archival.ReportHash)),
			"anchor_tx_ref="+next(nilIfEmpty(patch.Archival.AnchorTxRef)),
			"asset_ref="+next(nilIfEmpty(patch.Archival.AssetRef)),
		)
	}
	if patch.SetArchivedAt {
		sets = append(sets, "archived_at="+next(nullableTime(patch.ArchivedAt)))
	}
	if patch.SetDeactivatedAt {
		sets = append(sets, "deactivated_at="+next(nullableTime(patch.DeactivatedAt)))
	}

	idParam := next(recordID)
	statusParams := make([]string, 0, len(from))
	for _, status := range from {
		statusParams = append(statusParams, next(status))
	}

	query := fmt.Sprintf(`UPDATE inspections SET %s WHERE id=%s AND status IN (%s)`,
		strings.Join(sets, ", "), idParam, strings.Join(statusParams, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update inspection status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update inspection status rows: %w", err)
	}
	return affected > 0, nil
}

// AppendChangeLog inserts entries in one transaction, in slice order, and
// returns them with their assigned ids.
func (s *PostgresStore) AppendChangeLog(ctx context.Context, entries []ChangeLogEntry) ([]ChangeLogEntry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	saved := make([]ChangeLogEntry, 0, len(entries))
	err := s.inTx(ctx, nil, func(scoped *PostgresStore) error {
		for _, entry := range entries {
			path, err := json.Marshal(entry.Path)
			if err != nil {
				return fmt.Errorf("encode change path: %w", err)
			}
			oldValue, err := json.Marshal(entry.OldValue)
			if err != nil {
				return fmt.Errorf("encode old value: %w", err)
			}
			newValue, err := json.Marshal(entry.NewValue)
			if err != nil {
				return fmt.Errorf("encode new value: %w", err)
			}
			if err := scoped.db.QueryRowContext(ctx, `
				INSERT INTO inspection_change_log (inspection_id, actor_id, path, old_value, new_value, created_at)
				VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6)
				RETURNING id
			`, entry.RecordID, entry.ActorID, string(path), string(oldValue), string(newValue), entry.CreatedAt).Scan(&entry.ID); err != nil {
				return fmt.Errorf("insert change log entry: %w", err)
			}
			saved = append(saved, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *PostgresStore) ListChangeLog(ctx context.Context, recordID string) ([]ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inspection_id, actor_id, path, old_value, new_value, created_at
		FROM inspection_change_log
		WHERE inspection_id=$1
		ORDER BY created_at ASC, id ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeLogEntry, 0)
	for rows.Next() {
		var (
			item     ChangeLogEntry
			path     []byte
			oldValue []byte
			newValue []byte
		)
		if err := rows.Scan(&item.ID, &item.RecordID, &item.ActorID, &path, &oldValue, &newValue, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		if err := json.Unmarshal(path, &item.Path); err != nil {
			return nil, fmt.Errorf("decode change path: %w", err)
		}
		if err := decodeNullableJSON(oldValue, &item.OldValue); err != nil {
			return nil, fmt.Errorf("decode old value: %w", err)
		}
		if err := decodeNullableJSON(newValue, &item.NewValue); err != nil {
			return nil, fmt.Errorf("decode new value: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.root.PingContext(ctx)
}

func decodeNullableJSON(raw []byte, target *any) error {
	if len(raw) == 0 {
		*target = nil
		return nil
	}
	return json.Unmarshal(raw, target)
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}
