package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pabawi/pabawi/errors"
)

const (
	// DefaultPageSize is the page size used when the caller does not specify one
	DefaultPageSize = 25
	// MaxPageSize caps the number of records returned per page
	MaxPageSize = 200
)

// Store handles persistence of execution records
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRecord inserts a new execution record into the database
func (s *Store) CreateRecord(rec *Record) error {
	targetsJSON, err := marshalTargets(rec.TargetNodes)
	if err != nil {
		return err
	}
	resultsJSON, err := marshalResults(rec.Results)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (
			id, kind, target_nodes, payload, status,
			action, error, results,
			requested_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(rec.Payload), Valid: len(rec.Payload) > 0}
	action := sql.NullString{String: rec.Action, Valid: rec.Action != ""}
	errorMsg := sql.NullString{String: rec.Error, Valid: rec.Error != ""}

	_, err = s.db.Exec(query,
		rec.ID,
		rec.Kind,
		targetsJSON,
		payload,
		rec.Status,
		action,
		errorMsg,
		resultsJSON,
		rec.RequestedAt,
		rec.StartedAt,
		rec.CompletedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return errors.Wrap(err, "failed to create execution record")
	}

	return nil
}

// GetRecord retrieves an execution record by ID
func (s *Store) GetRecord(id string) (*Record, error) {
	query := `SELECT ` + StandardRecordSelectColumns() + ` FROM executions WHERE id = ?`

	var rec Record
	args := GetRecordScanArgs()
	targets := GetRecordScanTargets(&rec, args)

	err := s.db.QueryRow(query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution record")
	}

	if err := ProcessRecordScanArgs(&rec, args); err != nil {
		return nil, err
	}

	return &rec, nil
}

// UpdateRecord updates an existing execution record in the database.
// Update is the only mutation path after CreateRecord.
func (s *Store) UpdateRecord(rec *Record) error {
	resultsJSON, err := marshalResults(rec.Results)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET status = ?,
		    action = ?,
		    error = ?,
		    results = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	action := sql.NullString{String: rec.Action, Valid: rec.Action != ""}
	errorMsg := sql.NullString{String: rec.Error, Valid: rec.Error != ""}

	result, err := s.db.Exec(query,
		rec.Status,
		action,
		errorMsg,
		resultsJSON,
		rec.StartedAt,
		rec.CompletedAt,
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution record")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution not found: %s", rec.ID)
	}

	return nil
}

// Filter selects execution records in FindAll. Zero values mean "no filter".
type Filter struct {
	Status     *Status
	Kind       string
	TargetNode string
	StartDate  *time.Time
	EndDate    *time.Time
}

// Page selects a result window in FindAll. Page numbers start at 1.
type Page struct {
	Number int
	Size   int
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// FindAll returns execution records matching the filter, most-recent-first,
// along with the total number of matching records for pagination.
func (s *Store) FindAll(filter Filter, page Page) ([]*Record, int, error) {
	page = page.normalize()

	where, args := buildFilterClause(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM executions` + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count execution records")
	}

	query := `SELECT ` + StandardRecordSelectColumns() + ` FROM executions` + where +
		` ORDER BY requested_at DESC LIMIT ? OFFSET ?`
	args = append(args, page.Size, (page.Number-1)*page.Size)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list execution records")
	}
	defer rows.Close()

	records, err := scanRecords(rows, "executions")
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// CountByStatus returns the number of records with the given status.
func (s *Store) CountByStatus(status Status) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s executions", status)
	}
	return count, nil
}

// buildFilterClause assembles the WHERE clause and its arguments for a filter.
func buildFilterClause(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.TargetNode != "" {
		// target_nodes is stored as a JSON array string; match the quoted element
		clauses = append(clauses, "target_nodes LIKE ?")
		args = append(args, fmt.Sprintf(`%%"%s"%%`, filter.TargetNode))
	}
	if filter.StartDate != nil {
		clauses = append(clauses, "requested_at >= ?")
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		clauses = append(clauses, "requested_at <= ?")
		args = append(args, *filter.EndDate)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// scanRecords is a helper that scans multiple records from query rows
func scanRecords(rows *sql.Rows, context string) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var rec Record
		if err := ScanRecordFromRows(rows, &rec); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution record")
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return records, nil
}
