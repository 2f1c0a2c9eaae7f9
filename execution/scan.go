package execution

import (
	"database/sql"
	"encoding/json"

	"github.com/pabawi/pabawi/errors"
)

// RecordScanArgs holds the nullable columns needed when scanning an
// execution record from a database row.
type RecordScanArgs struct {
	Payload     sql.NullString
	Action      sql.NullString
	ErrorMsg    sql.NullString
	ResultsJSON sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	TargetsJSON string
}

// GetRecordScanArgs returns a RecordScanArgs struct ready for scanning
func GetRecordScanArgs() *RecordScanArgs {
	return &RecordScanArgs{}
}

// GetRecordScanTargets returns scan destinations for the record and its
// nullable columns, in the order of StandardRecordSelectColumns.
func GetRecordScanTargets(rec *Record, args *RecordScanArgs) []interface{} {
	return []interface{}{
		&rec.ID,
		&rec.Kind,
		&args.TargetsJSON,
		&args.Payload,
		&rec.Status,
		&args.Action,
		&args.ErrorMsg,
		&args.ResultsJSON,
		&rec.RequestedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&rec.UpdatedAt,
	}
}

// StandardRecordSelectColumns returns the column list used by every
// record SELECT, matching the order expected by GetRecordScanTargets.
func StandardRecordSelectColumns() string {
	return `id, kind, target_nodes, payload, status, action, error, results,
		requested_at, started_at, completed_at, updated_at`
}

// ProcessRecordScanArgs decodes the scanned nullable columns into the record.
func ProcessRecordScanArgs(rec *Record, args *RecordScanArgs) error {
	if err := json.Unmarshal([]byte(args.TargetsJSON), &rec.TargetNodes); err != nil {
		return errors.Wrapf(err, "failed to decode target nodes for execution %s", rec.ID)
	}

	if args.Payload.Valid {
		rec.Payload = []byte(args.Payload.String)
	}
	if args.Action.Valid {
		rec.Action = args.Action.String
	}
	if args.ErrorMsg.Valid {
		rec.Error = args.ErrorMsg.String
	}
	if args.ResultsJSON.Valid && args.ResultsJSON.String != "" {
		if err := json.Unmarshal([]byte(args.ResultsJSON.String), &rec.Results); err != nil {
			return errors.Wrapf(err, "failed to decode results for execution %s", rec.ID)
		}
	}
	if args.StartedAt.Valid {
		rec.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		rec.CompletedAt = &args.CompletedAt.Time
	}

	return nil
}

// ScanRecordFromRows scans a single record from a sql.Rows cursor.
func ScanRecordFromRows(rows *sql.Rows, rec *Record) error {
	args := GetRecordScanArgs()
	targets := GetRecordScanTargets(rec, args)
	if err := rows.Scan(targets...); err != nil {
		return err
	}
	return ProcessRecordScanArgs(rec, args)
}

// marshalTargets encodes target nodes as a JSON array string for storage.
func marshalTargets(nodes []string) (string, error) {
	data, err := json.Marshal(nodes)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal target nodes")
	}
	return string(data), nil
}

// marshalResults encodes per-node results as a JSON string for storage.
// Returns an invalid NullString when there are no results yet.
func marshalResults(results []NodeResult) (sql.NullString, error) {
	if len(results) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal node results")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
