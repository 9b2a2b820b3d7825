// Package serialization moves the SQLite metadata catalog to and from a
// portable JSON document.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// Version is the writer version stamped into the envelope source field.
	Version = "0.1.0"

	// ExportVersion is the document format version.
	ExportVersion = 1

	envelopeKey      = "bleepstore_export"
	redactedSecret   = "REDACTED"
	exportTimeFormat = "2006-01-02T15:04:05.000Z"
)

// tableSpec describes one catalog table: its column order for scanning and
// inserting, and the ORDER BY clause that makes exports deterministic.
type tableSpec struct {
	name    string
	columns []string
	orderBy string
}

// catalog lists the exportable tables in foreign-key dependency order.
// Iterating forward is safe for inserts, backward for deletes.
var catalog = []tableSpec{
	{
		name:    "buckets",
		columns: []string{"name", "region", "owner_id", "owner_display", "acl", "created_at"},
		orderBy: "name",
	},
	{
		name: "objects",
		columns: []string{
			"bucket", "key", "size", "etag", "content_type", "content_encoding",
			"content_language", "content_disposition", "cache_control", "expires",
			"storage_class", "acl", "user_metadata", "last_modified", "delete_marker",
		},
		orderBy: "bucket, key",
	},
	{
		name: "multipart_uploads",
		columns: []string{
			"upload_id", "bucket", "key", "content_type", "content_encoding",
			"content_language", "content_disposition", "cache_control", "expires",
			"storage_class", "acl", "user_metadata", "owner_id", "owner_display",
			"initiated_at",
		},
		orderBy: "upload_id",
	},
	{
		name:    "multipart_parts",
		columns: []string{"upload_id", "part_number", "size", "etag", "last_modified"},
		orderBy: "upload_id, part_number",
	},
	{
		name:    "credentials",
		columns: []string{"access_key_id", "secret_key", "owner_id", "display_name", "active", "created_at"},
		orderBy: "access_key_id",
	},
}

// AllTables lists every exportable table name in dependency order.
var AllTables = func() []string {
	names := make([]string, len(catalog))
	for i, spec := range catalog {
		names[i] = spec.name
	}
	return names
}()

func specFor(name string) (tableSpec, bool) {
	for _, spec := range catalog {
		if spec.name == name {
			return spec, true
		}
	}
	return tableSpec{}, false
}

// isJSONColumn reports whether a column stores a JSON document that is
// expanded on export and collapsed back to text on import.
func isJSONColumn(col string) bool {
	return col == "acl" || col == "user_metadata"
}

// isBoolColumn reports whether a column stores an integer boolean.
func isBoolColumn(col string) bool {
	return col == "delete_marker" || col == "active"
}

// ExportOptions selects which tables an export covers and whether credential
// secrets survive it.
type ExportOptions struct {
	Tables             []string
	IncludeCredentials bool
}

// ImportOptions controls merge-versus-replace behaviour on import.
type ImportOptions struct {
	Replace bool
}

// ImportResult reports per-table inserted and skipped row counts plus any
// row-level warnings.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ExportMetadata renders the catalog at dbPath as a canonical JSON document.
// Credential secret keys are replaced with REDACTED unless the options say
// otherwise.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening metadata database: %w", err)
	}
	defer db.Close()

	doc := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format(exportTimeFormat),
			"schema_version": schemaVersionOf(db),
			"source":         "go/" + Version,
		},
	}
	for _, name := range opts.Tables {
		spec, ok := specFor(name)
		if !ok {
			continue
		}
		records, err := exportTable(db, spec, opts.IncludeCredentials)
		if err != nil {
			return "", err
		}
		doc[spec.name] = records
	}

	// encoding/json sorts map keys, so the output is deterministic.
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding export document: %w", err)
	}
	return string(out), nil
}

func exportTable(db *sql.DB, spec tableSpec, includeSecrets bool) ([]map[string]any, error) {
	rows, err := db.Query(fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
		strings.Join(spec.columns, ", "), spec.name, spec.orderBy))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", spec.name, err)
	}
	defer rows.Close()

	records := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(spec.columns))
		ptrs := make([]any, len(spec.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", spec.name, err)
		}

		rec := make(map[string]any, len(spec.columns))
		for i, col := range spec.columns {
			rec[col] = expandColumn(col, values[i])
		}
		if spec.name == "credentials" && !includeSecrets {
			rec["secret_key"] = redactedSecret
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", spec.name, err)
	}
	return records, nil
}

// ImportMetadata loads an export document into the catalog at dbPath.
// Credential rows whose secret was redacted on export are skipped with a
// warning; they cannot be restored.
func ImportMetadata(dbPath string, doc string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(doc), &data); err != nil {
		return nil, fmt.Errorf("parsing export document: %w", err)
	}
	envelope, _ := data[envelopeKey].(map[string]any)
	if v, _ := envelope["version"].(float64); v < 1 || v > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", v)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for i := len(catalog) - 1; i >= 0; i-- {
			spec := catalog[i]
			if _, present := data[spec.name]; !present {
				continue
			}
			if _, err := tx.Exec(`DELETE FROM ` + spec.name); err != nil {
				return nil, fmt.Errorf("clearing %s: %w", spec.name, err)
			}
		}
	}

	res := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}
	for _, spec := range catalog {
		records, ok := data[spec.name].([]any)
		if !ok {
			continue
		}
		importTable(tx, spec, records, opts.Replace, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return res, nil
}

func importTable(tx *sql.Tx, spec tableSpec, records []any, replace bool, res *ImportResult) {
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT"
	}
	stmt := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, spec.name, strings.Join(spec.columns, ", "), placeholders(len(spec.columns)))

	inserted, skipped := 0, 0
	for _, raw := range records {
		rec, ok := raw.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		if spec.name == "credentials" {
			if sk, _ := rec["secret_key"].(string); sk == redactedSecret {
				skipped++
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("Skipped credential '%v': REDACTED secret_key", rec["access_key_id"]))
				continue
			}
		}

		args := make([]any, len(spec.columns))
		for i, col := range spec.columns {
			args[i] = flattenColumn(col, rec[col])
		}
		result, err := tx.Exec(stmt, args...)
		if err != nil {
			skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("Skipped %s row: %v", spec.name, err))
			continue
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	res.Counts[spec.name] = inserted
	res.Skipped[spec.name] = skipped
}

func schemaVersionOf(db *sql.DB) int {
	version := 1
	db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	return version
}

// expandColumn converts a scanned SQLite value to its document form: JSON
// text columns become nested documents, integer booleans become bools, and
// []byte text becomes string.
func expandColumn(col string, v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch {
	case isJSONColumn(col):
		s, _ := v.(string)
		var nested any
		if err := json.Unmarshal([]byte(s), &nested); err != nil {
			return map[string]any{}
		}
		return nested
	case isBoolColumn(col):
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		case bool:
			return n
		}
		return false
	}
	return v
}

// flattenColumn is the inverse of expandColumn: nested documents back to
// JSON text, bools back to integers. Everything else passes through for the
// driver to bind.
func flattenColumn(col string, v any) any {
	if v == nil {
		return nil
	}
	switch {
	case isJSONColumn(col):
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	case isBoolColumn(col):
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
