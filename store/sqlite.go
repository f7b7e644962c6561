package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/triage"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteStore is the embedded backend.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var (
	_ QuestionnaireRepository = (*SQLiteStore)(nil)
	_ CatalogRepository       = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at path and runs the
// schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	// Immediate transactions take the write lock up front so the completion
	// read and the response writes see the same state.
	db, err := openDB("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS questionnaires (
			id            TEXT    PRIMARY KEY,
			patient_id    TEXT    NOT NULL,
			regimen_code  TEXT    NOT NULL,
			cycle_number  INTEGER NOT NULL,
			day_in_cycle  INTEGER NOT NULL,
			nadir_active  INTEGER NOT NULL DEFAULT 0,
			item_codes    TEXT    NOT NULL DEFAULT '[]',
			status        TEXT    NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed')),
			triaged       INTEGER NOT NULL DEFAULT 0,
			triaged_at    TEXT,
			triaged_by    TEXT,
			created_at    TEXT    NOT NULL,
			completed_at  TEXT,
			CHECK ((triaged = 0 AND triaged_at IS NULL AND triaged_by IS NULL)
				OR (triaged = 1 AND triaged_at IS NOT NULL AND triaged_by IS NOT NULL AND status = 'completed'))
		);

		CREATE INDEX IF NOT EXISTS idx_questionnaires_patient ON questionnaires(patient_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_questionnaires_queue ON questionnaires(status, triaged, completed_at);

		CREATE TABLE IF NOT EXISTS questionnaire_responses (
			questionnaire_id TEXT    NOT NULL REFERENCES questionnaires(id) ON DELETE CASCADE,
			item_code        TEXT    NOT NULL,
			value            INTEGER NOT NULL,
			answered_at      TEXT    NOT NULL,
			PRIMARY KEY (questionnaire_id, item_code)
		);

		CREATE TABLE IF NOT EXISTS drug_modules (
			canonical_name    TEXT PRIMARY KEY,
			alternative_names TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS drug_module_items (
			canonical_name TEXT    NOT NULL REFERENCES drug_modules(canonical_name) ON DELETE CASCADE,
			position       INTEGER NOT NULL,
			item_code      TEXT    NOT NULL,
			attribute      TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (canonical_name, position)
		);

		CREATE TABLE IF NOT EXISTS regimens (
			regimen_code      TEXT    PRIMARY KEY,
			regimen_name      TEXT    NOT NULL DEFAULT '',
			drug_composition  TEXT    NOT NULL DEFAULT '[]',
			cycle_length_days INTEGER NOT NULL DEFAULT 0,
			nadir_start       INTEGER NOT NULL DEFAULT 0,
			nadir_end         INTEGER NOT NULL DEFAULT 0
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

const sqliteQuestionnaireCols = `id, patient_id, regimen_code, cycle_number, day_in_cycle,
	nadir_active, item_codes, status, triaged, triaged_at, triaged_by, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteQuestionnaire(row rowScanner) (*triage.Questionnaire, error) {
	var (
		q                                 triage.Questionnaire
		itemCodes, status, createdAt      string
		triagedAt, triagedBy, completedAt sql.NullString
	)
	err := row.Scan(&q.ID, &q.PatientID, &q.RegimenCode, &q.CycleNumber, &q.DayInCycle,
		&q.NadirActive, &itemCodes, &status, &q.Triaged, &triagedAt, &triagedBy, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(itemCodes), &q.ItemCodes); err != nil {
		return nil, fmt.Errorf("questionnaire %s: decode item codes: %w", q.ID, err)
	}
	if q.Status, err = triage.ParseStatus(status); err != nil {
		return nil, err
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if q.TriagedAt, err = parseNullTime(triagedAt); err != nil {
		return nil, err
	}
	if q.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if triagedBy.Valid {
		q.TriagedBy = &triagedBy.String
	}
	return &q, nil
}

func (s *SQLiteStore) CreateQuestionnaire(ctx context.Context, q *triage.Questionnaire) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = triage.StatusPending
	}
	if q.ItemCodes == nil {
		q.ItemCodes = []string{}
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = timeNow().UTC()
	}

	codes, err := json.Marshal(q.ItemCodes)
	if err != nil {
		return fmt.Errorf("store: encode item codes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO questionnaires (id, patient_id, regimen_code, cycle_number, day_in_cycle,
			nadir_active, item_codes, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.PatientID, q.RegimenCode, q.CycleNumber, q.DayInCycle,
		q.NadirActive, string(codes), string(q.Status), formatTime(q.CreatedAt), formatNullTime(q.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: %s: %w", q.ID, ErrDuplicateQuestionnaire)
		}
		return fmt.Errorf("store: create questionnaire: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetQuestionnaire(ctx context.Context, id string) (*triage.Questionnaire, error) {
	return s.getQuestionnaire(ctx, s.db, id)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getQuestionnaire(ctx context.Context, db sqliteQuerier, id string) (*triage.Questionnaire, error) {
	q, err := scanSQLiteQuestionnaire(db.QueryRowContext(ctx,
		`SELECT `+sqliteQuestionnaireCols+` FROM questionnaires WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get questionnaire: %w", err)
	}
	return q, nil
}

// SubmitResponses upserts the responses and re-evaluates completion in one
// transaction. The returned bool reports whether this call completed the
// questionnaire.
func (s *SQLiteStore) SubmitResponses(ctx context.Context, id string, responses []Response) (*triage.Questionnaire, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q, err := s.getQuestionnaire(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if q.Triaged {
		return nil, false, fmt.Errorf("store: %s: %w", id, triage.ErrAlreadyTriaged)
	}
	if err := checkItems(q, responses); err != nil {
		return nil, false, err
	}

	now := timeNow().UTC()
	for _, r := range responses {
		answeredAt := r.AnsweredAt
		if answeredAt.IsZero() {
			answeredAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO questionnaire_responses (questionnaire_id, item_code, value, answered_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (questionnaire_id, item_code)
			DO UPDATE SET value = excluded.value, answered_at = excluded.answered_at`,
			id, r.ItemCode, r.Value, formatTime(answeredAt))
		if err != nil {
			return nil, false, fmt.Errorf("store: upsert response %s: %w", r.ItemCode, err)
		}
	}

	answered, err := s.answeredCodes(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	completed, err := triage.Complete(q, answeredSet(answered))
	if err != nil {
		return nil, false, err
	}
	if completed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE questionnaires SET status = ?, completed_at = ? WHERE id = ? AND status = 'pending'`,
			string(q.Status), formatNullTime(q.CompletedAt), id); err != nil {
			return nil, false, fmt.Errorf("store: complete questionnaire: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("store: commit responses: %w", err)
	}
	return q, completed, nil
}

func (s *SQLiteStore) answeredCodes(ctx context.Context, db sqliteQuerier, id string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT item_code FROM questionnaire_responses WHERE questionnaire_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: read answered items: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (s *SQLiteStore) ListResponses(ctx context.Context, id string) ([]Response, error) {
	if _, err := s.GetQuestionnaire(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT questionnaire_id, item_code, value, answered_at
		FROM questionnaire_responses WHERE questionnaire_id = ?
		ORDER BY item_code`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list responses: %w", err)
	}
	defer rows.Close()

	out := []Response{}
	for rows.Next() {
		var (
			r          Response
			answeredAt string
		)
		if err := rows.Scan(&r.QuestionnaireID, &r.ItemCode, &r.Value, &answeredAt); err != nil {
			return nil, err
		}
		if r.AnsweredAt, err = parseTime(answeredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TriageQuestionnaire(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q, err := s.getQuestionnaire(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := triage.Triage(q, clinicianID); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE questionnaires SET triaged = 1, triaged_at = ?, triaged_by = ?
		WHERE id = ? AND triaged = 0 AND status = 'completed'`,
		formatNullTime(q.TriagedAt), *q.TriagedBy, id)
	if err != nil {
		return nil, fmt.Errorf("store: triage questionnaire: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("store: %s: %w", id, triage.ErrAlreadyTriaged)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit triage: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) ListActiveQueue(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error) {
	const where = `WHERE status = 'completed' AND triaged = 0`
	return s.list(ctx, where, `ORDER BY completed_at ASC, id`, limit, offset)
}

func (s *SQLiteStore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error) {
	return s.list(ctx, `WHERE patient_id = ?`, `ORDER BY created_at DESC, id`, limit, offset, patientID)
}

func (s *SQLiteStore) list(ctx context.Context, where, order string, limit, offset int, args ...any) ([]*triage.Questionnaire, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questionnaires `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count questionnaires: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteQuestionnaireCols+` FROM questionnaires `+where+` `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list questionnaires: %w", err)
	}
	defer rows.Close()

	items := []*triage.Questionnaire{}
	for rows.Next() {
		q, err := scanSQLiteQuestionnaire(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, q)
	}
	return items, total, rows.Err()
}

// ReplaceCatalog swaps the whole catalog in one transaction. Aliases and
// compositions are stored as JSON arrays.
func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, modules []entities.DrugModule, regimens []entities.Regimen) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM drug_module_items`, `DELETE FROM drug_modules`, `DELETE FROM regimens`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: clear catalog: %w", err)
		}
	}

	for _, m := range modules {
		aliases, err := json.Marshal(nonNil(m.AlternativeNames))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO drug_modules (canonical_name, alternative_names) VALUES (?, ?)`,
			m.CanonicalName, string(aliases)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("store: duplicate drug module %q", m.CanonicalName)
			}
			return fmt.Errorf("store: insert drug module: %w", err)
		}
		for i, item := range m.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO drug_module_items (canonical_name, position, item_code, attribute) VALUES (?, ?, ?, ?)`,
				m.CanonicalName, i, item.ItemCode, item.Attribute); err != nil {
				return fmt.Errorf("store: insert item %s: %w", item.ItemCode, err)
			}
		}
	}

	for _, r := range regimens {
		composition, err := json.Marshal(nonNil(r.DrugComposition))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO regimens (regimen_code, regimen_name, drug_composition, cycle_length_days, nadir_start, nadir_end)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.RegimenCode, r.RegimenName, string(composition), r.CycleLengthDays,
			r.NadirWindow.Start, r.NadirWindow.End); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("store: duplicate regimen %q", r.RegimenCode)
			}
			return fmt.Errorf("store: insert regimen: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadCatalog(ctx context.Context) ([]entities.DrugModule, []entities.Regimen, error) {
	modules, err := s.loadModules(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT regimen_code, regimen_name, drug_composition, cycle_length_days, nadir_start, nadir_end
		FROM regimens ORDER BY regimen_code`)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load regimens: %w", err)
	}
	defer rows.Close()

	var regimens []entities.Regimen
	for rows.Next() {
		var (
			r           entities.Regimen
			composition string
		)
		if err := rows.Scan(&r.RegimenCode, &r.RegimenName, &composition, &r.CycleLengthDays,
			&r.NadirWindow.Start, &r.NadirWindow.End); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(composition), &r.DrugComposition); err != nil {
			return nil, nil, fmt.Errorf("store: regimen %s: decode composition: %w", r.RegimenCode, err)
		}
		regimens = append(regimens, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return modules, regimens, nil
}

func (s *SQLiteStore) loadModules(ctx context.Context) ([]entities.DrugModule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical_name, alternative_names FROM drug_modules ORDER BY canonical_name`)
	if err != nil {
		return nil, fmt.Errorf("store: load drug modules: %w", err)
	}

	var (
		modules []entities.DrugModule
		byName  = make(map[string]int)
	)
	for rows.Next() {
		var (
			m       entities.DrugModule
			aliases string
		)
		if err := rows.Scan(&m.CanonicalName, &aliases); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(aliases), &m.AlternativeNames); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: module %s: decode aliases: %w", m.CanonicalName, err)
		}
		byName[m.CanonicalName] = len(modules)
		modules = append(modules, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: the module cursor is closed before this query runs.
	items, err := s.db.QueryContext(ctx,
		`SELECT canonical_name, item_code, attribute FROM drug_module_items ORDER BY canonical_name, position`)
	if err != nil {
		return nil, fmt.Errorf("store: load drug module items: %w", err)
	}
	defer items.Close()

	for items.Next() {
		var owner string
		var it entities.ItemTemplate
		if err := items.Scan(&owner, &it.ItemCode, &it.Attribute); err != nil {
			return nil, err
		}
		idx, ok := byName[owner]
		if !ok {
			continue
		}
		modules[idx].Items = append(modules[idx].Items, it)
	}
	return modules, items.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
