package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/triage"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresStore is the shared backend. Row locks (SELECT ... FOR UPDATE)
// serialize concurrent submissions for the same questionnaire.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ QuestionnaireRepository = (*PostgresStore)(nil)
	_ CatalogRepository       = (*PostgresStore)(nil)
)

// NewPostgresStore connects to databaseURL and runs the schema migration.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS questionnaires (
			id            TEXT        PRIMARY KEY,
			patient_id    TEXT        NOT NULL,
			regimen_code  TEXT        NOT NULL,
			cycle_number  INTEGER     NOT NULL,
			day_in_cycle  INTEGER     NOT NULL,
			nadir_active  BOOLEAN     NOT NULL DEFAULT FALSE,
			item_codes    TEXT[]      NOT NULL DEFAULT '{}',
			status        TEXT        NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed')),
			triaged       BOOLEAN     NOT NULL DEFAULT FALSE,
			triaged_at    TIMESTAMPTZ,
			triaged_by    TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ,
			CHECK ((NOT triaged AND triaged_at IS NULL AND triaged_by IS NULL)
				OR (triaged AND triaged_at IS NOT NULL AND triaged_by IS NOT NULL AND status = 'completed'))
		);

		CREATE INDEX IF NOT EXISTS idx_questionnaires_patient ON questionnaires(patient_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_questionnaires_queue ON questionnaires(status, triaged, completed_at);

		CREATE TABLE IF NOT EXISTS questionnaire_responses (
			questionnaire_id TEXT        NOT NULL REFERENCES questionnaires(id) ON DELETE CASCADE,
			item_code        TEXT        NOT NULL,
			value            INTEGER     NOT NULL,
			answered_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (questionnaire_id, item_code)
		);

		CREATE TABLE IF NOT EXISTS drug_modules (
			canonical_name    TEXT   PRIMARY KEY,
			alternative_names TEXT[] NOT NULL DEFAULT '{}'
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
			drug_composition  TEXT[]  NOT NULL DEFAULT '{}',
			cycle_length_days INTEGER NOT NULL DEFAULT 0,
			nadir_start       INTEGER NOT NULL DEFAULT 0,
			nadir_end         INTEGER NOT NULL DEFAULT 0
		);`)
	return err
}

const pgQuestionnaireCols = `id, patient_id, regimen_code, cycle_number, day_in_cycle,
	nadir_active, item_codes, status, triaged, triaged_at, triaged_by, created_at, completed_at`

func scanPGQuestionnaire(row pgx.Row) (*triage.Questionnaire, error) {
	var (
		q      triage.Questionnaire
		status string
	)
	err := row.Scan(&q.ID, &q.PatientID, &q.RegimenCode, &q.CycleNumber, &q.DayInCycle,
		&q.NadirActive, &q.ItemCodes, &status, &q.Triaged, &q.TriagedAt, &q.TriagedBy,
		&q.CreatedAt, &q.CompletedAt)
	if err != nil {
		return nil, err
	}
	if q.Status, err = triage.ParseStatus(status); err != nil {
		return nil, err
	}
	if q.ItemCodes == nil {
		q.ItemCodes = []string{}
	}
	return &q, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateQuestionnaire(ctx context.Context, q *triage.Questionnaire) error {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO questionnaires (id, patient_id, regimen_code, cycle_number, day_in_cycle,
			nadir_active, item_codes, status, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		q.ID, q.PatientID, q.RegimenCode, q.CycleNumber, q.DayInCycle,
		q.NadirActive, q.ItemCodes, string(q.Status), q.CreatedAt, q.CompletedAt)
	if err != nil {
		if isPGUniqueViolation(err) {
			return fmt.Errorf("store: %s: %w", q.ID, ErrDuplicateQuestionnaire)
		}
		return fmt.Errorf("store: create questionnaire: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQuestionnaire(ctx context.Context, id string) (*triage.Questionnaire, error) {
	return s.getQuestionnaire(ctx, s.pool, id, false)
}

func (s *PostgresStore) getQuestionnaire(ctx context.Context, db queryable, id string, forUpdate bool) (*triage.Questionnaire, error) {
	query := `SELECT ` + pgQuestionnaireCols + ` FROM questionnaires WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	q, err := scanPGQuestionnaire(db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get questionnaire: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) SubmitResponses(ctx context.Context, id string, responses []Response) (*triage.Questionnaire, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q, err := s.getQuestionnaire(ctx, tx, id, true)
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
		if _, err := tx.Exec(ctx, `
			INSERT INTO questionnaire_responses (questionnaire_id, item_code, value, answered_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (questionnaire_id, item_code)
			DO UPDATE SET value = EXCLUDED.value, answered_at = EXCLUDED.answered_at`,
			id, r.ItemCode, r.Value, answeredAt); err != nil {
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
		if _, err := tx.Exec(ctx,
			`UPDATE questionnaires SET status = $2, completed_at = $3 WHERE id = $1 AND status = 'pending'`,
			id, string(q.Status), q.CompletedAt); err != nil {
			return nil, false, fmt.Errorf("store: complete questionnaire: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("store: commit responses: %w", err)
	}
	return q, completed, nil
}

func (s *PostgresStore) answeredCodes(ctx context.Context, db queryable, id string) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT item_code FROM questionnaire_responses WHERE questionnaire_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("store: read answered items: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store: read answered items: %w", err)
	}
	return codes, nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, id string) ([]Response, error) {
	if _, err := s.GetQuestionnaire(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT questionnaire_id, item_code, value, answered_at
		FROM questionnaire_responses WHERE questionnaire_id = $1
		ORDER BY item_code`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list responses: %w", err)
	}
	defer rows.Close()

	out := []Response{}
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.QuestionnaireID, &r.ItemCode, &r.Value, &r.AnsweredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TriageQuestionnaire(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q, err := s.getQuestionnaire(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := triage.Triage(q, clinicianID); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE questionnaires SET triaged = TRUE, triaged_at = $2, triaged_by = $3
		WHERE id = $1 AND NOT triaged AND status = 'completed'`,
		id, q.TriagedAt, *q.TriagedBy)
	if err != nil {
		return nil, fmt.Errorf("store: triage questionnaire: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("store: %s: %w", id, triage.ErrAlreadyTriaged)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit triage: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) ListActiveQueue(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaires WHERE status = 'completed' AND NOT triaged`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count queue: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgQuestionnaireCols+` FROM questionnaires
		WHERE status = 'completed' AND NOT triaged
		ORDER BY completed_at ASC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list queue: %w", err)
	}
	return collectQuestionnaires(rows, total)
}

func (s *PostgresStore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaires WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count patient questionnaires: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgQuestionnaireCols+` FROM questionnaires
		WHERE patient_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list patient questionnaires: %w", err)
	}
	return collectQuestionnaires(rows, total)
}

func collectQuestionnaires(rows pgx.Rows, total int) ([]*triage.Questionnaire, int, error) {
	defer rows.Close()
	items := []*triage.Questionnaire{}
	for rows.Next() {
		q, err := scanPGQuestionnaire(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, q)
	}
	return items, total, rows.Err()
}

func (s *PostgresStore) ReplaceCatalog(ctx context.Context, modules []entities.DrugModule, regimens []entities.Regimen) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `TRUNCATE drug_module_items, drug_modules, regimens`); err != nil {
		return fmt.Errorf("store: clear catalog: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range modules {
		batch.Queue(`INSERT INTO drug_modules (canonical_name, alternative_names) VALUES ($1,$2)`,
			m.CanonicalName, nonNil(m.AlternativeNames))
		for i, item := range m.Items {
			batch.Queue(`INSERT INTO drug_module_items (canonical_name, position, item_code, attribute) VALUES ($1,$2,$3,$4)`,
				m.CanonicalName, i, item.ItemCode, item.Attribute)
		}
	}
	for _, r := range regimens {
		batch.Queue(`INSERT INTO regimens (regimen_code, regimen_name, drug_composition, cycle_length_days, nadir_start, nadir_end)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			r.RegimenCode, r.RegimenName, nonNil(r.DrugComposition), r.CycleLengthDays,
			r.NadirWindow.Start, r.NadirWindow.End)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isPGUniqueViolation(err) {
			return fmt.Errorf("store: duplicate catalog key: %w", err)
		}
		return fmt.Errorf("store: insert catalog: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadCatalog(ctx context.Context) ([]entities.DrugModule, []entities.Regimen, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.canonical_name, m.alternative_names,
			COALESCE(array_agg(i.item_code ORDER BY i.position) FILTER (WHERE i.item_code IS NOT NULL), '{}'),
			COALESCE(array_agg(i.attribute ORDER BY i.position) FILTER (WHERE i.item_code IS NOT NULL), '{}')
		FROM drug_modules m
		LEFT JOIN drug_module_items i ON i.canonical_name = m.canonical_name
		GROUP BY m.canonical_name, m.alternative_names
		ORDER BY m.canonical_name`)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load drug modules: %w", err)
	}
	var modules []entities.DrugModule
	for rows.Next() {
		var (
			m                 entities.DrugModule
			codes, attributes []string
		)
		if err := rows.Scan(&m.CanonicalName, &m.AlternativeNames, &codes, &attributes); err != nil {
			rows.Close()
			return nil, nil, err
		}
		for i, code := range codes {
			m.Items = append(m.Items, entities.ItemTemplate{ItemCode: code, Attribute: attributes[i]})
		}
		modules = append(modules, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT regimen_code, regimen_name, drug_composition, cycle_length_days, nadir_start, nadir_end
		FROM regimens ORDER BY regimen_code`)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load regimens: %w", err)
	}
	defer rows.Close()

	var regimens []entities.Regimen
	for rows.Next() {
		var r entities.Regimen
		if err := rows.Scan(&r.RegimenCode, &r.RegimenName, &r.DrugComposition, &r.CycleLengthDays,
			&r.NadirWindow.Start, &r.NadirWindow.End); err != nil {
			return nil, nil, err
		}
		regimens = append(regimens, r)
	}
	return modules, regimens, rows.Err()
}
