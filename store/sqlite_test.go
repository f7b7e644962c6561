package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/triage"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestQuestionnaire(t *testing.T, s QuestionnaireRepository, patientID string, codes ...string) *triage.Questionnaire {
	t.Helper()
	q := &triage.Questionnaire{
		PatientID:   patientID,
		RegimenCode: "T-DM1",
		CycleNumber: 2,
		DayInCycle:  8,
		NadirActive: true,
		ItemCodes:   codes,
	}
	if err := s.CreateQuestionnaire(context.Background(), q); err != nil {
		t.Fatalf("CreateQuestionnaire: %v", err)
	}
	return q
}

func TestSQLiteCreateAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV", "NAUSEA_FREQ")
	if q.ID == "" {
		t.Fatal("CreateQuestionnaire should assign an id")
	}

	got, err := s.GetQuestionnaire(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuestionnaire: %v", err)
	}
	if got.Status != triage.StatusPending || got.Triaged {
		t.Errorf("new questionnaire status=%s triaged=%v", got.Status, got.Triaged)
	}
	if diff := cmp.Diff([]string{"FATIGUE_SEV", "NAUSEA_FREQ"}, got.ItemCodes); diff != "" {
		t.Errorf("item codes mismatch (-want +got):\n%s", diff)
	}
	if !got.NadirActive || got.CycleNumber != 2 || got.DayInCycle != 8 {
		t.Errorf("context fields not persisted: %+v", got)
	}
	if !got.CreatedAt.Equal(q.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, q.CreatedAt)
	}
}

func TestSQLiteGetMissing(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.GetQuestionnaire(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteDuplicateQuestionnaireID(t *testing.T) {
	s := newTestSQLiteStore(t)
	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV")

	dup := &triage.Questionnaire{ID: q.ID, PatientID: "patient-2", RegimenCode: "AC", CycleNumber: 1, DayInCycle: 1}
	err := s.CreateQuestionnaire(context.Background(), dup)
	if !errors.Is(err, ErrDuplicateQuestionnaire) {
		t.Errorf("expected ErrDuplicateQuestionnaire, got %v", err)
	}
}

func TestSQLiteResponseUniqueness(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV", "NAUSEA_FREQ")

	// Same item written twice, in separate submissions and within one batch
	if _, _, err := s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "FATIGUE_SEV", Value: 1}}); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	if _, _, err := s.SubmitResponses(ctx, q.ID, []Response{
		{ItemCode: "FATIGUE_SEV", Value: 2},
		{ItemCode: "FATIGUE_SEV", Value: 3},
	}); err != nil {
		t.Fatalf("second submission: %v", err)
	}

	responses, err := s.ListResponses(ctx, q.ID)
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(responses))
	}
	if responses[0].Value != 3 {
		t.Errorf("last write should win, got value %d", responses[0].Value)
	}

	var rows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM questionnaire_responses WHERE questionnaire_id = ? AND item_code = ?`,
		q.ID, "FATIGUE_SEV").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("table holds %d rows for the item, want 1", rows)
	}
}

func TestSQLiteConcurrentResponses(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV", "NAUSEA_FREQ")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, _, err := s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "NAUSEA_FREQ", Value: v % 5}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submission failed: %v", err)
		}
	}

	responses, err := s.ListResponses(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 {
		t.Errorf("expected one row after concurrent writes, got %d", len(responses))
	}
}

func TestSQLiteCompletionTransition(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV", "NAUSEA_FREQ")

	got, completed, err := s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "FATIGUE_SEV", Value: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if completed || got.Status != triage.StatusPending {
		t.Fatal("partial submission must keep the questionnaire pending")
	}

	got, completed, err = s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "NAUSEA_FREQ", Value: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if !completed || got.Status != triage.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("final item should complete the questionnaire: %+v", got)
	}

	// Correction after completion is an in-place update and no new transition
	_, completed, err = s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "NAUSEA_FREQ", Value: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if completed {
		t.Error("resubmission reported a second completion")
	}

	stored, err := s.GetQuestionnaire(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != triage.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
}

func TestSQLiteUnknownItemRollsBack(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV")

	_, _, err := s.SubmitResponses(ctx, q.ID, []Response{
		{ItemCode: "FATIGUE_SEV", Value: 1},
		{ItemCode: "HAIR_LOSS_PRESENT", Value: 1},
	})
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
	var itemErr *UnknownItemError
	if !errors.As(err, &itemErr) || itemErr.ItemCode != "HAIR_LOSS_PRESENT" {
		t.Errorf("error should name the unknown item: %v", err)
	}

	responses, err := s.ListResponses(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 0 {
		t.Errorf("rejected batch must not write any rows, got %d", len(responses))
	}
}

func TestSQLiteTriage(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	q := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV")

	if _, err := s.TriageQuestionnaire(ctx, q.ID, "dr-house"); !errors.Is(err, triage.ErrNotCompleted) {
		t.Fatalf("triage of pending questionnaire: expected ErrNotCompleted, got %v", err)
	}

	if _, _, err := s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "FATIGUE_SEV", Value: 4}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.TriageQuestionnaire(ctx, q.ID, "dr-house")
	if err != nil {
		t.Fatalf("TriageQuestionnaire: %v", err)
	}
	if !got.Triaged || got.TriagedAt == nil || got.TriagedBy == nil || *got.TriagedBy != "dr-house" {
		t.Fatalf("triage attributes not set: %+v", got)
	}

	stored, err := s.GetQuestionnaire(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := triage.CheckInvariants(stored); err != nil {
		t.Errorf("stored questionnaire breaks invariants: %v", err)
	}

	if _, err := s.TriageQuestionnaire(ctx, q.ID, "dr-wilson"); !errors.Is(err, triage.ErrAlreadyTriaged) {
		t.Errorf("second triage: expected ErrAlreadyTriaged, got %v", err)
	}
	if _, _, err := s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "FATIGUE_SEV", Value: 0}}); !errors.Is(err, triage.ErrAlreadyTriaged) {
		t.Errorf("responses after triage: expected ErrAlreadyTriaged, got %v", err)
	}
}

func TestSQLiteActiveQueueAndHistory(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	step := 0
	orig := timeNow
	timeNow = func() time.Time { step++; return base.Add(time.Duration(step) * time.Minute) }
	t.Cleanup(func() { timeNow = orig })

	pending := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV")
	first := createTestQuestionnaire(t, s, "patient-1", "FATIGUE_SEV")
	second := createTestQuestionnaire(t, s, "patient-2", "FATIGUE_SEV")
	triaged := createTestQuestionnaire(t, s, "patient-2", "FATIGUE_SEV")

	for _, q := range []*triage.Questionnaire{first, second, triaged} {
		if _, _, err := s.SubmitResponses(ctx, q.ID, []Response{{ItemCode: "FATIGUE_SEV", Value: 3}}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.TriageQuestionnaire(ctx, triaged.ID, "dr-house"); err != nil {
		t.Fatal(err)
	}

	queue, total, err := s.ListActiveQueue(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListActiveQueue: %v", err)
	}
	var ids []string
	for _, q := range queue {
		ids = append(ids, q.ID)
	}
	if diff := cmp.Diff([]string{first.ID, second.ID}, ids); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	if total != 2 {
		t.Errorf("queue total = %d, want 2", total)
	}

	history, total, err := s.ListByPatient(ctx, "patient-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if total != 2 || len(history) != 2 {
		t.Fatalf("patient-1 history: total=%d len=%d", total, len(history))
	}
	if history[0].ID != first.ID || history[1].ID != pending.ID {
		t.Error("patient history should be newest first")
	}

	page, total, err := s.ListByPatient(ctx, "patient-1", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(page) != 1 || page[0].ID != pending.ID {
		t.Errorf("pagination: total=%d page=%v", total, page)
	}
}

func TestSQLiteCatalogRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	modules := []entities.DrugModule{
		{
			CanonicalName:    "T-DM1",
			AlternativeNames: []string{"Trastuzumab Emtansine", "Kadcyla"},
			Items: []entities.ItemTemplate{
				{ItemCode: "FATIGUE_SEV", Attribute: "severity"},
				{ItemCode: "NAUSEA_FREQ", Attribute: "frequency"},
			},
		},
		{CanonicalName: "Leucovorin"},
	}
	regimens := []entities.Regimen{
		{RegimenCode: "T-DM1", RegimenName: "Ado-trastuzumab emtansine", DrugComposition: []string{"Trastuzumab Emtansine"},
			CycleLengthDays: 21, NadirWindow: entities.NadirWindow{Start: 8, End: 8}},
	}

	if err := s.ReplaceCatalog(ctx, modules, regimens); err != nil {
		t.Fatalf("ReplaceCatalog: %v", err)
	}

	loader := NewDBCatalogLoader(s, s.Path())
	snap, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	m, ok := snap.FindByNameOrAlias("kadcyla")
	if !ok || m.CanonicalName != "T-DM1" {
		t.Fatalf("alias lookup through DB catalog failed: %+v", m)
	}
	if len(m.Items) != 2 || m.Items[0].ItemCode != "FATIGUE_SEV" {
		t.Errorf("item order not preserved: %+v", m.Items)
	}
	if r, ok := snap.FindByCode("T-DM1"); !ok || r.NadirWindow.End != 8 {
		t.Errorf("regimen not loaded: %+v", r)
	}

	// Replacing drops what was there before
	if err := s.ReplaceCatalog(ctx, modules[1:], nil); err != nil {
		t.Fatal(err)
	}
	gotModules, gotRegimens, err := s.LoadCatalog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotModules) != 1 || len(gotRegimens) != 0 {
		t.Errorf("after replace: %d modules, %d regimens", len(gotModules), len(gotRegimens))
	}
}

func TestDBCatalogLoaderEmpty(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := NewDBCatalogLoader(s, "test").Load(context.Background())
	if !errors.Is(err, ErrEmptyCatalog) {
		t.Errorf("expected ErrEmptyCatalog, got %v", err)
	}
}
