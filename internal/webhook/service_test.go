package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/Mond1c/zenclass-bridge/internal/store"
	"github.com/Mond1c/zenclass-bridge/internal/store/memstore"
	"go.uber.org/zap"
)

const (
	testCourseSecret     = "S"
	testEnrollmentSecret = "E"
	testTimestamp        = int64(1700000000)
)

type recordingSink struct {
	mu      sync.Mutex
	notices []GradeNotice
}

func (s *recordingSink) Enqueue(notice GradeNotice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice)
	return true
}

func (s *recordingSink) all() []GradeNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GradeNotice(nil), s.notices...)
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *memstore.Store, *recordingSink) {
	t.Helper()
	st := memstore.New()
	sink := &recordingSink{}
	resolver := NewResolver(ResolverConfig{
		EnrollmentSecret: testEnrollmentSecret,
		CacheTTL:         time.Minute,
	}, st, nil)
	return NewService(cfg, st, resolver, sink, zap.NewNop()), st, sink
}

func seedCourse(t *testing.T, st store.Store, externalID, name, secret string) {
	t.Helper()
	ctx := context.Background()
	err := st.InTx(ctx, func(repo store.Repository) error {
		c, err := repo.CreateCourse(ctx, &models.Course{ExternalID: externalID, Name: name})
		if err != nil {
			return err
		}
		if secret == "" {
			return nil
		}
		return repo.PutCourseSecret(ctx, c.ID, secret)
	})
	if err != nil {
		t.Fatalf("seed course: %v", err)
	}
}

func notification(t *testing.T, id string, kind EventKind, ts int64, payload any, secret string) *Notification {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	n := &Notification{
		ID:        Text(id),
		EventName: Text(kind),
		Timestamp: Text(strconv.FormatInt(ts, 10)),
		Payload:   raw,
	}
	if secret != "" {
		n.Hash = Text(Sign(id, ts, secret))
	}
	return n
}

func taskPayload(email, taskID, comment, result string) map[string]any {
	return map[string]any{
		"user_email":  email,
		"user_id":     "u-1",
		"course_id":   "c-1",
		"course_name": "Математика",
		"task_id":     taskID,
		"task_name":   "Домашнее задание 1",
		"task_result": result,
		"comment":     comment,
		"report_link": "https://example.com/report/1",
		"tariff_id":   "t-basic",
		"tariff_name": "Базовый",
	}
}

func gradeOf(t *testing.T, st *memstore.Store, email, taskID string) *models.Grade {
	t.Helper()
	ctx := context.Background()
	stu, err := st.StudentByEmail(ctx, email)
	if err != nil {
		t.Fatalf("student %s: %v", email, err)
	}
	task, err := st.TaskByExternalID(ctx, taskID)
	if err != nil {
		t.Fatalf("task %s: %v", taskID, err)
	}
	g, err := st.GradeFor(ctx, stu.ID, task.ID)
	if err != nil {
		t.Fatalf("grade %s/%s: %v", email, taskID, err)
	}
	return g
}

func enrollmentOf(t *testing.T, st *memstore.Store, email, courseID string) *models.Enrollment {
	t.Helper()
	ctx := context.Background()
	stu, err := st.StudentByEmail(ctx, email)
	if err != nil {
		t.Fatalf("student %s: %v", email, err)
	}
	course, err := st.CourseByExternalID(ctx, courseID)
	if err != nil {
		t.Fatalf("course %s: %v", courseID, err)
	}
	e, err := st.EnrollmentFor(ctx, stu.ID, course.ID)
	if err != nil {
		t.Fatalf("enrollment %s/%s: %v", email, courseID, err)
	}
	return e
}

func TestIngest_TaskAcceptedEndToEnd(t *testing.T) {
	svc, st, sink := newTestService(t, ServiceConfig{})
	seedCourse(t, st, "c-1", "Математика", testCourseSecret)
	ctx := context.Background()

	n := notification(t, "W1", EventTaskAccepted, testTimestamp,
		taskPayload("a@b.com", "task-1", "Оценка: 4", "ok"), testCourseSecret)

	res, err := svc.Ingest(ctx, n)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusOK || !res.Processed || res.Event != EventTaskAccepted {
		t.Fatalf("unexpected result %+v", res)
	}

	g := gradeOf(t, st, "a@b.com", "task-1")
	if g.Value == nil || *g.Value != 4 {
		t.Fatalf("expected grade 4, got %v", g.Value)
	}
	if g.Status != models.GradeStatusAccepted {
		t.Fatalf("expected accepted, got %s", g.Status)
	}
	if g.CheckedAt == nil || !g.CheckedAt.Equal(time.Unix(testTimestamp, 0)) {
		t.Fatalf("expected checked_at from the notification timestamp, got %v", g.CheckedAt)
	}
	if g.ReportLink != "https://example.com/report/1" {
		t.Fatalf("unexpected report link %q", g.ReportLink)
	}

	res, err = svc.Ingest(ctx, n)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Status != StatusAlreadyProcessed {
		t.Fatalf("expected already_processed on replay, got %+v", res)
	}

	again := gradeOf(t, st, "a@b.com", "task-1")
	if again.ID != g.ID || *again.Value != 4 || !again.UpdatedAt.Equal(g.UpdatedAt) {
		t.Fatalf("grade changed on replay: before %+v after %+v", g, again)
	}

	if got := st.Counts()["processed_webhooks"]; got != 1 {
		t.Fatalf("expected one ledger row, got %d", got)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("expected one notice, got %d", got)
	}
}

func TestIngest_CreatesEntitiesLazily(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	payload := taskPayload("  Ivan.Petrov@Example.COM ", "task-1", "", "ok")
	payload["task_name"] = "Пробник №2"
	if _, err := svc.Ingest(ctx, notification(t, "W1", EventTaskSubmitted, testTimestamp, payload, "")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stu, err := st.StudentByEmail(ctx, "ivan.petrov@example.com")
	if err != nil {
		t.Fatalf("expected normalised student email: %v", err)
	}
	if stu.Name != "Ivan.Petrov" {
		t.Fatalf("unexpected display name %q", stu.Name)
	}
	if stu.ExternalID == nil || *stu.ExternalID != "u-1" {
		t.Fatalf("expected external id u-1, got %v", stu.ExternalID)
	}

	task, err := st.TaskByExternalID(ctx, "task-1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Type != models.TaskTypeMock || task.MaxScore != models.DefaultMaxScore {
		t.Fatalf("unexpected task %+v", task)
	}

	e := enrollmentOf(t, st, "ivan.petrov@example.com", "c-1")
	if e.Status != models.EnrollmentStatusActive || e.TariffID == nil || *e.TariffID != "t-basic" {
		t.Fatalf("unexpected enrollment %+v", e)
	}

	g := gradeOf(t, st, "ivan.petrov@example.com", "task-1")
	if g.Status != models.GradeStatusSubmitted || g.Value != nil {
		t.Fatalf("unexpected grade %+v", g)
	}
}

func TestIngest_DefaultNames(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	payload := map[string]any{"user_email": "a@b.com", "course_id": "c-9", "task_id": "task-9"}
	if _, err := svc.Ingest(ctx, notification(t, "W1", EventTaskSubmitted, testTimestamp, payload, "")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	course, err := st.CourseByExternalID(ctx, "c-9")
	if err != nil || course.Name != "Неизвестный курс" {
		t.Fatalf("expected default course name, got %+v err=%v", course, err)
	}
	task, err := st.TaskByExternalID(ctx, "task-9")
	if err != nil || task.Name != "Задание" {
		t.Fatalf("expected default task name, got %+v err=%v", task, err)
	}
}

func TestIngest_BadHashLeavesNoTrace(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	seedCourse(t, st, "c-1", "Математика", testCourseSecret)
	ctx := context.Background()

	n := notification(t, "W1", EventTaskAccepted, testTimestamp,
		taskPayload("a@b.com", "task-1", "Оценка: 4", "ok"), "wrong")

	_, err := svc.Ingest(ctx, n)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	counts := st.Counts()
	for _, table := range []string{"students", "tasks", "grades", "enrollments", "processed_webhooks"} {
		if counts[table] != 0 {
			t.Fatalf("expected no %s after rejection, got %d", table, counts[table])
		}
	}

	n.Hash = Text(Sign("W1", testTimestamp, testCourseSecret))
	res, err := svc.Ingest(ctx, n)
	if err != nil {
		t.Fatalf("corrected retry: %v", err)
	}
	if res.Status != StatusOK || !res.Processed {
		t.Fatalf("expected corrected retry to be processed, got %+v", res)
	}
}

func TestIngest_UnresolvedSecretFailsClosed(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	seedCourse(t, st, "c-1", "Математика", "")

	n := notification(t, "W1", EventTaskAccepted, testTimestamp,
		taskPayload("a@b.com", "task-1", "", "ok"), testCourseSecret)

	if _, err := svc.Ingest(context.Background(), n); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if got := st.Counts()["processed_webhooks"]; got != 0 {
		t.Fatalf("expected no claim, got %d", got)
	}
}

func TestIngest_MissingHash(t *testing.T) {
	payload := taskPayload("a@b.com", "task-1", "", "ok")

	svc, _, _ := newTestService(t, ServiceConfig{})
	res, err := svc.Ingest(context.Background(), notification(t, "W1", EventTaskSubmitted, testTimestamp, payload, ""))
	if err != nil || res.Status != StatusOK {
		t.Fatalf("expected unsigned notification to be accepted, got %+v err=%v", res, err)
	}

	strict, st, _ := newTestService(t, ServiceConfig{RequireSignature: true})
	_, err = strict.Ingest(context.Background(), notification(t, "W1", EventTaskSubmitted, testTimestamp, payload, ""))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid when signatures are required, got %v", err)
	}
	if got := st.Counts()["processed_webhooks"]; got != 0 {
		t.Fatalf("expected no claim, got %d", got)
	}
}

func TestIngest_MalformedRequests(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	cases := map[string]*Notification{
		"missing id":        {EventName: Text(EventTaskAccepted), Timestamp: "1700000000"},
		"missing event":     {ID: "W1", Timestamp: "1700000000"},
		"missing timestamp": {ID: "W1", EventName: Text(EventTaskAccepted)},
		"bad timestamp":     {ID: "W1", EventName: Text(EventTaskAccepted), Timestamp: "yesterday"},
		"zero timestamp":    {ID: "W1", EventName: Text(EventTaskAccepted), Timestamp: "0"},
		"payload not an object": {
			ID: "W1", EventName: Text(EventTaskAccepted), Timestamp: "1700000000",
			Payload: json.RawMessage(`[1, 2]`),
		},
		"payload field of wrong type": {
			ID: "W1", EventName: Text(EventTaskAccepted), Timestamp: "1700000000",
			Payload: json.RawMessage(`{"user_email": {"nested": true}}`),
		},
	}
	for name, n := range cases {
		if _, err := svc.Ingest(ctx, n); !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("%s: expected ErrMalformedRequest, got %v", name, err)
		}
	}
	if got := st.Counts()["processed_webhooks"]; got != 0 {
		t.Fatalf("expected no claims, got %d", got)
	}
}

func TestIngest_UnknownKindAcknowledged(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	n := &Notification{
		ID:        "W1",
		EventName: "lesson_viewed",
		Timestamp: "1700000000",
		Payload:   json.RawMessage(`["anything"]`),
	}
	res, err := svc.Ingest(ctx, n)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusOK || res.Processed || res.Event != "lesson_viewed" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := st.Counts()["processed_webhooks"]; got != 1 {
		t.Fatalf("expected unknown kind to be claimed, got %d", got)
	}
}

func TestIngest_PartialPayloadClaimedNotProcessed(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	payload := taskPayload("a@b.com", "", "Оценка: 5", "ok")
	n := notification(t, "W1", EventTaskAccepted, testTimestamp, payload, "")

	res, err := svc.Ingest(ctx, n)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusOK || res.Processed {
		t.Fatalf("expected processed=false, got %+v", res)
	}
	if got := st.Counts()["students"]; got != 0 {
		t.Fatalf("expected no entity writes, got %d students", got)
	}

	res, err = svc.Ingest(ctx, n)
	if err != nil || res.Status != StatusAlreadyProcessed {
		t.Fatalf("expected partial payload to stay claimed, got %+v err=%v", res, err)
	}
}

func TestIngest_ConcurrentDuplicatesRunOnce(t *testing.T) {
	svc, st, sink := newTestService(t, ServiceConfig{})
	seedCourse(t, st, "c-1", "Математика", testCourseSecret)
	ctx := context.Background()

	n := notification(t, "W1", EventTaskAccepted, testTimestamp,
		taskPayload("a@b.com", "task-1", "5/5", "ok"), testCourseSecret)

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[Status]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Ingest(ctx, n)
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			mu.Lock()
			statuses[res.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[StatusOK] != 1 || statuses[StatusAlreadyProcessed] != workers-1 {
		t.Fatalf("expected exactly one processing run, got %v", statuses)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("expected one notice, got %d", got)
	}
	if got := st.Counts()["grades"]; got != 1 {
		t.Fatalf("expected one grade, got %d", got)
	}
}

func TestIngest_AutoCheckUpdatesMaxScore(t *testing.T) {
	svc, st, sink := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	n := notification(t, "W1", EventTaskAccepted, testTimestamp,
		taskPayload("a@b.com", "task-1", "Оценка: 2", "5/7"), "")
	if _, err := svc.Ingest(ctx, n); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	g := gradeOf(t, st, "a@b.com", "task-1")
	if g.Value == nil || *g.Value != 5 {
		t.Fatalf("expected auto-check score 5, got %v", g.Value)
	}
	task, _ := st.TaskByExternalID(ctx, "task-1")
	if task.MaxScore != 7 {
		t.Fatalf("expected max score 7, got %d", task.MaxScore)
	}

	notices := sink.all()
	if len(notices) != 1 || notices[0].MaxScore != 7 || *notices[0].Score != 5 {
		t.Fatalf("unexpected notices %+v", notices)
	}
}

func TestIngest_AcceptedWithoutScore(t *testing.T) {
	svc, st, sink := newTestService(t, ServiceConfig{})

	n := notification(t, "W1", EventTaskAccepted, testTimestamp,
		taskPayload("a@b.com", "task-1", "Работа принята, доработайте следующую", "ok"), "")
	if _, err := svc.Ingest(context.Background(), n); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	g := gradeOf(t, st, "a@b.com", "task-1")
	if g.Value != nil || g.Status != models.GradeStatusAccepted {
		t.Fatalf("expected accepted grade without value, got %+v", g)
	}
	if notices := sink.all(); len(notices) != 1 || notices[0].Score != nil {
		t.Fatalf("unexpected notices %+v", notices)
	}
}

func TestIngest_NoticeCarriesTelegramID(t *testing.T) {
	svc, st, sink := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	submit := notification(t, "W1", EventTaskSubmitted, testTimestamp, taskPayload("a@b.com", "task-1", "", "ok"), "")
	if _, err := svc.Ingest(ctx, submit); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stu, err := st.StudentByEmail(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("student: %v", err)
	}
	if err := st.LinkStudentTelegram(ctx, stu.ID, 4242); err != nil {
		t.Fatalf("LinkStudentTelegram: %v", err)
	}

	accept := notification(t, "W2", EventTaskAccepted, testTimestamp+60, taskPayload("a@b.com", "task-1", "5", "ok"), "")
	if _, err := svc.Ingest(ctx, accept); err != nil {
		t.Fatalf("accept: %v", err)
	}

	notices := sink.all()
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(notices))
	}
	n := notices[0]
	if n.TelegramID == nil || *n.TelegramID != 4242 {
		t.Fatalf("expected telegram id 4242, got %v", n.TelegramID)
	}
	if n.CourseName != "Математика" || n.TaskName != "Домашнее задание 1" {
		t.Fatalf("unexpected names in notice %+v", n)
	}
}

func TestIngest_SubmitAfterAcceptKeepsGrade(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	accept := notification(t, "W2", EventTaskAccepted, testTimestamp+60, taskPayload("a@b.com", "task-1", "Оценка: 5", "ok"), "")
	submit := notification(t, "W1", EventTaskSubmitted, testTimestamp, taskPayload("a@b.com", "task-1", "", "ok"), "")

	if _, err := svc.Ingest(ctx, accept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	res, err := svc.Ingest(ctx, submit)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Processed {
		t.Fatalf("expected late submission to be processed, got %+v", res)
	}

	g := gradeOf(t, st, "a@b.com", "task-1")
	if g.Status != models.GradeStatusAccepted || g.Value == nil || *g.Value != 5 {
		t.Fatalf("late submission downgraded the grade: %+v", g)
	}
}

func TestIngest_StaleAcceptanceIgnored(t *testing.T) {
	svc, st, sink := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	newer := notification(t, "W2", EventTaskAccepted, testTimestamp+3600, taskPayload("a@b.com", "task-1", "Оценка: 5", "ok"), "")
	older := notification(t, "W1", EventTaskAccepted, testTimestamp, taskPayload("a@b.com", "task-1", "Оценка: 3", "ok"), "")

	if _, err := svc.Ingest(ctx, newer); err != nil {
		t.Fatalf("newer: %v", err)
	}
	if _, err := svc.Ingest(ctx, older); err != nil {
		t.Fatalf("older: %v", err)
	}

	g := gradeOf(t, st, "a@b.com", "task-1")
	if *g.Value != 5 {
		t.Fatalf("expected newer grade to win, got %d", *g.Value)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("expected only the newer acceptance to notify, got %d", got)
	}
}

func TestIngest_EnrollmentLifecycle(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	subscribe := notification(t, "E1", EventUserSubscribed, testTimestamp, map[string]any{
		"user_email":   "a@b.com",
		"user_id":      "u-1",
		"product_id":   "p-1",
		"product_name": "ЕГЭ Математика",
		"tariff_id":    "t-basic",
		"tariff_name":  "Базовый",
	}, testEnrollmentSecret)
	res, err := svc.Ingest(ctx, subscribe)
	if err != nil || !res.Processed {
		t.Fatalf("subscribe: %+v err=%v", res, err)
	}

	e := enrollmentOf(t, st, "a@b.com", "p-1")
	if e.Status != models.EnrollmentStatusActive || *e.TariffID != "t-basic" || e.TariffName != "Базовый" {
		t.Fatalf("unexpected enrollment after subscribe %+v", e)
	}

	expire := notification(t, "E2", EventAccessExpired, testTimestamp+10, map[string]any{
		"user_email": "A@B.com",
		"course_id":  "p-1",
	}, "")
	if res, err := svc.Ingest(ctx, expire); err != nil || !res.Processed {
		t.Fatalf("expire: %+v err=%v", res, err)
	}
	if e := enrollmentOf(t, st, "a@b.com", "p-1"); e.Status != models.EnrollmentStatusExpired {
		t.Fatalf("expected expired, got %s", e.Status)
	}

	pay := notification(t, "E3", EventPaymentAccepted, testTimestamp+20, map[string]any{
		"user_email": "a@b.com",
		"product_id": "p-1",
		"tarif_id":   "t-pro",
		"tarif_name": "Профи",
	}, testEnrollmentSecret)
	if res, err := svc.Ingest(ctx, pay); err != nil || !res.Processed {
		t.Fatalf("payment: %+v err=%v", res, err)
	}

	e = enrollmentOf(t, st, "a@b.com", "p-1")
	if e.Status != models.EnrollmentStatusActive || *e.TariffID != "t-pro" || e.TariffName != "Профи" {
		t.Fatalf("unexpected enrollment after payment %+v", e)
	}
	if got := st.Counts()["enrollments"]; got != 1 {
		t.Fatalf("expected a single enrollment row, got %d", got)
	}
}

func TestIngest_EnrollmentSignedWithWrongSecret(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})

	n := notification(t, "E1", EventUserSubscribed, testTimestamp, map[string]any{
		"user_email": "a@b.com",
		"product_id": "p-1",
	}, testCourseSecret)
	if _, err := svc.Ingest(context.Background(), n); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestIngest_AccessExpiredForUnknownEntitiesIsNoop(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	n := notification(t, "E1", EventAccessExpired, testTimestamp, map[string]any{
		"user_email": "ghost@b.com",
		"course_id":  "c-404",
	}, "")
	res, err := svc.Ingest(ctx, n)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusOK || res.Processed {
		t.Fatalf("expected processed=false, got %+v", res)
	}
	if got := st.Counts()["students"]; got != 0 {
		t.Fatalf("access expiry must not create students, got %d", got)
	}
}

func TestIngest_CourseNameFallbackBackfillsExternalID(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	seedCourse(t, st, "import-1", "Математика", "")
	ctx := context.Background()

	n := notification(t, "W1", EventTaskSubmitted, testTimestamp, taskPayload("a@b.com", "task-1", "", "ok"), "")
	if _, err := svc.Ingest(ctx, n); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if got := st.Counts()["courses"]; got != 1 {
		t.Fatalf("expected the imported course to be reused, got %d courses", got)
	}
	if _, err := st.CourseByExternalID(ctx, "c-1"); err != nil {
		t.Fatalf("expected external id to be backfilled: %v", err)
	}
}

// failingRepo fails grade upserts to simulate a storage error mid-handler.
type failingRepo struct {
	store.Repository
}

func (failingRepo) UpsertAcceptedGrade(context.Context, *models.Grade) (*models.Grade, error) {
	return nil, errors.New("connection reset")
}

type failingStore struct {
	*memstore.Store
}

func (s failingStore) InTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return s.Store.InTx(ctx, func(repo store.Repository) error {
		return fn(failingRepo{repo})
	})
}

func TestIngest_HandlerFailureReleasesClaim(t *testing.T) {
	st := memstore.New()
	resolver := NewResolver(ResolverConfig{}, st, nil)
	ctx := context.Background()

	n := notification(t, "W1", EventTaskAccepted, testTimestamp, taskPayload("a@b.com", "task-1", "4", "ok"), "")

	broken := NewService(ServiceConfig{}, failingStore{st}, resolver, nil, zap.NewNop())
	if _, err := broken.Ingest(ctx, n); err == nil {
		t.Fatalf("expected storage error")
	}
	counts := st.Counts()
	if counts["processed_webhooks"] != 0 || counts["students"] != 0 {
		t.Fatalf("expected rollback of claim and entities, got %v", counts)
	}

	healthy := NewService(ServiceConfig{}, st, resolver, nil, zap.NewNop())
	res, err := healthy.Ingest(ctx, n)
	if err != nil || res.Status != StatusOK || !res.Processed {
		t.Fatalf("expected redelivery to succeed, got %+v err=%v", res, err)
	}
}

func TestIngest_StaleAcceptanceKeepsMaxScore(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	newer := notification(t, "W2", EventTaskAccepted, testTimestamp+100, taskPayload("a@b.com", "task-1", "", "8/10"), "")
	older := notification(t, "W1", EventTaskAccepted, testTimestamp, taskPayload("a@b.com", "task-1", "", "5/7"), "")

	if _, err := svc.Ingest(ctx, newer); err != nil {
		t.Fatalf("newer: %v", err)
	}
	res, err := svc.Ingest(ctx, older)
	if err != nil || !res.Processed {
		t.Fatalf("older: %+v err=%v", res, err)
	}

	g := gradeOf(t, st, "a@b.com", "task-1")
	if g.Value == nil || *g.Value != 8 {
		t.Fatalf("expected grade 8 to stay, got %v", g.Value)
	}
	task, err := st.TaskByExternalID(ctx, "task-1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.MaxScore != 10 {
		t.Fatalf("expected max score 10 to stay, got %d", task.MaxScore)
	}
}

func TestIngest_TaskTypeNotRederived(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	first := taskPayload("a@b.com", "task-1", "", "ok")
	first["task_name"] = "Пробник 1"
	renamed := taskPayload("a@b.com", "task-1", "Оценка: 4", "ok")
	renamed["task_name"] = "Эссе"

	if _, err := svc.Ingest(ctx, notification(t, "W1", EventTaskSubmitted, testTimestamp, first, "")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Ingest(ctx, notification(t, "W2", EventTaskAccepted, testTimestamp+60, renamed, "")); err != nil {
		t.Fatalf("accept: %v", err)
	}

	task, err := st.TaskByExternalID(ctx, "task-1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Type != models.TaskTypeMock {
		t.Fatalf("expected type %s to stay, got %s", models.TaskTypeMock, task.Type)
	}
	if got := st.Counts()["tasks"]; got != 1 {
		t.Fatalf("expected a single task row, got %d", got)
	}
}

func TestIngest_TaskEventKeepsEnrollment(t *testing.T) {
	svc, st, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	subscribe := notification(t, "E1", EventUserSubscribed, testTimestamp, map[string]any{
		"user_email":   "a@b.com",
		"product_id":   "c-1",
		"product_name": "Математика",
		"tariff_id":    "t-basic",
		"tariff_name":  "Базовый",
	}, testEnrollmentSecret)
	expire := notification(t, "E2", EventAccessExpired, testTimestamp+10, map[string]any{
		"user_email": "a@b.com",
		"course_id":  "c-1",
	}, "")
	for _, n := range []*Notification{subscribe, expire} {
		if res, err := svc.Ingest(ctx, n); err != nil || !res.Processed {
			t.Fatalf("%s: %+v err=%v", n.ID, res, err)
		}
	}

	accepted := taskPayload("a@b.com", "task-1", "Оценка: 5", "ok")
	accepted["tariff_id"] = "t-pro"
	accepted["tariff_name"] = "Профи"
	if res, err := svc.Ingest(ctx, notification(t, "W1", EventTaskAccepted, testTimestamp+20, accepted, "")); err != nil || !res.Processed {
		t.Fatalf("accept: %+v err=%v", res, err)
	}

	e := enrollmentOf(t, st, "a@b.com", "c-1")
	if e.Status != models.EnrollmentStatusExpired {
		t.Fatalf("task event reactivated the enrollment: %s", e.Status)
	}
	if e.TariffID == nil || *e.TariffID != "t-basic" || e.TariffName != "Базовый" {
		t.Fatalf("task event overwrote the tariff: %+v", e)
	}
}
