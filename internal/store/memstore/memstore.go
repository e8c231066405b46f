// Package memstore is an in-memory store.Store. Transactions are serialised
// and rolled back on error, which gives the same unique-key and atomicity
// guarantees the Postgres store relies on.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/Mond1c/zenclass-bridge/internal/store"
)

type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Repository = (*state)(nil)
)

type state struct {
	nextID      uint
	students    map[uint]models.Student
	courses     map[uint]models.Course
	tasks       map[uint]models.Task
	enrollments map[uint]models.Enrollment
	grades      map[uint]models.Grade
	secrets     map[uint]models.CourseSecret // key: course id
	webhooks    map[string]models.ProcessedWebhook
}

func newState() *state {
	return &state{
		students:    make(map[uint]models.Student),
		courses:     make(map[uint]models.Course),
		tasks:       make(map[uint]models.Task),
		enrollments: make(map[uint]models.Enrollment),
		grades:      make(map[uint]models.Grade),
		secrets:     make(map[uint]models.CourseSecret),
		webhooks:    make(map[string]models.ProcessedWebhook),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		nextID:      s.nextID,
		students:    cloneMap(s.students),
		courses:     cloneMap(s.courses),
		tasks:       cloneMap(s.tasks),
		enrollments: cloneMap(s.enrollments),
		grades:      cloneMap(s.grades),
		secrets:     cloneMap(s.secrets),
		webhooks:    cloneMap(s.webhooks),
	}
}

func (s *state) id() uint {
	s.nextID++
	return s.nextID
}

func (s *Store) InTx(ctx context.Context, fn func(repo store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) locked() (*state, func()) {
	s.mu.Lock()
	return s.state, s.mu.Unlock
}

// Counts reports how many rows each table holds.
func (s *Store) Counts() map[string]int {
	st, unlock := s.locked()
	defer unlock()
	return map[string]int{
		"students":           len(st.students),
		"courses":            len(st.courses),
		"tasks":              len(st.tasks),
		"enrollments":        len(st.enrollments),
		"grades":             len(st.grades),
		"course_secrets":     len(st.secrets),
		"processed_webhooks": len(st.webhooks),
	}
}

func (s *Store) StudentByEmail(ctx context.Context, email string) (*models.Student, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.StudentByEmail(ctx, email)
}

func (s *Store) CreateStudent(ctx context.Context, stu *models.Student) (*models.Student, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CreateStudent(ctx, stu)
}

func (s *Store) AttachStudentExternalID(ctx context.Context, studentID uint, externalID string) (bool, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.AttachStudentExternalID(ctx, studentID, externalID)
}

func (s *Store) LinkStudentTelegram(ctx context.Context, studentID uint, telegramID int64) error {
	st, unlock := s.locked()
	defer unlock()
	return st.LinkStudentTelegram(ctx, studentID, telegramID)
}

func (s *Store) CourseByExternalID(ctx context.Context, externalID string) (*models.Course, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CourseByExternalID(ctx, externalID)
}

func (s *Store) CourseByName(ctx context.Context, name string) (*models.Course, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CourseByName(ctx, name)
}

func (s *Store) SetCourseExternalID(ctx context.Context, courseID uint, externalID string) error {
	st, unlock := s.locked()
	defer unlock()
	return st.SetCourseExternalID(ctx, courseID, externalID)
}

func (s *Store) CreateCourse(ctx context.Context, c *models.Course) (*models.Course, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CreateCourse(ctx, c)
}

func (s *Store) TaskByExternalID(ctx context.Context, externalID string) (*models.Task, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.TaskByExternalID(ctx, externalID)
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CreateTask(ctx, t)
}

func (s *Store) SetTaskMaxScore(ctx context.Context, taskID uint, maxScore int) error {
	st, unlock := s.locked()
	defer unlock()
	return st.SetTaskMaxScore(ctx, taskID, maxScore)
}

func (s *Store) EnrollmentFor(ctx context.Context, studentID, courseID uint) (*models.Enrollment, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.EnrollmentFor(ctx, studentID, courseID)
}

func (s *Store) EnsureEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.EnsureEnrollment(ctx, e)
}

func (s *Store) ActivateEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.ActivateEnrollment(ctx, e)
}

func (s *Store) ExpireEnrollment(ctx context.Context, enrollmentID uint) error {
	st, unlock := s.locked()
	defer unlock()
	return st.ExpireEnrollment(ctx, enrollmentID)
}

func (s *Store) GradeFor(ctx context.Context, studentID, taskID uint) (*models.Grade, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.GradeFor(ctx, studentID, taskID)
}

func (s *Store) UpsertAcceptedGrade(ctx context.Context, g *models.Grade) (*models.Grade, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.UpsertAcceptedGrade(ctx, g)
}

func (s *Store) CreateSubmittedGrade(ctx context.Context, g *models.Grade) (bool, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CreateSubmittedGrade(ctx, g)
}

func (s *Store) CourseSecret(ctx context.Context, courseExternalID string) (*models.CourseSecret, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.CourseSecret(ctx, courseExternalID)
}

func (s *Store) PutCourseSecret(ctx context.Context, courseID uint, secret string) error {
	st, unlock := s.locked()
	defer unlock()
	return st.PutCourseSecret(ctx, courseID, secret)
}

func (s *Store) DeleteCourseSecret(ctx context.Context, courseID uint) error {
	st, unlock := s.locked()
	defer unlock()
	return st.DeleteCourseSecret(ctx, courseID)
}

func (s *Store) InsertProcessedWebhook(ctx context.Context, w *models.ProcessedWebhook) (bool, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.InsertProcessedWebhook(ctx, w)
}

func (s *Store) ProcessedWebhook(ctx context.Context, webhookID string) (*models.ProcessedWebhook, error) {
	st, unlock := s.locked()
	defer unlock()
	return st.ProcessedWebhook(ctx, webhookID)
}

// state implements store.Repository without locking; callers hold Store.mu.

func (s *state) StudentByEmail(_ context.Context, email string) (*models.Student, error) {
	for _, stu := range s.students {
		if stu.Email == email {
			out := stu
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *state) studentByExternalID(externalID string) (models.Student, bool) {
	for _, stu := range s.students {
		if stu.ExternalID != nil && *stu.ExternalID == externalID {
			return stu, true
		}
	}
	return models.Student{}, false
}

func (s *state) CreateStudent(ctx context.Context, stu *models.Student) (*models.Student, error) {
	if existing, err := s.StudentByEmail(ctx, stu.Email); err == nil {
		return existing, nil
	}

	row := *stu
	if row.ExternalID != nil {
		if _, taken := s.studentByExternalID(*row.ExternalID); taken {
			row.ExternalID = nil
		}
	}
	now := time.Now()
	row.ID = s.id()
	row.CreatedAt, row.UpdatedAt = now, now
	s.students[row.ID] = row

	out := row
	return &out, nil
}

func (s *state) AttachStudentExternalID(_ context.Context, studentID uint, externalID string) (bool, error) {
	stu, ok := s.students[studentID]
	if !ok || stu.ExternalID != nil {
		return false, nil
	}
	if _, taken := s.studentByExternalID(externalID); taken {
		return false, nil
	}
	stu.ExternalID = &externalID
	stu.UpdatedAt = time.Now()
	s.students[studentID] = stu
	return true, nil
}

func (s *state) LinkStudentTelegram(_ context.Context, studentID uint, telegramID int64) error {
	stu, ok := s.students[studentID]
	if !ok {
		return store.ErrConflict
	}
	if stu.TelegramID != nil {
		if *stu.TelegramID == telegramID {
			return nil
		}
		return store.ErrConflict
	}
	for id, other := range s.students {
		if id != studentID && other.TelegramID != nil && *other.TelegramID == telegramID {
			return store.ErrConflict
		}
	}
	stu.TelegramID = &telegramID
	stu.UpdatedAt = time.Now()
	s.students[studentID] = stu
	return nil
}

func (s *state) CourseByExternalID(_ context.Context, externalID string) (*models.Course, error) {
	for _, c := range s.courses {
		if c.ExternalID == externalID {
			out := c
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *state) CourseByName(_ context.Context, name string) (*models.Course, error) {
	var found *models.Course
	for _, c := range s.courses {
		if c.Name == name && (found == nil || c.ID < found.ID) {
			out := c
			found = &out
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *state) SetCourseExternalID(ctx context.Context, courseID uint, externalID string) error {
	if other, err := s.CourseByExternalID(ctx, externalID); err == nil && other.ID != courseID {
		return store.ErrConflict
	}
	c, ok := s.courses[courseID]
	if !ok {
		return nil
	}
	c.ExternalID = externalID
	c.UpdatedAt = time.Now()
	s.courses[courseID] = c
	return nil
}

func (s *state) CreateCourse(ctx context.Context, c *models.Course) (*models.Course, error) {
	if existing, err := s.CourseByExternalID(ctx, c.ExternalID); err == nil {
		return existing, nil
	}
	row := *c
	now := time.Now()
	row.ID = s.id()
	row.CreatedAt, row.UpdatedAt = now, now
	s.courses[row.ID] = row

	out := row
	return &out, nil
}

func (s *state) TaskByExternalID(_ context.Context, externalID string) (*models.Task, error) {
	for _, t := range s.tasks {
		if t.ExternalID == externalID {
			out := t
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *state) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	if existing, err := s.TaskByExternalID(ctx, t.ExternalID); err == nil {
		return existing, nil
	}
	row := *t
	if row.Type == "" {
		row.Type = models.TaskTypeHomework
	}
	now := time.Now()
	row.ID = s.id()
	row.CreatedAt, row.UpdatedAt = now, now
	s.tasks[row.ID] = row

	out := row
	return &out, nil
}

func (s *state) SetTaskMaxScore(_ context.Context, taskID uint, maxScore int) error {
	if t, ok := s.tasks[taskID]; ok {
		t.MaxScore = maxScore
		t.UpdatedAt = time.Now()
		s.tasks[taskID] = t
	}
	return nil
}

func (s *state) EnrollmentFor(_ context.Context, studentID, courseID uint) (*models.Enrollment, error) {
	for _, e := range s.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID {
			out := e
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *state) EnsureEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error) {
	if existing, err := s.EnrollmentFor(ctx, e.StudentID, e.CourseID); err == nil {
		return existing, nil
	}
	row := *e
	if row.Status == "" {
		row.Status = models.EnrollmentStatusActive
	}
	now := time.Now()
	if row.SubscribedAt.IsZero() {
		row.SubscribedAt = now
	}
	row.ID = s.id()
	row.CreatedAt, row.UpdatedAt = now, now
	s.enrollments[row.ID] = row

	out := row
	return &out, nil
}

func (s *state) ActivateEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error) {
	existing, err := s.EnrollmentFor(ctx, e.StudentID, e.CourseID)
	if err != nil {
		activated := *e
		activated.Status = models.EnrollmentStatusActive
		return s.EnsureEnrollment(ctx, &activated)
	}
	existing.TariffID = e.TariffID
	existing.TariffName = e.TariffName
	existing.Status = models.EnrollmentStatusActive
	existing.UpdatedAt = time.Now()
	s.enrollments[existing.ID] = *existing
	return existing, nil
}

func (s *state) ExpireEnrollment(_ context.Context, enrollmentID uint) error {
	if e, ok := s.enrollments[enrollmentID]; ok {
		e.Status = models.EnrollmentStatusExpired
		e.UpdatedAt = time.Now()
		s.enrollments[enrollmentID] = e
	}
	return nil
}

func (s *state) GradeFor(_ context.Context, studentID, taskID uint) (*models.Grade, error) {
	for _, g := range s.grades {
		if g.StudentID == studentID && g.TaskID == taskID {
			out := g
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *state) UpsertAcceptedGrade(ctx context.Context, g *models.Grade) (*models.Grade, error) {
	now := time.Now()
	row := *g
	row.Status = models.GradeStatusAccepted
	if existing, err := s.GradeFor(ctx, g.StudentID, g.TaskID); err == nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	} else {
		row.ID = s.id()
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.grades[row.ID] = row

	out := row
	return &out, nil
}

func (s *state) CreateSubmittedGrade(ctx context.Context, g *models.Grade) (bool, error) {
	if _, err := s.GradeFor(ctx, g.StudentID, g.TaskID); err == nil {
		return false, nil
	}
	now := time.Now()
	row := *g
	row.Status = models.GradeStatusSubmitted
	row.ID = s.id()
	row.CreatedAt, row.UpdatedAt = now, now
	s.grades[row.ID] = row
	return true, nil
}

func (s *state) CourseSecret(ctx context.Context, courseExternalID string) (*models.CourseSecret, error) {
	c, err := s.CourseByExternalID(ctx, courseExternalID)
	if err != nil {
		return nil, err
	}
	cs, ok := s.secrets[c.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cs, nil
}

func (s *state) PutCourseSecret(_ context.Context, courseID uint, secret string) error {
	now := time.Now()
	cs, ok := s.secrets[courseID]
	if !ok {
		cs = models.CourseSecret{ID: s.id(), CourseID: courseID, CreatedAt: now}
	}
	cs.Secret = secret
	cs.UpdatedAt = now
	s.secrets[courseID] = cs
	return nil
}

func (s *state) DeleteCourseSecret(_ context.Context, courseID uint) error {
	if _, ok := s.secrets[courseID]; !ok {
		return store.ErrNotFound
	}
	delete(s.secrets, courseID)
	return nil
}

func (s *state) InsertProcessedWebhook(_ context.Context, w *models.ProcessedWebhook) (bool, error) {
	if _, exists := s.webhooks[w.WebhookID]; exists {
		return false, nil
	}
	row := *w
	row.ID = s.id()
	if row.ProcessedAt.IsZero() {
		row.ProcessedAt = time.Now()
	}
	s.webhooks[row.WebhookID] = row
	return true, nil
}

func (s *state) ProcessedWebhook(_ context.Context, webhookID string) (*models.ProcessedWebhook, error) {
	w, ok := s.webhooks[webhookID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}
