// Package store persists students, courses, tasks, grades, enrollments,
// course secrets and the processed-webhook ledger.
//
// Every insert is insert-or-existing keyed by the entity's natural key, so
// concurrent requests touching the same student or course converge on one row
// instead of failing.
package store

import (
	"context"
	"errors"

	"github.com/Mond1c/zenclass-bridge/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Repository interface {
	StudentByEmail(ctx context.Context, email string) (*models.Student, error)
	// CreateStudent returns the stored student for s.Email, inserting s if absent.
	CreateStudent(ctx context.Context, s *models.Student) (*models.Student, error)
	// AttachStudentExternalID sets the external id only if the student has
	// none and no other student already owns it.
	AttachStudentExternalID(ctx context.Context, studentID uint, externalID string) (bool, error)
	// LinkStudentTelegram sets the student's telegram id once. Relinking the
	// same id is a no-op; a different id, or one owned by another student, is
	// ErrConflict.
	LinkStudentTelegram(ctx context.Context, studentID uint, telegramID int64) error

	CourseByExternalID(ctx context.Context, externalID string) (*models.Course, error)
	CourseByName(ctx context.Context, name string) (*models.Course, error)
	SetCourseExternalID(ctx context.Context, courseID uint, externalID string) error
	CreateCourse(ctx context.Context, c *models.Course) (*models.Course, error)

	TaskByExternalID(ctx context.Context, externalID string) (*models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) (*models.Task, error)
	SetTaskMaxScore(ctx context.Context, taskID uint, maxScore int) error

	EnrollmentFor(ctx context.Context, studentID, courseID uint) (*models.Enrollment, error)
	// EnsureEnrollment creates e if no enrollment exists for the pair and
	// leaves an existing one untouched.
	EnsureEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error)
	// ActivateEnrollment upserts e with its tariff and status=active.
	ActivateEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error)
	ExpireEnrollment(ctx context.Context, enrollmentID uint) error

	GradeFor(ctx context.Context, studentID, taskID uint) (*models.Grade, error)
	UpsertAcceptedGrade(ctx context.Context, g *models.Grade) (*models.Grade, error)
	CreateSubmittedGrade(ctx context.Context, g *models.Grade) (bool, error)

	CourseSecret(ctx context.Context, courseExternalID string) (*models.CourseSecret, error)
	PutCourseSecret(ctx context.Context, courseID uint, secret string) error
	DeleteCourseSecret(ctx context.Context, courseID uint) error

	// InsertProcessedWebhook is the idempotency gate: it reports false when a
	// row for w.WebhookID already exists, without failing the transaction.
	InsertProcessedWebhook(ctx context.Context, w *models.ProcessedWebhook) (bool, error)
	ProcessedWebhook(ctx context.Context, webhookID string) (*models.ProcessedWebhook, error)
}

type Store interface {
	Repository
	// InTx runs fn in one transaction; any error returned by fn rolls back
	// every write fn made.
	InTx(ctx context.Context, fn func(repo Repository) error) error
}
