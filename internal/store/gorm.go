package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const uniqueViolation = "23505"

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) InTx(ctx context.Context, fn func(repo Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func first[T any](q *gorm.DB, what string) (*T, error) {
	var out T
	if err := q.First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	return &out, nil
}

// savepoint runs fn in a nested transaction so a failed statement does not
// abort the enclosing one.
func (s *GormStore) savepoint(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *GormStore) StudentByEmail(ctx context.Context, email string) (*models.Student, error) {
	return first[models.Student](s.db.WithContext(ctx).Where("email = ?", email), "student")
}

func (s *GormStore) CreateStudent(ctx context.Context, st *models.Student) (*models.Student, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(st).Error
	if err != nil {
		return nil, fmt.Errorf("create student: %w", err)
	}

	existing, err := s.StudentByEmail(ctx, st.Email)
	if errors.Is(err, ErrNotFound) && st.ExternalID != nil {
		// The external id belongs to another student; keep the email identity.
		retry := *st
		retry.ID = 0
		retry.ExternalID = nil
		return s.CreateStudent(ctx, &retry)
	}
	return existing, err
}

func (s *GormStore) AttachStudentExternalID(ctx context.Context, studentID uint, externalID string) (bool, error) {
	var affected int64
	err := s.savepoint(ctx, func(tx *gorm.DB) error {
		res := tx.Exec(`
			UPDATE students SET external_id = ?, updated_at = ?
			WHERE id = ? AND external_id IS NULL
			  AND NOT EXISTS (SELECT 1 FROM students WHERE external_id = ?)`,
			externalID, time.Now(), studentID, externalID)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("attach student external id: %w", err)
	}
	return affected > 0, nil
}

func (s *GormStore) LinkStudentTelegram(ctx context.Context, studentID uint, telegramID int64) error {
	err := s.savepoint(ctx, func(tx *gorm.DB) error {
		res := tx.Exec(`
			UPDATE students SET telegram_id = ?, updated_at = ?
			WHERE id = ? AND (telegram_id IS NULL OR telegram_id = ?)`,
			telegramID, time.Now(), studentID, telegramID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), isUniqueViolation(err):
		return ErrConflict
	default:
		return fmt.Errorf("link student telegram: %w", err)
	}
}

func (s *GormStore) CourseByExternalID(ctx context.Context, externalID string) (*models.Course, error) {
	return first[models.Course](s.db.WithContext(ctx).Where("external_id = ?", externalID), "course")
}

func (s *GormStore) CourseByName(ctx context.Context, name string) (*models.Course, error) {
	return first[models.Course](s.db.WithContext(ctx).Where("name = ?", name).Order("id"), "course")
}

func (s *GormStore) SetCourseExternalID(ctx context.Context, courseID uint, externalID string) error {
	err := s.savepoint(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Course{}).
			Where("id = ?", courseID).
			Update("external_id", externalID).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("set course external id: %w", err)
	}
	return nil
}

func (s *GormStore) CreateCourse(ctx context.Context, c *models.Course) (*models.Course, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(c).Error
	if err != nil {
		return nil, fmt.Errorf("create course: %w", err)
	}
	return s.CourseByExternalID(ctx, c.ExternalID)
}

func (s *GormStore) TaskByExternalID(ctx context.Context, externalID string) (*models.Task, error) {
	return first[models.Task](s.db.WithContext(ctx).Where("external_id = ?", externalID), "task")
}

func (s *GormStore) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(t).Error
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.TaskByExternalID(ctx, t.ExternalID)
}

func (s *GormStore) SetTaskMaxScore(ctx context.Context, taskID uint, maxScore int) error {
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		Update("max_score", maxScore).Error
	if err != nil {
		return fmt.Errorf("set task max score: %w", err)
	}
	return nil
}

func (s *GormStore) EnrollmentFor(ctx context.Context, studentID, courseID uint) (*models.Enrollment, error) {
	return first[models.Enrollment](
		s.db.WithContext(ctx).Where("student_id = ? AND course_id = ?", studentID, courseID),
		"enrollment")
}

func (s *GormStore) EnsureEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error) {
	if e.Status == "" {
		e.Status = models.EnrollmentStatusActive
	}
	if e.SubscribedAt.IsZero() {
		e.SubscribedAt = time.Now()
	}

	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}, {Name: "course_id"}},
			DoNothing: true,
		}).
		Create(e).Error
	if err != nil {
		return nil, fmt.Errorf("ensure enrollment: %w", err)
	}
	return s.EnrollmentFor(ctx, e.StudentID, e.CourseID)
}

func (s *GormStore) ActivateEnrollment(ctx context.Context, e *models.Enrollment) (*models.Enrollment, error) {
	e.Status = models.EnrollmentStatusActive
	if e.SubscribedAt.IsZero() {
		e.SubscribedAt = time.Now()
	}

	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}, {Name: "course_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tariff_id", "tariff_name", "status", "updated_at"}),
		}).
		Create(e).Error
	if err != nil {
		return nil, fmt.Errorf("activate enrollment: %w", err)
	}
	return s.EnrollmentFor(ctx, e.StudentID, e.CourseID)
}

func (s *GormStore) ExpireEnrollment(ctx context.Context, enrollmentID uint) error {
	err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", enrollmentID).
		Update("status", models.EnrollmentStatusExpired).Error
	if err != nil {
		return fmt.Errorf("expire enrollment: %w", err)
	}
	return nil
}

func (s *GormStore) GradeFor(ctx context.Context, studentID, taskID uint) (*models.Grade, error) {
	return first[models.Grade](
		s.db.WithContext(ctx).Where("student_id = ? AND task_id = ?", studentID, taskID),
		"grade")
}

func (s *GormStore) UpsertAcceptedGrade(ctx context.Context, g *models.Grade) (*models.Grade, error) {
	g.Status = models.GradeStatusAccepted

	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "student_id"}, {Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"value", "teacher_comment", "status", "report_link", "checked_at", "updated_at",
			}),
		}).
		Create(g).Error
	if err != nil {
		return nil, fmt.Errorf("upsert grade: %w", err)
	}
	return s.GradeFor(ctx, g.StudentID, g.TaskID)
}

func (s *GormStore) CreateSubmittedGrade(ctx context.Context, g *models.Grade) (bool, error) {
	g.Status = models.GradeStatusSubmitted

	res := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}, {Name: "task_id"}},
			DoNothing: true,
		}).
		Create(g)
	if res.Error != nil {
		return false, fmt.Errorf("create submitted grade: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CourseSecret(ctx context.Context, courseExternalID string) (*models.CourseSecret, error) {
	return first[models.CourseSecret](
		s.db.WithContext(ctx).
			Joins("JOIN courses ON courses.id = course_secrets.course_id").
			Where("courses.external_id = ?", courseExternalID),
		"course secret")
}

func (s *GormStore) PutCourseSecret(ctx context.Context, courseID uint, secret string) error {
	cs := models.CourseSecret{CourseID: courseID, Secret: secret}
	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "course_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"secret", "updated_at"}),
		}).
		Create(&cs).Error
	if err != nil {
		return fmt.Errorf("put course secret: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteCourseSecret(ctx context.Context, courseID uint) error {
	res := s.db.WithContext(ctx).Where("course_id = ?", courseID).Delete(&models.CourseSecret{})
	if res.Error != nil {
		return fmt.Errorf("delete course secret: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) InsertProcessedWebhook(ctx context.Context, w *models.ProcessedWebhook) (bool, error) {
	if w.ProcessedAt.IsZero() {
		w.ProcessedAt = time.Now()
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "webhook_id"}},
			DoNothing: true,
		}).
		Create(w)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, fmt.Errorf("insert processed webhook: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ProcessedWebhook(ctx context.Context, webhookID string) (*models.ProcessedWebhook, error) {
	return first[models.ProcessedWebhook](
		s.db.WithContext(ctx).Where("webhook_id = ?", webhookID),
		"processed webhook")
}
