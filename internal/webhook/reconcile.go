package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/Mond1c/zenclass-bridge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type reconciler struct {
	logger *zap.Logger
}

func newReconciler(logger *zap.Logger) *reconciler {
	return &reconciler{logger: logger}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// displayName turns "ivan.petrov@example.com" into "Ivan.Petrov": every run
// of letters in the local part is title-cased.
func displayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	caser := cases.Title(language.Und)

	var b strings.Builder
	start := -1
	for i, r := range local {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			b.WriteString(caser.String(local[start:i]))
			start = -1
		}
		b.WriteRune(r)
	}
	if start >= 0 {
		b.WriteString(caser.String(local[start:]))
	}
	return b.String()
}

func (rc *reconciler) student(ctx context.Context, repo store.Repository, email, externalID string) (*models.Student, error) {
	email = normalizeEmail(email)

	st, err := repo.StudentByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		fresh := &models.Student{Email: email, Name: displayName(email)}
		if externalID != "" {
			fresh.ExternalID = &externalID
		}
		st, err = repo.CreateStudent(ctx, fresh)
		if err != nil {
			return nil, err
		}
		rc.logger.Info("Student created", zap.String("email", email))
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	if externalID != "" && st.ExternalID == nil {
		attached, err := repo.AttachStudentExternalID(ctx, st.ID, externalID)
		if err != nil {
			return nil, err
		}
		if attached {
			st.ExternalID = &externalID
		}
	}
	return st, nil
}

// course finds a course by external id, then by exact name (courses imported
// with a synthetic id get the real id backfilled), and creates it otherwise.
func (rc *reconciler) course(ctx context.Context, repo store.Repository, externalID, name string) (*models.Course, error) {
	c, err := repo.CourseByExternalID(ctx, externalID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return c, err
	}

	c, err = repo.CourseByName(ctx, name)
	switch {
	case err == nil:
		if err := repo.SetCourseExternalID(ctx, c.ID, externalID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return repo.CourseByExternalID(ctx, externalID)
			}
			return nil, err
		}
		c.ExternalID = externalID
		rc.logger.Info("Course external id backfilled",
			zap.String("course", name),
			zap.String("external_id", externalID))
		return c, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	c, err = repo.CreateCourse(ctx, &models.Course{ExternalID: externalID, Name: name})
	if err != nil {
		return nil, err
	}
	rc.logger.Info("Course created", zap.String("course", name), zap.String("external_id", externalID))
	return c, nil
}

func (rc *reconciler) task(ctx context.Context, repo store.Repository, course *models.Course, externalID, name string) (*models.Task, error) {
	t, err := repo.TaskByExternalID(ctx, externalID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return t, err
	}

	t, err = repo.CreateTask(ctx, &models.Task{
		CourseID:   course.ID,
		ExternalID: externalID,
		Name:       name,
		Type:       models.DetectTaskType(name),
		MaxScore:   models.DefaultMaxScore,
	})
	if err != nil {
		return nil, err
	}
	rc.logger.Info("Task created", zap.String("task", name), zap.String("type", t.Type))
	return t, nil
}

type taskContext struct {
	student *models.Student
	course  *models.Course
	task    *models.Task
}

// taskChain resolves the student, course, task and enrollment a task event
// refers to, creating whatever is missing.
func (rc *reconciler) taskChain(ctx context.Context, repo store.Repository, p *TaskPayload) (*taskContext, error) {
	student, err := rc.student(ctx, repo, p.UserEmail.String(), p.UserID.String())
	if err != nil {
		return nil, fmt.Errorf("resolve student: %w", err)
	}
	course, err := rc.course(ctx, repo, p.CourseID.String(), p.courseName())
	if err != nil {
		return nil, fmt.Errorf("resolve course: %w", err)
	}
	task, err := rc.task(ctx, repo, course, p.TaskID.String(), p.taskName())
	if err != nil {
		return nil, fmt.Errorf("resolve task: %w", err)
	}

	_, err = repo.EnsureEnrollment(ctx, &models.Enrollment{
		StudentID:  student.ID,
		CourseID:   course.ID,
		TariffID:   p.Tariff.ID(),
		TariffName: p.Tariff.Name(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure enrollment: %w", err)
	}

	return &taskContext{student: student, course: course, task: task}, nil
}

func (rc *reconciler) partial(ev *Event) {
	rc.logger.Warn("Incomplete webhook payload, nothing to reconcile",
		zap.String("webhook_id", ev.ID),
		zap.String("event", string(ev.Kind)))
}

func (rc *reconciler) taskAccepted(ctx context.Context, repo store.Repository, ev *Event) (Outcome, error) {
	p := ev.Task
	if p == nil || !p.complete() {
		rc.partial(ev)
		return Outcome{}, nil
	}

	tc, err := rc.taskChain(ctx, repo, p)
	if err != nil {
		return Outcome{}, err
	}

	var score *int
	maxScore := tc.task.MaxScore
	autoChecked := false
	if s, m, ok := models.ParseAutoCheckResult(p.TaskResult.String()); ok {
		score, maxScore, autoChecked = &s, m, true
	} else {
		score = models.ParseScoreFromComment(p.Comment.String())
	}

	checkedAt := time.Unix(ev.Timestamp, 0).UTC()

	// A stale acceptance must not touch the task or the grade.
	existing, err := repo.GradeFor(ctx, tc.student.ID, tc.task.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}
	if existing != nil && existing.Status == models.GradeStatusAccepted &&
		existing.CheckedAt != nil && existing.CheckedAt.After(checkedAt) {
		rc.logger.Info("Stale acceptance ignored, a newer grade is stored",
			zap.String("webhook_id", ev.ID),
			zap.String("email", tc.student.Email),
			zap.Time("stored_checked_at", *existing.CheckedAt))
		return Outcome{Processed: true}, nil
	}

	if autoChecked && maxScore != tc.task.MaxScore {
		if err := repo.SetTaskMaxScore(ctx, tc.task.ID, maxScore); err != nil {
			return Outcome{}, err
		}
	}

	grade, err := repo.UpsertAcceptedGrade(ctx, &models.Grade{
		StudentID:      tc.student.ID,
		TaskID:         tc.task.ID,
		Value:          score,
		TeacherComment: p.Comment.String(),
		ReportLink:     p.ReportLink.String(),
		CheckedAt:      &checkedAt,
	})
	if err != nil {
		return Outcome{}, err
	}

	fields := []zap.Field{
		zap.String("email", tc.student.Email),
		zap.String("task", tc.task.Name),
	}
	if grade.Value != nil {
		fields = append(fields, zap.Int("score", *grade.Value))
	}
	rc.logger.Info("Grade accepted", fields...)

	return Outcome{
		Processed: true,
		Notices: []GradeNotice{{
			TelegramID:   tc.student.TelegramID,
			StudentEmail: tc.student.Email,
			StudentName:  tc.student.Name,
			CourseName:   tc.course.Name,
			TaskName:     tc.task.Name,
			Score:        grade.Value,
			MaxScore:     maxScore,
			ReportLink:   grade.ReportLink,
			CheckedAt:    checkedAt,
		}},
	}, nil
}

func (rc *reconciler) taskSubmitted(ctx context.Context, repo store.Repository, ev *Event) (Outcome, error) {
	p := ev.Task
	if p == nil || !p.complete() {
		rc.partial(ev)
		return Outcome{}, nil
	}

	tc, err := rc.taskChain(ctx, repo, p)
	if err != nil {
		return Outcome{}, err
	}

	created, err := repo.CreateSubmittedGrade(ctx, &models.Grade{
		StudentID: tc.student.ID,
		TaskID:    tc.task.ID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if created {
		rc.logger.Info("Task submitted for review",
			zap.String("email", tc.student.Email),
			zap.String("task", tc.task.Name))
	}

	return Outcome{Processed: true}, nil
}

func (rc *reconciler) userSubscribed(ctx context.Context, repo store.Repository, ev *Event) (Outcome, error) {
	return rc.activate(ctx, repo, ev, "Subscription activated")
}

func (rc *reconciler) paymentAccepted(ctx context.Context, repo store.Repository, ev *Event) (Outcome, error) {
	return rc.activate(ctx, repo, ev, "Payment accepted")
}

// activate puts the enrollment into the active state whatever its previous
// status was.
func (rc *reconciler) activate(ctx context.Context, repo store.Repository, ev *Event, msg string) (Outcome, error) {
	p := ev.Product
	if p == nil || !p.complete() {
		rc.partial(ev)
		return Outcome{}, nil
	}

	student, err := rc.student(ctx, repo, p.UserEmail.String(), p.UserID.String())
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve student: %w", err)
	}
	course, err := rc.course(ctx, repo, p.ProductID.String(), p.productName())
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve course: %w", err)
	}

	if _, err := repo.ActivateEnrollment(ctx, &models.Enrollment{
		StudentID:  student.ID,
		CourseID:   course.ID,
		TariffID:   p.Tariff.ID(),
		TariffName: p.Tariff.Name(),
	}); err != nil {
		return Outcome{}, fmt.Errorf("activate enrollment: %w", err)
	}

	rc.logger.Info(msg, zap.String("email", student.Email), zap.String("course", course.Name))
	return Outcome{Processed: true}, nil
}

// accessExpired never creates anything: a missing student, course or
// enrollment makes it a no-op.
func (rc *reconciler) accessExpired(ctx context.Context, repo store.Repository, ev *Event) (Outcome, error) {
	p := ev.Access
	if p == nil || !p.complete() {
		rc.partial(ev)
		return Outcome{}, nil
	}

	student, err := repo.StudentByEmail(ctx, normalizeEmail(p.UserEmail.String()))
	if err != nil {
		return notFoundIsNoop(err)
	}
	course, err := repo.CourseByExternalID(ctx, p.CourseID.String())
	if err != nil {
		return notFoundIsNoop(err)
	}
	enrollment, err := repo.EnrollmentFor(ctx, student.ID, course.ID)
	if err != nil {
		return notFoundIsNoop(err)
	}

	if err := repo.ExpireEnrollment(ctx, enrollment.ID); err != nil {
		return Outcome{}, err
	}

	rc.logger.Info("Course access expired", zap.String("email", student.Email), zap.String("course", course.Name))
	return Outcome{Processed: true}, nil
}

func notFoundIsNoop(err error) (Outcome, error) {
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, nil
	}
	return Outcome{}, err
}
