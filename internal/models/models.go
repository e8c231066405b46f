package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Student struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email      string  `gorm:"uniqueIndex;not null" json:"email"`
	Name       string  `json:"name"`
	TelegramID *int64  `gorm:"uniqueIndex" json:"telegram_id,omitempty"`
	ExternalID *string `gorm:"uniqueIndex" json:"external_id,omitempty"`
}

type Course struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name         string `gorm:"index;not null" json:"name"`
	ExternalID   string `gorm:"uniqueIndex;not null" json:"external_id"`
	ZoomURL      string `json:"zoom_url"`
	ZoomPasscode string `json:"zoom_passcode"`
}

// Enrollment statuses
const (
	EnrollmentStatusActive  = "active"
	EnrollmentStatusExpired = "expired"
)

type Enrollment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudentID uint    `gorm:"uniqueIndex:ux_enrollments_student_course,priority:1" json:"student_id"`
	Student   Student `json:"student,omitempty"`
	CourseID  uint    `gorm:"uniqueIndex:ux_enrollments_student_course,priority:2" json:"course_id"`
	Course    Course  `json:"course,omitempty"`

	TariffID     *string   `json:"tariff_id"`
	TariffName   string    `json:"tariff_name"`
	Status       string    `gorm:"not null;default:active" json:"status"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Task types
const (
	TaskTypeHomework = "homework"
	TaskTypeMock     = "mock"
	TaskTypeEssay    = "essay"
	TaskTypeProject  = "project"
	TaskTypeOther    = "other"
)

const DefaultMaxScore = 100

type Task struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CourseID uint   `json:"course_id"`
	Course   Course `json:"course,omitempty"`

	ExternalID string `gorm:"uniqueIndex;not null" json:"external_id"`
	Name       string `json:"name"`
	Type       string `gorm:"not null;default:homework" json:"type"`
	MaxScore   int    `gorm:"not null;default:100" json:"max_score"`
}

var taskTypeKeywords = []struct {
	taskType string
	words    []string
}{
	{TaskTypeMock, []string{"пробник", "пробный", "mock", "тест"}},
	{TaskTypeEssay, []string{"эссе", "essay", "сочинение"}},
	{TaskTypeProject, []string{"проект", "project", "исследование"}},
}

// DetectTaskType derives the task type from its name. It is applied once,
// when the task is first created.
func DetectTaskType(name string) string {
	lower := strings.ToLower(name)
	for _, kw := range taskTypeKeywords {
		for _, w := range kw.words {
			if strings.Contains(lower, w) {
				return kw.taskType
			}
		}
	}
	return TaskTypeHomework
}

// Grade statuses
const (
	GradeStatusSubmitted = "submitted"
	GradeStatusAccepted  = "accepted"
	GradeStatusRejected  = "rejected"
)

type Grade struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudentID uint    `gorm:"uniqueIndex:ux_grades_student_task,priority:1" json:"student_id"`
	Student   Student `json:"student,omitempty"`
	TaskID    uint    `gorm:"uniqueIndex:ux_grades_student_task,priority:2" json:"task_id"`
	Task      Task    `json:"task,omitempty"`

	Value          *int       `json:"value"`
	TeacherComment string     `json:"teacher_comment"`
	Status         string     `gorm:"not null;default:submitted" json:"status"`
	ReportLink     string     `json:"report_link"`
	CheckedAt      *time.Time `json:"checked_at"`
}

var (
	autoCheckPattern = regexp.MustCompile(`^\s*(\d+)\s*/\s*(\d+)\s*$`)
	fractionPattern  = regexp.MustCompile(`(\d+)\s*/\s*\d+`)
	digitsPattern    = regexp.MustCompile(`\d+`)
)

// ParseAutoCheckResult reads an auto-check result of the form "X/Y".
func ParseAutoCheckResult(result string) (score, maxScore int, ok bool) {
	m := autoCheckPattern.FindStringSubmatch(result)
	if m == nil {
		return 0, 0, false
	}
	score, ok = parseScore(m[1])
	if !ok {
		return 0, 0, false
	}
	maxScore, ok = parseScore(m[2])
	if !ok {
		return 0, 0, false
	}
	return score, maxScore, true
}

// ParseScoreFromComment extracts a score from a reviewer comment. A "X/Y"
// fraction wins over the first bare number; nil means a pass without a score.
func ParseScoreFromComment(comment string) *int {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil
	}

	if m := fractionPattern.FindStringSubmatch(comment); m != nil {
		if v, ok := parseScore(m[1]); ok {
			return &v
		}
	}

	if m := digitsPattern.FindString(comment); m != "" {
		if v, ok := parseScore(m); ok {
			return &v
		}
	}

	return nil
}

// parseScore rejects numbers that do not fit the integer score columns.
func parseScore(digits string) (int, bool) {
	v, err := strconv.ParseInt(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

type CourseSecret struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CourseID uint   `gorm:"uniqueIndex;not null" json:"course_id"`
	Course   Course `json:"course,omitempty"`
	Secret   string `gorm:"not null" json:"-"`
}

type ProcessedWebhook struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	WebhookID   string         `gorm:"uniqueIndex;not null" json:"webhook_id"`
	EventName   string         `gorm:"not null" json:"event_name"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	ProcessedAt time.Time      `gorm:"not null" json:"processed_at"`
}
