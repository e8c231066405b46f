package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/Mond1c/zenclass-bridge/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SecretInvalidator is told when a course secret changes so cached copies are
// dropped.
type SecretInvalidator interface {
	Invalidate(courseExternalID string)
}

type AdminHandler struct {
	store   store.Store
	secrets SecretInvalidator
	logger  *zap.Logger
}

func NewAdminHandler(st store.Store, secrets SecretInvalidator, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{store: st, secrets: secrets, logger: logger}
}

type PutSecretRequest struct {
	Secret     string `json:"secret" validate:"required,min=8,max=255"`
	CourseName string `json:"course_name" validate:"max=255"`
}

func (h *AdminHandler) PutCourseSecret(c echo.Context) error {
	courseID := strings.TrimSpace(c.Param("course_id"))
	if courseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "course_id is required")
	}

	var req PutSecretRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	created := false
	err := h.store.InTx(ctx, func(repo store.Repository) error {
		course, err := repo.CourseByExternalID(ctx, courseID)
		if errors.Is(err, store.ErrNotFound) {
			name := strings.TrimSpace(req.CourseName)
			if name == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "course_name is required for an unknown course")
			}
			course, err = repo.CreateCourse(ctx, &models.Course{ExternalID: courseID, Name: name})
			created = err == nil
		}
		if err != nil {
			return err
		}
		return repo.PutCourseSecret(ctx, course.ID, req.Secret)
	})
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		h.logger.Error("Failed to store course secret", zap.String("course_id", courseID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store secret")
	}

	h.secrets.Invalidate(courseID)
	h.logger.Info("Course secret updated",
		zap.String("course_id", courseID),
		zap.Bool("course_created", created),
		zap.Any("admin", c.Get("admin_subject")))

	return c.JSON(http.StatusOK, map[string]interface{}{
		"course_id":      courseID,
		"configured":     true,
		"course_created": created,
	})
}

func (h *AdminHandler) GetCourseSecret(c echo.Context) error {
	courseID := c.Param("course_id")

	cs, err := h.store.CourseSecret(c.Request().Context(), courseID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"course_id":  courseID,
			"configured": false,
		})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load secret")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"course_id":  courseID,
		"configured": cs.Secret != "",
		"updated_at": cs.UpdatedAt,
	})
}

func (h *AdminHandler) DeleteCourseSecret(c echo.Context) error {
	courseID := c.Param("course_id")
	ctx := c.Request().Context()

	course, err := h.store.CourseByExternalID(ctx, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "course not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load course")
	}

	if err := h.store.DeleteCourseSecret(ctx, course.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "secret not configured")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete secret")
	}

	h.secrets.Invalidate(courseID)
	h.logger.Info("Course secret deleted", zap.String("course_id", courseID))

	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) GetProcessedWebhook(c echo.Context) error {
	pw, err := h.store.ProcessedWebhook(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not processed")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load webhook")
	}
	return c.JSON(http.StatusOK, pw)
}

type LinkTelegramRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	TelegramID int64  `json:"telegram_id" validate:"required"`
}

// LinkStudentTelegram records the telegram account grade notices go to.
func (h *AdminHandler) LinkStudentTelegram(c echo.Context) error {
	var req LinkTelegramRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	err := h.store.InTx(ctx, func(repo store.Repository) error {
		student, err := repo.StudentByEmail(ctx, req.Email)
		if err != nil {
			return err
		}
		return repo.LinkStudentTelegram(ctx, student.ID, req.TelegramID)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "student not found")
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "telegram account already linked")
	case err != nil:
		h.logger.Error("Failed to link telegram account", zap.String("email", req.Email), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to link telegram account")
	}

	h.logger.Info("Telegram account linked",
		zap.String("email", req.Email),
		zap.Any("admin", c.Get("admin_subject")))

	return c.JSON(http.StatusOK, map[string]interface{}{
		"email":       req.Email,
		"telegram_id": req.TelegramID,
	})
}
