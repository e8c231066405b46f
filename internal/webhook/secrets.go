package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/cache"
	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/Mond1c/zenclass-bridge/internal/store"
)

type ResolverConfig struct {
	// EnrollmentSecret signs subscription and payment events.
	EnrollmentSecret string
	// CacheTTL bounds how long a course secret is served from memory.
	CacheTTL time.Duration
}

type SecretSource interface {
	CourseSecret(ctx context.Context, courseExternalID string) (*models.CourseSecret, error)
}

// Resolver maps an event to the secret its signature must have been made with.
type Resolver struct {
	cfg    ResolverConfig
	source SecretSource
	cache  *cache.SecretCache
}

func NewResolver(cfg ResolverConfig, source SecretSource, secretCache *cache.SecretCache) *Resolver {
	if secretCache == nil {
		secretCache = cache.NewSecretCache()
	}
	return &Resolver{cfg: cfg, source: source, cache: secretCache}
}

// Resolve returns ErrUnresolvedSecret when no secret applies. Other errors
// come from the secret source and are not a verdict on the notification.
func (r *Resolver) Resolve(ctx context.Context, ev *Event) (string, error) {
	switch ev.Kind.Category() {
	case CategoryEnrollment:
		return r.enrollmentSecret()
	case CategoryTask:
		return r.courseSecret(ctx, ev.CourseID())
	default:
		if courseID := ev.CourseID(); courseID != "" {
			return r.courseSecret(ctx, courseID)
		}
		return r.enrollmentSecret()
	}
}

// Invalidate drops a cached course secret after it was changed.
func (r *Resolver) Invalidate(courseExternalID string) {
	r.cache.Remove(courseExternalID)
}

func (r *Resolver) enrollmentSecret() (string, error) {
	if r.cfg.EnrollmentSecret == "" {
		return "", fmt.Errorf("%w: enrollment secret", ErrUnresolvedSecret)
	}
	return r.cfg.EnrollmentSecret, nil
}

func (r *Resolver) courseSecret(ctx context.Context, courseID string) (string, error) {
	if courseID == "" {
		return "", fmt.Errorf("%w: no course_id in payload", ErrUnresolvedSecret)
	}

	if secret, ok := r.cache.Get(courseID); ok {
		return secret, nil
	}

	gen := r.cache.Generation()
	cs, err := r.source.CourseSecret(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: course %s", ErrUnresolvedSecret, courseID)
		}
		return "", fmt.Errorf("resolve course secret: %w", err)
	}
	if cs.Secret == "" {
		return "", fmt.Errorf("%w: course %s", ErrUnresolvedSecret, courseID)
	}

	r.cache.AddIfCurrent(courseID, cs.Secret, r.cfg.CacheTTL, gen)
	return cs.Secret, nil
}
