package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/fingerprint"
	"github.com/kozaktomas/face-linker/internal/matchcache"
	"go.uber.org/zap"
)

// AdapterConfig controls retries and caching.
type AdapterConfig struct {
	MaxRetries       int           // total attempts per call
	RetryDelay       time.Duration // multiplied by the attempt number
	RequestTimeout   time.Duration // per attempt
	CachePrefixBytes int
}

// Adapter is the typed entry point to the recognition service. Every call
// is retried on transient failures; image searches go through the cache.
type Adapter struct {
	svc    Service
	cache  *matchcache.Cache
	cfg    AdapterConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewAdapter creates an adapter. cache may be nil.
func NewAdapter(svc Service, cache *matchcache.Cache, cfg AdapterConfig, logger *zap.Logger) *Adapter {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		svc:    svc,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "recognition")),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validateImage(image []byte) error {
	if _, err := fingerprint.InspectImage(image); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	return nil
}

// call runs fn with a per-attempt timeout, retrying with linear backoff.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if a.cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		}
		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if err == nil {
			callsTotal.WithLabelValues(op, "success").Inc()
			return nil
		}
		if isPermanent(err) {
			callsTotal.WithLabelValues(op, "rejected").Inc()
			return err
		}
		if ctx.Err() != nil {
			callsTotal.WithLabelValues(op, "canceled").Inc()
			return ctx.Err()
		}

		lastErr = err
		a.logger.Warn("recognition call failed",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Int("max_attempts", a.cfg.MaxRetries), zap.Error(err))

		if attempt < a.cfg.MaxRetries {
			retriesTotal.WithLabelValues(op).Inc()
			if err := a.sleep(ctx, a.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	callsTotal.WithLabelValues(op, "unavailable").Inc()
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrServiceUnavailable, op, a.cfg.MaxRetries, lastErr)
}

// Detect returns every face in the image.
func (a *Adapter) Detect(ctx context.Context, image []byte) ([]Face, error) {
	if err := validateImage(image); err != nil {
		return nil, err
	}
	var faces []Face
	err := a.call(ctx, "detect", func(ctx context.Context) error {
		var err error
		faces, err = a.svc.Detect(ctx, image)
		return err
	})
	return faces, err
}

// IndexOnce stores the single face of a registration image under ownerRef.
func (a *Adapter) IndexOnce(ctx context.Context, image []byte, ownerRef string) (string, error) {
	if err := validateImage(image); err != nil {
		return "", err
	}
	var indexed []IndexedFace
	err := a.call(ctx, "index", func(ctx context.Context) error {
		var err error
		indexed, err = a.svc.Index(ctx, image, ownerRef, database.FaceKindIdentity, 1)
		return err
	})
	if err != nil {
		return "", err
	}
	switch len(indexed) {
	case 0:
		return "", ErrNoFaceDetected
	case 1:
		return indexed[0].FaceID, nil
	default:
		return "", fmt.Errorf("%w: indexed %d", ErrMultipleFacesDetected, len(indexed))
	}
}

// IndexFaces stores up to maxFaces anonymous faces of a photo.
func (a *Adapter) IndexFaces(ctx context.Context, image []byte, ownerRef string, maxFaces int) ([]IndexedFace, error) {
	if err := validateImage(image); err != nil {
		return nil, err
	}
	var indexed []IndexedFace
	err := a.call(ctx, "index_faces", func(ctx context.Context) error {
		var err error
		indexed, err = a.svc.Index(ctx, image, ownerRef, database.FaceKindDetected, maxFaces)
		return err
	})
	return indexed, err
}

// SearchByFaceID finds anonymous faces similar to faceID.
func (a *Adapter) SearchByFaceID(ctx context.Context, faceID string, threshold float64, limit int) ([]Match, error) {
	var matches []Match
	err := a.call(ctx, "search_face", func(ctx context.Context) error {
		var err error
		matches, err = a.svc.SearchByFaceID(ctx, faceID, threshold, limit)
		return err
	})
	return matches, err
}

// SearchByImage finds identities in the image. Results, including empty
// ones, are cached by image fingerprint.
func (a *Adapter) SearchByImage(ctx context.Context, image []byte, threshold float64, limit int) ([]Match, error) {
	if err := validateImage(image); err != nil {
		return nil, err
	}

	var key string
	if a.cache != nil {
		key = matchcache.Key(image, a.cfg.CachePrefixBytes, threshold, limit)
		if data, ok := a.cache.Get(ctx, key); ok {
			var cached []Match
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
			a.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
		}
	}

	var matches []Match
	err := a.call(ctx, "search_image", func(ctx context.Context) error {
		var err error
		matches, err = a.svc.SearchByImage(ctx, image, threshold, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if data, err := json.Marshal(matches); err == nil {
			a.cache.Set(ctx, key, data)
		}
	}
	return matches, nil
}
