// Package reconciler commits photo matches to the record store. Writes
// escalate through a fixed ladder of strategies until one is accepted, and
// every accepted write is verified by reading the photo back.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrPersistenceWriteFailed is returned when no strategy could commit the match.
var ErrPersistenceWriteFailed = errors.New("persistence write failed")

// MaxWrites bounds the store writes of one Commit, corrective rewrite included.
const MaxWrites = 6

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facelinker_reconciler_attempts_total",
		Help: "Reconciler strategy attempts by strategy index and outcome",
	}, []string{"strategy", "outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facelinker_reconciler_verifications_total",
		Help: "Read-back verifications by outcome (verified, corrected, failed)",
	}, []string{"outcome"})
)

// Outcome describes what Commit did.
type Outcome string

const (
	OutcomeCommitted      Outcome = "committed"
	OutcomeAlreadyPresent Outcome = "already_present"
)

// Result summarizes a Commit call.
type Result struct {
	PhotoID   string
	UserID    string
	Outcome   Outcome
	Strategy  Strategy // the strategy whose write was accepted
	Writes    int
	Corrected bool
}

// Config tunes the reconciler.
type Config struct {
	ResetWait time.Duration
}

// Reconciler is the only writer of Photo.MatchedUsers.
type Reconciler struct {
	photos        database.PhotoStore
	records       database.MatchRecordStore
	notifications database.NotificationStore
	cfg           Config
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// New creates a reconciler. records and notifications may be nil.
func New(photos database.PhotoStore, records database.MatchRecordStore, notifications database.NotificationStore, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		photos:        photos,
		records:       records,
		notifications: notifications,
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "reconciler")),
		sleep:         sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Reconciler) fetch(ctx context.Context, photoID string) (*database.Photo, error) {
	photo, err := r.photos.GetPhoto(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if photo == nil {
		return nil, fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	return photo, nil
}

// Commit adds match to the photo's matched users unless the user is
// already there. Strategies run in order and each at most once.
func (r *Reconciler) Commit(ctx context.Context, photoID string, match database.MatchedUser) (*Result, error) {
	log := r.logger.With(zap.String("photo_id", photoID), zap.String("user_id", match.UserID))
	res := &Result{PhotoID: photoID, UserID: match.UserID}

	photo, err := r.fetch(ctx, photoID)
	if err != nil {
		attemptsTotal.WithLabelValues(strconv.Itoa(int(StrategyFetch)), "failure").Inc()
		log.Error("reconciler fetch failed", zap.Int("strategy", int(StrategyFetch)), zap.Error(err))
		return nil, fmt.Errorf("%w: fetch: %w", ErrPersistenceWriteFailed, err)
	}
	if photo.HasUser(match.UserID) {
		attemptsTotal.WithLabelValues(strconv.Itoa(int(StrategyFetch)), string(OutcomeAlreadyPresent)).Inc()
		log.Debug("user already matched, nothing to do", zap.Int("strategy", int(StrategyFetch)))
		res.Outcome = OutcomeAlreadyPresent
		res.Strategy = StrategyFetch
		return res, nil
	}

	w := write{PhotoID: photoID, Match: match, Current: photo.MatchedUsers}
	var (
		errs     []error
		accepted *StrategyResult
	)
	for _, step := range r.ladder() {
		if res.Writes >= MaxWrites {
			break
		}
		sr := step.run(ctx, w)
		res.Writes += sr.Writes

		label := strconv.Itoa(int(step.strategy))
		if sr.Succeeded() {
			attemptsTotal.WithLabelValues(label, "success").Inc()
			log.Info("reconciler strategy succeeded",
				zap.Int("strategy", int(step.strategy)), zap.Stringer("strategy_name", step.strategy))
			accepted = &sr
			break
		}
		attemptsTotal.WithLabelValues(label, "failure").Inc()
		log.Warn("reconciler strategy failed",
			zap.Int("strategy", int(step.strategy)), zap.Stringer("strategy_name", step.strategy), zap.Error(sr.Err))
		errs = append(errs, fmt.Errorf("%s: %w", step.strategy, sr.Err))

		if ctx.Err() != nil {
			break
		}
	}
	if accepted == nil {
		log.Error("all reconciler strategies failed", zap.Int("writes", res.Writes))
		return nil, fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, errors.Join(errs...))
	}
	res.Strategy = accepted.Strategy

	if err := r.verify(ctx, log, res, w); err != nil {
		return nil, err
	}
	if accepted.Noop && !res.Corrected {
		// Another writer committed the user between the fetch and the append.
		log.Info("user appended concurrently, nothing to do", zap.Int("strategy", int(accepted.Strategy)))
		res.Outcome = OutcomeAlreadyPresent
		return res, nil
	}
	res.Outcome = OutcomeCommitted
	r.afterCommit(ctx, log, photoID, match)
	return res, nil
}

// verify reads the photo back and, if the user is missing, spends the
// remaining write budget on one corrective rewrite.
func (r *Reconciler) verify(ctx context.Context, log *zap.Logger, res *Result, w write) error {
	photo, err := r.fetch(ctx, w.PhotoID)
	if err == nil && photo.HasUser(w.Match.UserID) {
		verificationsTotal.WithLabelValues("verified").Inc()
		return nil
	}
	log.Warn("committed match not visible on read-back", zap.Int("strategy", int(res.Strategy)), zap.Error(err))

	if res.Writes >= MaxWrites {
		verificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: verification failed and write budget exhausted", ErrPersistenceWriteFailed)
	}
	if photo != nil {
		w.Current = photo.MatchedUsers
	}

	corrective := r.directUpdate
	switch res.Strategy {
	case StrategyProcedureAppend:
		corrective = r.procedureAppend
	case StrategyMinimalPayload:
		corrective = r.minimalPayload
	case StrategyStringPayload:
		corrective = r.stringPayload
	}
	sr := corrective(ctx, w)
	res.Writes += sr.Writes
	res.Corrected = true
	if sr.Err != nil {
		verificationsTotal.WithLabelValues("failed").Inc()
		log.Error("corrective rewrite failed", zap.Int("strategy", int(sr.Strategy)), zap.Error(sr.Err))
		return fmt.Errorf("%w: corrective rewrite: %w", ErrPersistenceWriteFailed, sr.Err)
	}

	photo, err = r.fetch(ctx, w.PhotoID)
	if err != nil || !photo.HasUser(w.Match.UserID) {
		verificationsTotal.WithLabelValues("failed").Inc()
		log.Error("match still missing after corrective rewrite", zap.Error(err))
		return fmt.Errorf("%w: verification failed after corrective rewrite", ErrPersistenceWriteFailed)
	}
	verificationsTotal.WithLabelValues("corrected").Inc()
	log.Info("corrective rewrite verified", zap.Int("strategy", int(sr.Strategy)))
	return nil
}

// afterCommit records the dashboard row and notifies the user. Failures
// are logged only.
func (r *Reconciler) afterCommit(ctx context.Context, log *zap.Logger, photoID string, match database.MatchedUser) {
	if r.records != nil {
		record := database.MatchRecord{
			UserID:     match.UserID,
			PhotoID:    photoID,
			Confidence: match.Confidence,
			MatchType:  match.MatchType,
			MatchedAt:  match.MatchedAt,
		}
		if err := r.records.UpsertMatchRecord(ctx, record); err != nil {
			log.Warn("failed to upsert match record", zap.Error(err))
		}
	}
	if r.notifications != nil {
		n := &database.Notification{
			ID:        uuid.NewString(),
			UserID:    match.UserID,
			PhotoID:   photoID,
			Kind:      database.NotificationKindPhotoMatch,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.notifications.CreateNotification(ctx, n); err != nil {
			log.Warn("failed to create notification", zap.Error(err))
		}
	}
}
