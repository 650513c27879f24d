package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/mock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	photos  *mock.MockPhotoStore
	records *mock.MockMatchRecordStore
	notes   *mock.MockNotificationStore
	logs    *observer.ObservedLogs
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		photos:  mock.NewMockPhotoStore(),
		records: mock.NewMockMatchRecordStore(),
		notes:   mock.NewMockNotificationStore(),
		logs:    logs,
	}
	f.rec = New(f.photos, f.records, f.notes, Config{ResetWait: time.Millisecond}, zap.New(core))
	f.rec.sleep = func(context.Context, time.Duration) error { return nil }
	f.photos.AddPhoto(database.Photo{PhotoID: "P1", StorageRef: "photos/P1.jpg"})
	return f
}

func match(userID string, confidence float64) database.MatchedUser {
	return database.MatchedUser{
		UserID:     userID,
		FaceID:     "f-" + userID,
		Confidence: confidence,
		MatchedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		MatchType:  database.MatchTypeDirect,
		FullName:   "Test " + userID,
		Email:      userID + "@example.com",
	}
}

var errRejected = errors.New("payload rejected")

func TestCommit_ProcedureAppend(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, StrategyProcedureAppend, res.Strategy)
	assert.Equal(t, 1, res.Writes)
	assert.False(t, res.Corrected)

	photo := f.photos.Photo("P1")
	require.Len(t, photo.MatchedUsers, 1)
	assert.Equal(t, "Test U1", photo.MatchedUsers[0].FullName)
	assert.Equal(t, 1, f.records.Count())

	notes, _ := f.notes.ListNotifications(context.Background(), "U1", true, 10)
	require.Len(t, notes, 1)
	assert.Equal(t, database.NotificationKindPhotoMatch, notes[0].Kind)
}

func TestCommit_AlreadyPresentIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Commit(ctx, "P1", match("U1", 92))
	require.NoError(t, err)

	res, err := f.rec.Commit(ctx, "P1", match("U1", 99))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPresent, res.Outcome)
	assert.Zero(t, res.Writes)

	photo := f.photos.Photo("P1")
	require.Len(t, photo.MatchedUsers, 1)
	assert.Equal(t, 92.0, photo.MatchedUsers[0].Confidence, "the first confidence is kept")
	assert.Equal(t, 1, f.photos.AppendCalls)
	assert.Equal(t, 1, f.records.Count())
}

func TestCommit_DirectUpdateAfterProcedureFails(t *testing.T) {
	f := newFixture(t)
	f.photos.AppendError = errRejected
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("3", "success"))

	res, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, StrategyDirectUpdate, res.Strategy)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.True(t, f.photos.Photo("P1").HasUser("U1"))

	failed := f.logs.FilterMessage("reconciler strategy failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].ContextMap()["strategy"])
	succeeded := f.logs.FilterMessage("reconciler strategy succeeded").All()
	require.Len(t, succeeded, 1)
	assert.Equal(t, int64(3), succeeded[0].ContextMap()["strategy"])
	assert.Equal(t, "direct_update", succeeded[0].ContextMap()["strategy_name"])

	assert.Equal(t, before+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("3", "success")))
}

// Procedure and direct update are rejected; the minimal payload goes through.
func TestCommit_MinimalPayloadAfterEarlierFailures(t *testing.T) {
	f := newFixture(t)
	f.photos.AppendError = errRejected
	f.photos.UpdateError = errRejected
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("4", "success"))

	res, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, StrategyMinimalPayload, res.Strategy)
	assert.Equal(t, 3, res.Writes)

	photo := f.photos.Photo("P1")
	require.True(t, photo.HasUser("U1"))
	assert.Empty(t, photo.MatchedUsers[0].FullName, "minimal payload carries no display fields")

	succeeded := f.logs.FilterMessage("reconciler strategy succeeded").All()
	require.Len(t, succeeded, 1)
	assert.Equal(t, int64(4), succeeded[0].ContextMap()["strategy"])
	assert.Len(t, f.logs.FilterMessage("reconciler strategy failed").All(), 2)

	assert.Equal(t, before+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("4", "success")))
}

// concurrentPhotos commits the same user from another writer right before
// the procedure append runs.
type concurrentPhotos struct {
	*mock.MockPhotoStore
	other database.MatchedUser
}

func (c *concurrentPhotos) AppendMatchedUser(ctx context.Context, photoID string, user database.MatchedUser) (bool, error) {
	p := c.Photo(photoID)
	p.MatchedUsers = append(p.MatchedUsers, c.other)
	c.AddPhoto(*p)
	return c.MockPhotoStore.AppendMatchedUser(ctx, photoID, user)
}

func TestCommit_ConcurrentAppendIsNoop(t *testing.T) {
	f := newFixture(t)
	photos := &concurrentPhotos{MockPhotoStore: f.photos, other: match("U1", 97)}
	rec := New(photos, f.records, f.notes, Config{}, zap.NewNop())

	res, err := rec.Commit(context.Background(), "P1", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPresent, res.Outcome)
	assert.Equal(t, StrategyProcedureAppend, res.Strategy)

	photo := f.photos.Photo("P1")
	require.Len(t, photo.MatchedUsers, 1)
	assert.Equal(t, 97.0, photo.MatchedUsers[0].Confidence, "the concurrent writer's entry is kept")
	assert.Zero(t, f.records.Count(), "side effects belong to the writer that committed")
}

func TestCommit_StringPayload(t *testing.T) {
	f := newFixture(t)
	f.photos.AddPhoto(database.Photo{PhotoID: "P2", MatchedUsers: []database.MatchedUser{match("U0", 95)}})
	f.photos.AppendError = errRejected
	f.photos.UpdateError = errRejected
	f.photos.MinimalError = errRejected

	res, err := f.rec.Commit(context.Background(), "P2", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, StrategyStringPayload, res.Strategy)

	photo := f.photos.Photo("P2")
	require.Len(t, photo.MatchedUsers, 2)
	assert.Equal(t, "U0", photo.MatchedUsers[0].UserID)
	assert.Equal(t, "U1", photo.MatchedUsers[1].UserID)
}

func TestCommit_ResetAndRewrite(t *testing.T) {
	f := newFixture(t)
	f.photos.AddPhoto(database.Photo{PhotoID: "P2", MatchedUsers: []database.MatchedUser{match("U0", 95)}})
	f.photos.AppendError = errRejected
	f.photos.UpdateError = errRejected
	f.photos.UpdateFailFirst = 1
	f.photos.MinimalError = errRejected
	f.photos.StringError = errRejected

	res, err := f.rec.Commit(context.Background(), "P2", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, StrategyResetAndRewrite, res.Strategy)
	assert.Equal(t, MaxWrites, res.Writes)
	assert.Equal(t, 1, f.photos.ResetCalls)

	photo := f.photos.Photo("P2")
	require.Len(t, photo.MatchedUsers, 2, "reset must not lose existing matches")
}

func TestCommit_AllStrategiesFail(t *testing.T) {
	f := newFixture(t)
	f.photos.AppendError = errRejected
	f.photos.UpdateError = errRejected
	f.photos.MinimalError = errRejected
	f.photos.StringError = errRejected

	_, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.ErrorIs(t, err, ErrPersistenceWriteFailed)
	assert.ErrorIs(t, err, errRejected)

	writes := f.photos.AppendCalls + f.photos.UpdateCalls + f.photos.MinimalCalls + f.photos.StringCalls + f.photos.ResetCalls
	assert.LessOrEqual(t, writes, MaxWrites)
	assert.Equal(t, 1, f.photos.AppendCalls, "each strategy runs at most once")
	assert.Zero(t, f.records.Count())
}

func TestCommit_CorrectiveRewrite(t *testing.T) {
	f := newFixture(t)
	f.photos.DropWrites = 1

	res, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	assert.Equal(t, 2, res.Writes)
	assert.Equal(t, 2, f.photos.AppendCalls)
	assert.True(t, f.photos.Photo("P1").HasUser("U1"))
}

func TestCommit_VerificationFails(t *testing.T) {
	f := newFixture(t)
	f.photos.DropWrites = 100

	_, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.ErrorIs(t, err, ErrPersistenceWriteFailed)
	assert.Equal(t, 2, f.photos.AppendCalls, "only one corrective rewrite")
	assert.Zero(t, f.records.Count())
}

func TestCommit_MissingPhoto(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Commit(context.Background(), "nope", match("U1", 92))
	assert.ErrorIs(t, err, ErrPersistenceWriteFailed)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Zero(t, f.photos.AppendCalls)
}

func TestCommit_SideEffectFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t)
	f.records.UpsertError = errors.New("db down")
	f.notes.CreateError = errors.New("db down")

	res, err := f.rec.Commit(context.Background(), "P1", match("U1", 92))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Len(t, f.logs.FilterMessage("failed to upsert match record").All(), 1)
}

func TestCommit_Uniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, u := range []string{"U1", "U2", "U1", "U3", "U2"} {
		_, err := f.rec.Commit(ctx, "P1", match(u, 91))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for _, u := range f.photos.Photo("P1").MatchedUsers {
		assert.False(t, seen[u.UserID], "duplicate entry for %s", u.UserID)
		seen[u.UserID] = true
	}
	assert.Len(t, seen, 3)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "minimal_payload", StrategyMinimalPayload.String())
	assert.Equal(t, "strategy_9", Strategy(9).String())
	assert.Equal(t, 1, int(StrategyFetch))
	assert.Equal(t, 6, int(StrategyResetAndRewrite))
}
