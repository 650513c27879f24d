//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := Open(ctx, cfg, zap.NewNop())
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}
	return pool, cleanup
}

func testEmbedding(seed float32) []float32 {
	v := make([]float32, 512)
	for i := range v {
		v[i] = seed + float32(i%7)/7
	}
	return v
}

func TestMigrationsAreRecorded(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	versions, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("MigrationsApplied: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 migrations, got %v", versions)
	}

	applied, err := pool.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no pending migrations, got %v", applied)
	}
}

func TestIdentityRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewIdentityRepository(pool)

	got, err := repo.CreateIdentity(ctx, database.Identity{UserID: "u1", CanonicalFaceID: "f-001"})
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if got.CanonicalFaceID != "f-001" {
		t.Errorf("expected f-001, got %s", got.CanonicalFaceID)
	}

	// A second create for the same user keeps the first canonical face.
	again, err := repo.CreateIdentity(ctx, database.Identity{UserID: "u1", CanonicalFaceID: "f-999"})
	if err != nil {
		t.Fatalf("second CreateIdentity: %v", err)
	}
	if again.CanonicalFaceID != "f-001" {
		t.Errorf("canonical face was reassigned to %s", again.CanonicalFaceID)
	}

	byFace, err := repo.GetIdentityByFaceID(ctx, "f-001")
	if err != nil || byFace == nil || byFace.UserID != "u1" {
		t.Errorf("GetIdentityByFaceID = %+v, %v", byFace, err)
	}

	missing, err := repo.GetIdentity(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("expected nil identity, got %+v, %v", missing, err)
	}
}

func TestPhotoRepository_WriteModes(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewPhotoRepository(pool)

	photo := &database.Photo{PhotoID: "p1", StorageRef: "photos/p1.jpg"}
	if err := repo.CreatePhoto(ctx, photo); err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}

	u1 := database.MatchedUser{UserID: "u1", FaceID: "f1", Confidence: 92, MatchType: database.MatchTypeDirect, MatchedAt: time.Now().UTC()}

	t.Run("duplicate photo id", func(t *testing.T) {
		err := repo.CreatePhoto(ctx, &database.Photo{PhotoID: "p1", StorageRef: "photos/other.jpg"})
		if !errors.Is(err, database.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
		got, _ := repo.GetPhoto(ctx, "p1")
		if got.StorageRef != "photos/p1.jpg" {
			t.Errorf("storage ref changed to %s", got.StorageRef)
		}
	})

	t.Run("procedure append is idempotent", func(t *testing.T) {
		for i, want := range []bool{true, false} {
			appended, err := repo.AppendMatchedUser(ctx, "p1", u1)
			if err != nil {
				t.Fatalf("AppendMatchedUser: %v", err)
			}
			if appended != want {
				t.Errorf("call %d: appended = %v, want %v", i, appended, want)
			}
		}
		got, err := repo.GetPhoto(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPhoto: %v", err)
		}
		if len(got.MatchedUsers) != 1 || got.MatchedUsers[0].UserID != "u1" {
			t.Errorf("unexpected matched users: %+v", got.MatchedUsers)
		}
	})

	t.Run("string payload", func(t *testing.T) {
		payload := `[{"userId":"u2","faceId":"f2","confidence":95,"matchType":"historical","matchedAt":"2024-01-01T00:00:00Z"}]`
		if err := repo.WriteMatchedUsersString(ctx, "p1", payload); err != nil {
			t.Fatalf("WriteMatchedUsersString: %v", err)
		}
		got, _ := repo.GetPhoto(ctx, "p1")
		if len(got.MatchedUsers) != 1 || got.MatchedUsers[0].UserID != "u2" {
			t.Errorf("unexpected matched users: %+v", got.MatchedUsers)
		}
	})

	t.Run("minimal and reset", func(t *testing.T) {
		if err := repo.UpdateMatchedUsersMinimal(ctx, "p1", []database.MatchedUser{u1}); err != nil {
			t.Fatalf("UpdateMatchedUsersMinimal: %v", err)
		}
		if err := repo.ResetMatchedUsers(ctx, "p1"); err != nil {
			t.Fatalf("ResetMatchedUsers: %v", err)
		}
		got, _ := repo.GetPhoto(ctx, "p1")
		if len(got.MatchedUsers) != 0 {
			t.Errorf("expected empty matched users, got %+v", got.MatchedUsers)
		}
	})

	t.Run("missing photo", func(t *testing.T) {
		err := repo.UpdateMatchedUsers(ctx, "nope", []database.MatchedUser{u1})
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := repo.DeletePhoto(ctx, "p1"); err != nil {
			t.Fatalf("DeletePhoto: %v", err)
		}
		got, err := repo.GetPhoto(ctx, "p1")
		if err != nil || got != nil {
			t.Errorf("expected photo to be gone, got %+v (%v)", got, err)
		}
		if err := repo.DeletePhoto(ctx, "p1"); !errors.Is(err, database.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCollectionRepository_Search(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewCollectionRepository(pool)

	faces := []database.CollectionFace{
		{FaceID: "id-1", Kind: database.FaceKindIdentity, OwnerRef: "user:u1", Embedding: testEmbedding(1), BBox: []float64{0, 0, 10, 10}},
		{FaceID: "det-1", Kind: database.FaceKindDetected, OwnerRef: "photo:p1", Embedding: testEmbedding(1), BBox: []float64{0, 0, 10, 10}},
	}
	if err := repo.AddCollectionFaces(ctx, faces); err != nil {
		t.Fatalf("AddCollectionFaces: %v", err)
	}
	if faces[0].ID == 0 {
		t.Error("expected database id to be assigned")
	}

	for _, useHNSW := range []bool{false, true} {
		if useHNSW {
			if err := repo.EnableHNSW(ctx, t.TempDir()); err != nil {
				t.Fatalf("EnableHNSW: %v", err)
			}
		}
		got, dists, err := repo.FindSimilarWithDistance(ctx, database.FaceKindIdentity, testEmbedding(1), 5, 0.1)
		if err != nil {
			t.Fatalf("FindSimilarWithDistance (hnsw=%v): %v", useHNSW, err)
		}
		if len(got) != 1 || got[0].FaceID != "id-1" {
			t.Errorf("hnsw=%v: expected only the identity face, got %+v", useHNSW, got)
		}
		if len(dists) == 1 && dists[0] > 1e-4 {
			t.Errorf("hnsw=%v: expected near-zero distance, got %v", useHNSW, dists[0])
		}
	}
}

func TestCollectionRepository_IndexFollowsOtherWriters(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	server := NewCollectionRepository(pool)
	first := []database.CollectionFace{
		{FaceID: "id-1", Kind: database.FaceKindIdentity, OwnerRef: "user:u1", Embedding: testEmbedding(1), BBox: []float64{0, 0, 10, 10}},
	}
	if err := server.AddCollectionFaces(ctx, first); err != nil {
		t.Fatalf("AddCollectionFaces: %v", err)
	}
	if err := server.EnableHNSW(ctx, ""); err != nil {
		t.Fatalf("EnableHNSW: %v", err)
	}

	// A second process registers a face; the server's index never sees the insert.
	cli := NewCollectionRepository(pool)
	second := []database.CollectionFace{
		{FaceID: "id-2", Kind: database.FaceKindIdentity, OwnerRef: "user:u2", Embedding: testEmbedding(3), BBox: []float64{0, 0, 10, 10}},
	}
	if err := cli.AddCollectionFaces(ctx, second); err != nil {
		t.Fatalf("AddCollectionFaces: %v", err)
	}
	if n := server.HNSWCount(database.FaceKindIdentity); n != 1 {
		t.Fatalf("expected the server index to hold 1 face before searching, got %d", n)
	}

	got, _, err := server.FindSimilarWithDistance(ctx, database.FaceKindIdentity, testEmbedding(3), 5, 0.001)
	if err != nil {
		t.Fatalf("FindSimilarWithDistance: %v", err)
	}
	if len(got) != 1 || got[0].FaceID != "id-2" {
		t.Errorf("expected the face written by the other process, got %+v", got)
	}
	if n := server.HNSWCount(database.FaceKindIdentity); n != 2 {
		t.Errorf("expected the index to be rebuilt with 2 faces, got %d", n)
	}
}

func TestTaskRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewTaskRepository(pool)

	task := &database.BackgroundTask{
		ID:      "task-1",
		Type:    database.TaskTypeHistoricalBackfill,
		Payload: []byte(`{"faceId":"f1","userId":"u1"}`),
	}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	pending, err := repo.ListTasks(ctx, database.TaskStatusPending, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(pending) != 1 || string(pending[0].Payload) == "" {
		t.Fatalf("expected one pending task with payload, got %+v", pending)
	}

	if err := repo.UpdateTaskStatus(ctx, "task-1", database.TaskStatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, _ := repo.GetTask(ctx, "task-1")
	if got.Status != database.TaskStatusFailed || got.Error != "boom" {
		t.Errorf("unexpected task: %+v", got)
	}

	n, err := repo.DeleteTerminalTasksBefore(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Errorf("DeleteTerminalTasksBefore = %d, %v", n, err)
	}
}

func TestLinkedAccountsAndNotifications(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	links := NewLinkedAccountRepository(pool)
	for _, u := range []string{"u1", "u2", "u3"} {
		if err := links.LinkAccount(ctx, "g1", u); err != nil {
			t.Fatalf("LinkAccount: %v", err)
		}
	}
	ids, err := links.LinkedUserIDs(ctx, "u1")
	if err != nil {
		t.Fatalf("LinkedUserIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "u2" || ids[1] != "u3" {
		t.Errorf("expected [u2 u3], got %v", ids)
	}

	notes := NewNotificationRepository(pool)
	if err := notes.CreateNotification(ctx, &database.Notification{ID: "n1", UserID: "u1", PhotoID: "p1", Kind: database.NotificationKindPhotoMatch}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	ok, err := notes.MarkNotificationRead(ctx, "u1", "n1")
	if err != nil || !ok {
		t.Fatalf("MarkNotificationRead = %v, %v", ok, err)
	}
	unread, err := notes.ListNotifications(ctx, "u1", true, 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("expected no unread notifications, got %d", len(unread))
	}
}
