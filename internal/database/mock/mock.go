// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
)

// MockIdentityStore is a mock implementation of database.IdentityStore
type MockIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*database.Identity

	CreateCalls int

	// Error injection
	GetError    error
	CreateError error
	ListError   error
}

// NewMockIdentityStore creates a new mock identity store
func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{identities: make(map[string]*database.Identity)}
}

// AddIdentity seeds an identity
func (m *MockIdentityStore) AddIdentity(identity database.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.UserID] = &identity
}

// GetIdentity retrieves a user's identity
func (m *MockIdentityStore) GetIdentity(ctx context.Context, userID string) (*database.Identity, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.identities[userID]; ok {
		c := *id
		return &c, nil
	}
	return nil, nil
}

// GetIdentityByFaceID resolves a canonical face to its identity
func (m *MockIdentityStore) GetIdentityByFaceID(ctx context.Context, faceID string) (*database.Identity, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.identities {
		if id.CanonicalFaceID == faceID {
			c := *id
			return &c, nil
		}
	}
	return nil, nil
}

// ListIdentities returns all identities sorted by user id
func (m *MockIdentityStore) ListIdentities(ctx context.Context) ([]database.Identity, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, *id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CountIdentities returns the number of identities
func (m *MockIdentityStore) CountIdentities(ctx context.Context) (int, error) {
	if m.ListError != nil {
		return 0, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities), nil
}

// CreateIdentity stores an identity unless one exists for the user
func (m *MockIdentityStore) CreateIdentity(ctx context.Context, identity database.Identity) (*database.Identity, error) {
	if m.CreateError != nil {
		return nil, m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if existing, ok := m.identities[identity.UserID]; ok {
		c := *existing
		return &c, nil
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	m.identities[identity.UserID] = &identity
	c := identity
	return &c, nil
}

// MockDetectedFaceStore is a mock implementation of database.DetectedFaceStore
type MockDetectedFaceStore struct {
	mu    sync.RWMutex
	faces map[string]*database.DetectedFace

	// Error injection
	GetError   error
	SaveError  error
	ClaimError error
}

// NewMockDetectedFaceStore creates a new mock detected face store
func NewMockDetectedFaceStore() *MockDetectedFaceStore {
	return &MockDetectedFaceStore{faces: make(map[string]*database.DetectedFace)}
}

// AddFace seeds a detected face
func (m *MockDetectedFaceStore) AddFace(face database.DetectedFace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces[face.FaceID] = &face
}

// GetDetectedFace retrieves a face by id
func (m *MockDetectedFaceStore) GetDetectedFace(ctx context.Context, faceID string) (*database.DetectedFace, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.faces[faceID]; ok {
		c := *f
		return &c, nil
	}
	return nil, nil
}

// GetDetectedFaces retrieves the known faces among faceIDs
func (m *MockDetectedFaceStore) GetDetectedFaces(ctx context.Context, faceIDs []string) ([]database.DetectedFace, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.DetectedFace
	for _, id := range faceIDs {
		if f, ok := m.faces[id]; ok {
			out = append(out, *f)
		}
	}
	return out, nil
}

// ListDetectedFacesByPhoto returns all faces of a photo
func (m *MockDetectedFaceStore) ListDetectedFacesByPhoto(ctx context.Context, photoID string) ([]database.DetectedFace, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.DetectedFace
	for _, f := range m.faces {
		if f.PhotoID == photoID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FaceID < out[j].FaceID })
	return out, nil
}

// SaveDetectedFaces stores faces, keeping existing ones
func (m *MockDetectedFaceStore) SaveDetectedFaces(ctx context.Context, faces []database.DetectedFace) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range faces {
		if _, ok := m.faces[f.FaceID]; !ok {
			m.faces[f.FaceID] = &f
		}
	}
	return nil
}

// ClaimDetectedFaces sets the claiming user on the faces
func (m *MockDetectedFaceStore) ClaimDetectedFaces(ctx context.Context, faceIDs []string, userID string) error {
	if m.ClaimError != nil {
		return m.ClaimError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range faceIDs {
		if f, ok := m.faces[id]; ok {
			f.ClaimedByUserID = userID
		}
	}
	return nil
}

// MockPhotoStore is a mock implementation of database.PhotoStore. Each
// matched-users write mode can be made to fail independently; DropWrites
// makes the next N successful writes vanish to simulate a lagging store.
type MockPhotoStore struct {
	mu     sync.RWMutex
	photos map[string]*database.Photo

	// Error injection
	GetError          error
	CreateError       error
	SaveFacesError    error
	AppendError       error
	UpdateError       error
	MinimalError      error
	StringError       error
	ResetError        error
	DropWrites        int
	GetErrorAfterCall int // GetError only applies once this many gets have happened
	UpdateFailFirst   int // the first N full updates fail with UpdateError

	// Call counters
	GetCalls     int
	AppendCalls  int
	UpdateCalls  int
	MinimalCalls int
	StringCalls  int
	ResetCalls   int
}

// NewMockPhotoStore creates a new mock photo store
func NewMockPhotoStore() *MockPhotoStore {
	return &MockPhotoStore{photos: make(map[string]*database.Photo)}
}

// AddPhoto seeds a photo
func (m *MockPhotoStore) AddPhoto(photo database.Photo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos[photo.PhotoID] = clonePhoto(&photo)
}

// Photo returns a copy of the stored photo without touching counters
func (m *MockPhotoStore) Photo(photoID string) *database.Photo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.photos[photoID]; ok {
		return clonePhoto(p)
	}
	return nil
}

func clonePhoto(p *database.Photo) *database.Photo {
	c := *p
	c.DetectedFaces = slices.Clone(p.DetectedFaces)
	c.MatchedUsers = slices.Clone(p.MatchedUsers)
	return &c
}

// GetPhoto retrieves a photo by id
func (m *MockPhotoStore) GetPhoto(ctx context.Context, photoID string) (*database.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetError != nil && m.GetCalls > m.GetErrorAfterCall {
		return nil, m.GetError
	}
	if p, ok := m.photos[photoID]; ok {
		return clonePhoto(p), nil
	}
	return nil, nil
}

// ListPhotoIDs returns photo ids ordered by creation
func (m *MockPhotoStore) ListPhotoIDs(ctx context.Context, limit, offset int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	photos := make([]*database.Photo, 0, len(m.photos))
	for _, p := range m.photos {
		photos = append(photos, p)
	}
	sort.Slice(photos, func(i, j int) bool { return photos[i].PhotoID < photos[j].PhotoID })
	var ids []string
	for i := offset; i < len(photos) && len(ids) < limit; i++ {
		ids = append(ids, photos[i].PhotoID)
	}
	return ids, nil
}

// CreatePhoto inserts a photo
func (m *MockPhotoStore) CreatePhoto(ctx context.Context, photo *database.Photo) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.photos[photo.PhotoID]; ok {
		return fmt.Errorf("photo %s: %w", photo.PhotoID, database.ErrAlreadyExists)
	}
	now := time.Now()
	photo.CreatedAt, photo.UpdatedAt = now, now
	m.photos[photo.PhotoID] = clonePhoto(photo)
	return nil
}

// DeletePhoto removes a photo
func (m *MockPhotoStore) DeletePhoto(ctx context.Context, photoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.photos[photoID]; !ok {
		return fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	delete(m.photos, photoID)
	return nil
}

// SaveDetectedFaceSummaries replaces the detected faces of a photo
func (m *MockPhotoStore) SaveDetectedFaceSummaries(ctx context.Context, photoID string, faces []database.FaceSummary) error {
	if m.SaveFacesError != nil {
		return m.SaveFacesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[photoID]
	if !ok {
		return fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	p.DetectedFaces = slices.Clone(faces)
	return nil
}

// write applies a matched users mutation unless a drop is pending. Caller holds mu.
func (m *MockPhotoStore) write(photoID string, users []database.MatchedUser, touch bool) error {
	p, ok := m.photos[photoID]
	if !ok {
		return fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	if m.DropWrites > 0 {
		m.DropWrites--
		return nil
	}
	p.MatchedUsers = slices.Clone(users)
	if touch {
		p.UpdatedAt = time.Now()
	}
	return nil
}

// AppendMatchedUser appends unless the user is already present
func (m *MockPhotoStore) AppendMatchedUser(ctx context.Context, photoID string, user database.MatchedUser) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls++
	if m.AppendError != nil {
		return false, m.AppendError
	}
	p, ok := m.photos[photoID]
	if !ok {
		return false, fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	if database.ContainsUser(p.MatchedUsers, user.UserID) {
		return false, nil
	}
	if err := m.write(photoID, append(slices.Clone(p.MatchedUsers), user), true); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMatchedUsers rewrites matched users and updated_at
func (m *MockPhotoStore) UpdateMatchedUsers(ctx context.Context, photoID string, users []database.MatchedUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if m.UpdateError != nil && (m.UpdateFailFirst == 0 || m.UpdateCalls <= m.UpdateFailFirst) {
		return m.UpdateError
	}
	return m.write(photoID, users, true)
}

// UpdateMatchedUsersMinimal rewrites matched users only
func (m *MockPhotoStore) UpdateMatchedUsersMinimal(ctx context.Context, photoID string, users []database.MatchedUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MinimalCalls++
	if m.MinimalError != nil {
		return m.MinimalError
	}
	return m.write(photoID, users, false)
}

// WriteMatchedUsersString parses and writes a serialized array
func (m *MockPhotoStore) WriteMatchedUsersString(ctx context.Context, photoID string, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StringCalls++
	if m.StringError != nil {
		return m.StringError
	}
	var users []database.MatchedUser
	if err := json.Unmarshal([]byte(payload), &users); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return m.write(photoID, users, true)
}

// ResetMatchedUsers clears matched users
func (m *MockPhotoStore) ResetMatchedUsers(ctx context.Context, photoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalls++
	if m.ResetError != nil {
		return m.ResetError
	}
	p, ok := m.photos[photoID]
	if !ok {
		return fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	p.MatchedUsers = []database.MatchedUser{}
	return nil
}

// MockMatchRecordStore is a mock implementation of database.MatchRecordStore
type MockMatchRecordStore struct {
	mu      sync.RWMutex
	records map[string]database.MatchRecord

	UpsertError error
}

// NewMockMatchRecordStore creates a new mock match record store
func NewMockMatchRecordStore() *MockMatchRecordStore {
	return &MockMatchRecordStore{records: make(map[string]database.MatchRecord)}
}

// UpsertMatchRecord stores the record keyed by (user, photo)
func (m *MockMatchRecordStore) UpsertMatchRecord(ctx context.Context, record database.MatchRecord) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.UserID+"/"+record.PhotoID] = record
	return nil
}

// ListMatchRecordsByUser returns a user's records, newest first
func (m *MockMatchRecordStore) ListMatchRecordsByUser(ctx context.Context, userID string, limit int) ([]database.MatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.MatchRecord
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records
func (m *MockMatchRecordStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MockTaskStore is a mock implementation of database.TaskStore
type MockTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*database.BackgroundTask

	CreateError error
	UpdateError error
}

// NewMockTaskStore creates a new mock task store
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{tasks: make(map[string]*database.BackgroundTask)}
}

// CreateTask stores a task
func (m *MockTaskStore) CreateTask(ctx context.Context, task *database.BackgroundTask) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	c := *task
	m.tasks[task.ID] = &c
	return nil
}

// GetTask retrieves a task by id
func (m *MockTaskStore) GetTask(ctx context.Context, id string) (*database.BackgroundTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

// UpdateTaskStatus sets the status and error of a task
func (m *MockTaskStore) UpdateTaskStatus(ctx context.Context, id string, status database.TaskStatus, errMsg string) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, database.ErrNotFound)
	}
	t.Status = status
	t.Error = errMsg
	t.UpdatedAt = time.Now()
	return nil
}

// ListTasks returns tasks newest first, optionally filtered by status
func (m *MockTaskStore) ListTasks(ctx context.Context, status database.TaskStatus, limit int) ([]database.BackgroundTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.BackgroundTask
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalTasksBefore removes finished tasks older than cutoff
func (m *MockTaskStore) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

// MockProfileStore is a mock implementation of database.ProfileStore
type MockProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]database.UserProfile

	GetError error
}

// NewMockProfileStore creates a new mock profile store
func NewMockProfileStore() *MockProfileStore {
	return &MockProfileStore{profiles: make(map[string]database.UserProfile)}
}

// GetProfile retrieves a profile
func (m *MockProfileStore) GetProfile(ctx context.Context, userID string) (*database.UserProfile, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[userID]; ok {
		return &p, nil
	}
	return nil, nil
}

// UpsertProfile stores a profile
func (m *MockProfileStore) UpsertProfile(ctx context.Context, profile database.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.UserID] = profile
	return nil
}

// MockLinkedAccountStore is a mock implementation of database.LinkedAccountStore
type MockLinkedAccountStore struct {
	mu     sync.RWMutex
	groups map[string]string // user -> group

	LookupError error
}

// NewMockLinkedAccountStore creates a new mock linked account store
func NewMockLinkedAccountStore() *MockLinkedAccountStore {
	return &MockLinkedAccountStore{groups: make(map[string]string)}
}

// LinkedUserIDs returns the other members of the user's group
func (m *MockLinkedAccountStore) LinkedUserIDs(ctx context.Context, userID string) ([]string, error) {
	if m.LookupError != nil {
		return nil, m.LookupError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[userID]
	if !ok {
		return nil, nil
	}
	var out []string
	for u, g := range m.groups {
		if g == group && u != userID {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out, nil
}

// LinkAccount adds a user to a group
func (m *MockLinkedAccountStore) LinkAccount(ctx context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[userID] = groupID
	return nil
}

// MockNotificationStore is a mock implementation of database.NotificationStore
type MockNotificationStore struct {
	mu            sync.RWMutex
	notifications []database.Notification

	CreateError error
}

// NewMockNotificationStore creates a new mock notification store
func NewMockNotificationStore() *MockNotificationStore {
	return &MockNotificationStore{}
}

// CreateNotification stores a notification
func (m *MockNotificationStore) CreateNotification(ctx context.Context, n *database.Notification) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.notifications = append(m.notifications, *n)
	return nil
}

// ListNotifications returns a user's notifications, newest first
func (m *MockNotificationStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]database.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.UserID != userID || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkNotificationRead sets read_at on a user's notification
func (m *MockNotificationStore) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		n := &m.notifications[i]
		if n.ID == id && n.UserID == userID {
			now := time.Now()
			n.ReadAt = &now
			return true, nil
		}
	}
	return false, nil
}

// MockCollectionStore is a mock implementation of database.CollectionStore
// using brute-force cosine search.
type MockCollectionStore struct {
	mu     sync.RWMutex
	faces  []database.CollectionFace
	nextID int64

	AddError    error
	SearchError error
}

// NewMockCollectionStore creates a new mock collection store
func NewMockCollectionStore() *MockCollectionStore {
	return &MockCollectionStore{nextID: 1}
}

// GetCollectionFace retrieves a face by public id
func (m *MockCollectionStore) GetCollectionFace(ctx context.Context, faceID string) (*database.CollectionFace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.faces {
		if f.FaceID == faceID {
			c := f
			return &c, nil
		}
	}
	return nil, nil
}

// FindSimilarWithDistance returns faces of kind within maxDistance, nearest first
func (m *MockCollectionStore) FindSimilarWithDistance(ctx context.Context, kind database.FaceKind, embedding []float32, limit int, maxDistance float64) ([]database.CollectionFace, []float64, error) {
	if m.SearchError != nil {
		return nil, nil, m.SearchError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		face database.CollectionFace
		dist float64
	}
	var hits []scored
	for _, f := range m.faces {
		if f.Kind != kind {
			continue
		}
		if d := database.CosineDistance(embedding, f.Embedding); d <= maxDistance {
			hits = append(hits, scored{f, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	faces := make([]database.CollectionFace, len(hits))
	dists := make([]float64, len(hits))
	for i, h := range hits {
		faces[i], dists[i] = h.face, h.dist
	}
	return faces, dists, nil
}

// CountCollectionFaces counts faces of a kind
func (m *MockCollectionStore) CountCollectionFaces(ctx context.Context, kind database.FaceKind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, f := range m.faces {
		if f.Kind == kind {
			n++
		}
	}
	return n, nil
}

// AddCollectionFaces stores faces and assigns ids
func (m *MockCollectionStore) AddCollectionFaces(ctx context.Context, faces []database.CollectionFace) error {
	if m.AddError != nil {
		return m.AddError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range faces {
		faces[i].ID = m.nextID
		m.nextID++
		m.faces = append(m.faces, faces[i])
	}
	return nil
}
