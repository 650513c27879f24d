package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by writes that target a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by inserts that collide with an existing key.
	ErrAlreadyExists = errors.New("record already exists")
)

// IdentityReader provides read-only access to canonical identities
type IdentityReader interface {
	// GetIdentity retrieves the identity of a user, returns nil if not found
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
	// GetIdentityByFaceID resolves a canonical face back to its user, returns nil if not found
	GetIdentityByFaceID(ctx context.Context, faceID string) (*Identity, error)
	// ListIdentities returns all identities ordered by creation time
	ListIdentities(ctx context.Context) ([]Identity, error)
	// CountIdentities returns the number of registered identities
	CountIdentities(ctx context.Context) (int, error)
}

// IdentityStore provides write access to canonical identities
type IdentityStore interface {
	IdentityReader

	// CreateIdentity persists a new identity. If the user already has one,
	// the stored identity is returned unchanged and its canonical face is kept.
	CreateIdentity(ctx context.Context, identity Identity) (*Identity, error)
}

// DetectedFaceStore provides access to anonymous faces found in photos
type DetectedFaceStore interface {
	// GetDetectedFace retrieves a face by id, returns nil if not found
	GetDetectedFace(ctx context.Context, faceID string) (*DetectedFace, error)
	// GetDetectedFaces retrieves the faces with the given ids; unknown ids are omitted
	GetDetectedFaces(ctx context.Context, faceIDs []string) ([]DetectedFace, error)
	// ListDetectedFacesByPhoto returns all faces found in a photo
	ListDetectedFacesByPhoto(ctx context.Context, photoID string) ([]DetectedFace, error)
	// SaveDetectedFaces inserts the faces of a photo (existing face ids are left untouched)
	SaveDetectedFaces(ctx context.Context, faces []DetectedFace) error
	// ClaimDetectedFaces marks faces as belonging to a registered user
	ClaimDetectedFaces(ctx context.Context, faceIDs []string, userID string) error
}

// PhotoReader provides read-only access to photos
type PhotoReader interface {
	// GetPhoto retrieves a photo by id, returns nil if not found
	GetPhoto(ctx context.Context, photoID string) (*Photo, error)
	// ListPhotoIDs returns photo ids ordered by upload time
	ListPhotoIDs(ctx context.Context, limit, offset int) ([]string, error)
}

// PhotoStore is the record store for photos. The matched users field has
// several write modes because the reconciler escalates through them.
type PhotoStore interface {
	PhotoReader

	// CreatePhoto inserts a photo with empty scan results; an existing
	// photo id yields ErrAlreadyExists
	CreatePhoto(ctx context.Context, photo *Photo) error
	// DeletePhoto removes a photo record
	DeletePhoto(ctx context.Context, photoID string) error
	// SaveDetectedFaceSummaries replaces the detected faces summary of a photo
	SaveDetectedFaceSummaries(ctx context.Context, photoID string, faces []FaceSummary) error

	// AppendMatchedUser appends through the authoritative stored procedure.
	// appended is false when the user was already present.
	AppendMatchedUser(ctx context.Context, photoID string, user MatchedUser) (appended bool, err error)
	// UpdateMatchedUsers rewrites matched users and bumps updated_at
	UpdateMatchedUsers(ctx context.Context, photoID string, users []MatchedUser) error
	// UpdateMatchedUsersMinimal rewrites matched users only
	UpdateMatchedUsersMinimal(ctx context.Context, photoID string, users []MatchedUser) error
	// WriteMatchedUsersString writes a pre-serialized JSON array
	WriteMatchedUsersString(ctx context.Context, photoID string, payload string) error
	// ResetMatchedUsers sets matched users to an empty array
	ResetMatchedUsers(ctx context.Context, photoID string) error
}

// MatchRecordStore holds the dashboard-facing match rows
type MatchRecordStore interface {
	// UpsertMatchRecord inserts or updates the row for (user, photo)
	UpsertMatchRecord(ctx context.Context, record MatchRecord) error
	// ListMatchRecordsByUser returns a user's matches, newest first
	ListMatchRecordsByUser(ctx context.Context, userID string, limit int) ([]MatchRecord, error)
}

// TaskStore persists background tasks for audit and restart recovery
type TaskStore interface {
	CreateTask(ctx context.Context, task *BackgroundTask) error
	// GetTask retrieves a task by id, returns nil if not found
	GetTask(ctx context.Context, id string) (*BackgroundTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) error
	// ListTasks returns tasks newest first; an empty status lists all,
	// a limit <= 0 returns every match
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]BackgroundTask, error)
	// DeleteTerminalTasksBefore prunes completed and failed tasks older than cutoff
	DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ProfileStore provides user display fields
type ProfileStore interface {
	// GetProfile retrieves a profile, returns nil if not found
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	UpsertProfile(ctx context.Context, profile UserProfile) error
}

// LinkedAccountStore groups user accounts that share photo matches
type LinkedAccountStore interface {
	// LinkedUserIDs returns the other users in the same group as userID
	LinkedUserIDs(ctx context.Context, userID string) ([]string, error)
	// LinkAccount adds userID to a group
	LinkAccount(ctx context.Context, groupID, userID string) error
}

// NotificationStore holds per-user match notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	// MarkNotificationRead returns false if the notification does not exist for the user
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
}

// CollectionReader provides similarity search over the face collection
type CollectionReader interface {
	// GetCollectionFace retrieves a face by its public id, returns nil if not found
	GetCollectionFace(ctx context.Context, faceID string) (*CollectionFace, error)
	// FindSimilarWithDistance finds faces of the given kind within maxDistance (cosine)
	FindSimilarWithDistance(ctx context.Context, kind FaceKind, embedding []float32, limit int, maxDistance float64) ([]CollectionFace, []float64, error)
	// CountCollectionFaces returns the number of faces of the given kind
	CountCollectionFaces(ctx context.Context, kind FaceKind) (int, error)
}

// CollectionStore provides write access to the face collection
type CollectionStore interface {
	CollectionReader

	// AddCollectionFaces stores faces and assigns their database ids
	AddCollectionFaces(ctx context.Context, faces []CollectionFace) error
}
