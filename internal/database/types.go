package database

import (
	"encoding/json"
	"time"
)

// MatchType distinguishes how a user ended up in a photo's matched users.
type MatchType string

const (
	// MatchTypeDirect is produced at photo upload time via image search.
	MatchTypeDirect MatchType = "direct"
	// MatchTypeHistorical is produced by backfill via face-id search.
	MatchTypeHistorical MatchType = "historical"
)

// FaceKind separates the two populations of the face collection.
type FaceKind string

const (
	// FaceKindIdentity is a user's canonical registered face.
	FaceKindIdentity FaceKind = "identity"
	// FaceKindDetected is an anonymous face found in an uploaded photo.
	FaceKindDetected FaceKind = "detected"
)

// Identity is a user's canonical registered face record.
type Identity struct {
	UserID          string    `json:"user_id"`
	CanonicalFaceID string    `json:"canonical_face_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// BoundingBox is a face rectangle as ratios of the image dimensions.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectedFace is an anonymous face discovered in a photo before its owner is known.
type DetectedFace struct {
	FaceID          string          `json:"face_id"`
	PhotoID         string          `json:"photo_id"`
	BoundingBox     BoundingBox     `json:"bounding_box"`
	Attributes      json.RawMessage `json:"attributes,omitempty"`
	ClaimedByUserID string          `json:"claimed_by_user_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// FaceSummary is the per-photo projection of a detected face.
type FaceSummary struct {
	FaceID      string      `json:"faceId"`
	BoundingBox BoundingBox `json:"boundingBox"`
	Confidence  float64     `json:"confidence"`
}

// MatchedUser is one entry of Photo.MatchedUsers. The display fields are
// denormalized from the user profile at match time.
type MatchedUser struct {
	UserID     string    `json:"userId"`
	FaceID     string    `json:"faceId"`
	Confidence float64   `json:"confidence"`
	MatchedAt  time.Time `json:"matchedAt"`
	MatchType  MatchType `json:"matchType"`
	FullName   string    `json:"fullName,omitempty"`
	Email      string    `json:"email,omitempty"`
	AvatarURL  string    `json:"avatarUrl,omitempty"`
}

// Photo is an uploaded photograph with its face scan results.
type Photo struct {
	PhotoID       string        `json:"photo_id"`
	StorageRef    string        `json:"storage_ref"`
	DetectedFaces []FaceSummary `json:"detected_faces"`
	MatchedUsers  []MatchedUser `json:"matched_users"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasUser reports whether userID is already in the matched users.
func (p *Photo) HasUser(userID string) bool {
	return ContainsUser(p.MatchedUsers, userID)
}

// ContainsUser reports whether userID appears in users.
func ContainsUser(users []MatchedUser, userID string) bool {
	for _, u := range users {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// MatchRecord is the dashboard-facing (user, photo) match row.
type MatchRecord struct {
	UserID     string    `json:"user_id" db:"user_id"`
	PhotoID    string    `json:"photo_id" db:"photo_id"`
	Confidence float64   `json:"confidence" db:"confidence"`
	MatchType  MatchType `json:"match_type" db:"match_type"`
	MatchedAt  time.Time `json:"matched_at" db:"matched_at"`
}

// TaskType identifies the kind of background task.
type TaskType string

const (
	TaskTypeHistoricalBackfill TaskType = "historical_backfill"
	TaskTypePhotoRematch       TaskType = "photo_rematch"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// BackgroundTask is a queued unit of asynchronous work. Payload holds the
// task-type specific JSON document.
type BackgroundTask struct {
	ID        string          `json:"id" db:"id"`
	Type      TaskType        `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Status    TaskStatus      `json:"status" db:"status"`
	Error     string          `json:"error,omitempty" db:"error"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// UnknownUserName is the display name used when a user has no profile.
const UnknownUserName = "Unknown User"

// UserProfile is the read-only source of denormalized display fields.
type UserProfile struct {
	UserID    string `json:"user_id" db:"user_id"`
	FullName  string `json:"full_name" db:"full_name"`
	Email     string `json:"email" db:"email"`
	AvatarURL string `json:"avatar_url" db:"avatar_url"`
}

// NotificationKindPhotoMatch is emitted when a user gains a photo match.
const NotificationKindPhotoMatch = "photo_match"

// Notification tells a user they were found in a photo.
type Notification struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	PhotoID   string     `json:"photo_id" db:"photo_id"`
	Kind      string     `json:"kind" db:"kind"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty" db:"read_at"`
}

// CollectionFace is an embedding stored in the face collection that backs
// the recognition service.
type CollectionFace struct {
	ID        int64
	FaceID    string
	Kind      FaceKind
	OwnerRef  string
	Embedding []float32
	BBox      []float64 // [x1, y1, x2, y2] as ratios of the image size
	DetScore  float64
	CreatedAt time.Time
}
