package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// matchedUser builds a matched-user entry with the user's display fields.
func (e *Engine) matchedUser(ctx context.Context, userID, faceID string, similarity float64, matchType database.MatchType) database.MatchedUser {
	mu := database.MatchedUser{
		UserID:     userID,
		FaceID:     faceID,
		Confidence: math.Round(similarity*100) / 100,
		MatchedAt:  time.Now().UTC(),
		MatchType:  matchType,
		FullName:   database.UnknownUserName,
	}
	if e.stores.Profiles == nil {
		return mu
	}

	profile, err := e.stores.Profiles.GetProfile(ctx, userID)
	if err != nil {
		e.logger.Warn("profile lookup failed, using placeholder name", zap.String("user_id", userID), zap.Error(err))
		return mu
	}
	if profile == nil {
		return mu
	}
	if name := displayName(profile.FullName); name != "" {
		mu.FullName = name
	}
	mu.Email = strings.TrimSpace(profile.Email)
	mu.AvatarURL = strings.TrimSpace(profile.AvatarURL)
	return mu
}

// displayName trims, collapses inner whitespace and NFC-normalizes a name.
func displayName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}
