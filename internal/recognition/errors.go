package recognition

import (
	"context"
	"errors"
)

var (
	// ErrNoFaceDetected is returned when an image that must contain a face has none.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrMultipleFacesDetected is returned when a single-face operation finds more than one.
	ErrMultipleFacesDetected = errors.New("multiple faces detected")
	// ErrServiceUnavailable is returned once retries against the service are exhausted.
	ErrServiceUnavailable = errors.New("recognition service unavailable")
	// ErrMalformedImage is returned for payloads that are not a decodable image.
	ErrMalformedImage = errors.New("malformed image")
	// ErrFaceNotFound is returned when searching by an unknown face id.
	ErrFaceNotFound = errors.New("face not found")
)

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrNoFaceDetected),
		errors.Is(err, ErrMultipleFacesDetected),
		errors.Is(err, ErrMalformedImage),
		errors.Is(err, ErrFaceNotFound),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}
