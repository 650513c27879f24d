package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kozaktomas/face-linker/internal/constants"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondValidationError reports the first failed field of a validated
// request.
func respondValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		respondError(w, http.StatusBadRequest, fmt.Sprintf("%s is invalid (%s)", fieldName(fe), fe.Tag()))
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}

// fieldName maps a struct field to the form or query name it came from.
func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "UserID":
		return "user_id"
	case "PhotoID":
		return "photo_id"
	default:
		return strings.ToLower(fe.Field())
	}
}

// readImage parses a multipart form and returns the bytes of its image field.
func readImage(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		return nil, errors.New("failed to parse multipart form")
	}
	file, _, err := r.FormFile(constants.ImageFormField)
	if err != nil {
		return nil, errors.New("image is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, constants.MaxUploadSize+1))
	if err != nil {
		return nil, errors.New("failed to read image")
	}
	if len(data) > constants.MaxUploadSize {
		return nil, errors.New("image is too large")
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	return data, nil
}

// listQuery holds the common list parameters.
type listQuery struct {
	Limit int `validate:"gte=1,lte=500"`
}

// parseLimit reads ?limit=, falling back to the default page size.
func parseLimit(r *http.Request) (int, error) {
	q := listQuery{Limit: constants.DefaultHandlerPageSize}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, errors.New("limit must be a number")
		}
		q.Limit = n
	}
	if err := validate.Struct(q); err != nil {
		return 0, err
	}
	return q.Limit, nil
}
