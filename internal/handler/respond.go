package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hiroki-koketsu/planner/internal/model"
)

const maxBodyBytes = 1 << 20

var errInvalidBody = errors.New("invalid request body")

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidation(w http.ResponseWriter, ve *model.ValidationError) {
	respondJSON(w, http.StatusBadRequest, ve.Fields)
}

// decodeJSON reads the request body into v. Type mismatches on known
// fields come back as a *model.ValidationError, anything else that is not
// a JSON object as errInvalidBody.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		ve := model.NewValidationError()
		ve.Add(typeErr.Field, model.MsgInvalidValue)
		return ve
	case errors.Is(err, model.ErrInvalidDate):
		ve := model.NewValidationError()
		ve.Add("creation_date", model.ErrInvalidDate.Error())
		return ve
	case errors.Is(err, io.EOF):
		// empty body, validation reports the missing fields
		return nil
	}
	return errInvalidBody
}

// respondDecodeError writes the response for a decodeJSON failure.
func respondDecodeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		respondValidation(w, ve)
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}
