package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	v1 "herald/shared/contracts/realtime/v1"
)

var errBodyTooLarge = errors.New("request body too large")

// errorBody is the REST error shape. The inner object matches the websocket
// error payload so clients can share one decoder.
type errorBody struct {
	Error v1.ErrorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: v1.ErrorPayload{Code: code, Message: msg}})
}

// readBody decodes exactly one JSON object of at most limit bytes into dst.
// Unknown fields are rejected. On failure the error response is already written.
func readBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	err := decodeStrict(http.MaxBytesReader(w, r.Body, limit), dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("body exceeds %d bytes", limit))
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
	}
	return false
}

func decodeStrict(body io.ReadCloser, dst any) error {
	if body == nil || body == http.NoBody {
		return io.ErrUnexpectedEOF
	}
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}
