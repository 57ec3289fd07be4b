// Package api is the coordinator's HTTP JSON surface (§6): client-facing
// submission/inspection routes, the agent-facing dispatch/report routes,
// and the ops surface, all backed by pkg/dispatcher and pkg/reaper.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cuemby/opeva/pkg/apierr"
)

// decodeJSON decodes body into v, rejecting unknown fields so typos in
// a client request surface as 400s instead of being silently dropped.
// An empty body is left as v's zero value: several routes (ops
// requeue/fail/cancel) treat every field as optional.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apierr.BadRequest("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an apierr.Kind to its HTTP status in the one place
// the translation happens (§7: "HTTP translation lives in one place").
// A 500 response carries only the failed operation's name, never the
// wrapped detail (file paths, syscall errors).
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			msg = apiErr.Msg
		}
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch apierr.KindOf(err) {
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindBadRequest:
		return http.StatusBadRequest
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
