package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ordercore/internal/domain/idempotency"
	"github.com/xenking/ordercore/internal/domain/order"
)

// replayHeader marks responses reproduced from the idempotency store.
const replayHeader = "X-Idempotent-Replay"

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult writes a service result: a replay is reproduced verbatim with
// the replay marker header, a fresh view is encoded with freshStatus.
func writeResult(w http.ResponseWriter, freshStatus int, res *order.Result) {
	if res.Replay != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(replayHeader, "true")
		w.WriteHeader(res.Replay.Status)
		_, _ = w.Write(res.Replay.Body)
		return
	}
	writeJSON(w, freshStatus, res.View)
}

// writeError writes the {code, message} error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// respondError maps a domain error onto an HTTP status and envelope.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	var (
		validationErr *order.ValidationError
		dupSkuErr     *order.DuplicateSkuError
		transitionErr *order.InvalidTransitionError
	)

	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound

	case errors.Is(err, idempotency.ErrInvalidKey),
		errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrTooManyItems),
		errors.Is(err, order.ErrBelowMinimumAmount):
		return http.StatusBadRequest

	case errors.As(err, &validationErr),
		errors.As(err, &dupSkuErr):
		return http.StatusUnprocessableEntity

	case errors.As(err, &transitionErr),
		errors.Is(err, order.ErrCannotBeModified),
		errors.Is(err, order.ErrCannotBeCancelled),
		errors.Is(err, order.ErrConcurrentOperation):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}
