package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/orchestrator"
)

type errorBody struct {
	*core.Error
	RequestID string `json:"request_id,omitempty"`
}

type Envelope struct {
	Error errorBody `json:"error"`
}

// FromError maps err to its wire form and HTTP status. Unknown errors do not
// leak details.
func FromError(err error) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.New(core.KindInternal, "request timeout"), http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return core.New(core.KindInternal, "request cancelled").WithReason("cancelled"), http.StatusRequestTimeout
	}
	if errors.Is(err, orchestrator.ErrNoSession) {
		return core.New(core.KindSessionClosed, err.Error()), http.StatusNotFound
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		if coreErr.Kind == core.KindInternal {
			return core.New(core.KindInternal, "internal error"), http.StatusInternalServerError
		}
		out := *coreErr
		return &out, statusFromKind(coreErr.Kind)
	}

	return core.New(core.KindInternal, "internal error"), http.StatusInternalServerError
}

func statusFromKind(k core.Kind) int {
	if k.IsValidation() {
		return http.StatusBadRequest
	}
	switch k {
	case core.KindSessionAlreadyActive, core.KindInvalidPhase:
		return http.StatusConflict
	case core.KindSessionClosed:
		return http.StatusServiceUnavailable
	case core.KindAuthDenied, core.KindAuthRejected:
		return http.StatusForbidden
	case core.KindNetworkUnreachable, core.KindNegotiationFailed, core.KindSubmissionFailed:
		return http.StatusBadGateway
	case core.KindConnectTimeout, core.KindHandshakeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorStatus(w, r, err, 0)
}

// writeErrorStatus is writeError with an optional status override.
func writeErrorStatus(w http.ResponseWriter, r *http.Request, err error, override int) {
	coreErr, status := FromError(err)
	if override != 0 {
		status = override
	}
	reqID, _ := RequestIDFrom(r.Context())
	writeJSON(w, status, Envelope{Error: errorBody{Error: coreErr, RequestID: reqID}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
