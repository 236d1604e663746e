package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rerr"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/manager"
	"github.com/Jasonzhangf/rcc-sub004/tracker"
)

// Router is the Manager/Tracker-backed HTTP surface: POST
// /v1/messages, POST /v1/chat/completions, GET /status. Bearer auth is
// optional; an empty BearerToken disables it entirely.
type Router struct {
	Manager        *manager.Manager
	Tracker        *tracker.Tracker
	BearerToken    string
	RequestTimeout time.Duration
	logger         rlog.Logger
}

// NewRouter builds a Router. logger may be nil.
func NewRouter(mgr *manager.Manager, trk *tracker.Tracker, bearerToken string, logger rlog.Logger) *Router {
	return &Router{
		Manager:        mgr,
		Tracker:        trk,
		BearerToken:    bearerToken,
		RequestTimeout: 120 * time.Second,
		logger:         rlog.Default(logger),
	}
}

// Handler builds the http.Handler serving every northbound route.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", rt.handleInference)
	mux.HandleFunc("/v1/chat/completions", rt.handleInference)
	mux.HandleFunc("/status", rt.handleStatus)
	return rt.withRecover(rt.withAuth(mux))
}

// withRecover converts a panic escaping any handler into a stable 500
// error body. Internal invariants are allowed to panic deeper in the
// core; this boundary is the only place they are caught.
func (rt *Router) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				rt.logger.Error("handler panic", map[string]interface{}{
					"panic": fmt.Sprint(rec),
					"path":  r.URL.Path,
				})
				writeError(w, http.StatusInternalServerError,
					rerr.New("httpapi", rerr.KindInternalInvariant, "", nil).
						WithMessage("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the optional shared bearer token with a
// constant-time comparison; an absent configured value disables auth.
func (rt *Router) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.BearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		got := r.Header.Get("Authorization")
		if len(got) <= len(prefix) || got[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(got[len(prefix):]), []byte(rt.BearerToken)) != 1 {
			writeError(w, http.StatusUnauthorized, rerr.New("httpapi.auth", rerr.KindBadRequest, "", nil).WithMessage("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, rerr.New("httpapi.handleInference", rerr.KindBadRequest, "", err))
		return
	}

	normalized, err := NormalizeInbound(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, rerr.New("httpapi.handleInference", rerr.KindBadRequest, "", err))
		return
	}

	requestID := uuid.NewString()
	deadline := time.Now().Add(rt.RequestTimeout)
	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()

	reqCtx := &domain.RequestContext{
		RequestID:      requestID,
		VirtualModelID: normalized.Model,
		Body:           normalized,
		Deadline:       deadline,
	}

	start := time.Now()
	resp, attempts, err := rt.Manager.Route(ctx, reqCtx)
	total := time.Since(start)

	finalOutcome := domain.OutcomeSuccess
	if err != nil {
		finalOutcome = lastOutcome(attempts)
	}
	if rt.Tracker != nil {
		rt.Tracker.Close(requestID, normalized.Model, attempts, finalOutcome, total)
	}

	if err != nil {
		writeRouteError(w, requestID, err)
		return
	}

	if normalized.Stream {
		writeSSE(w, requestID, resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	w.Write(DenormalizeResponse(resp))
}

// writeSSE replays a response as OpenAI-style server-sent events for
// callers that requested streaming. Non-streaming transforms make the
// pipeline buffer the upstream body into one response, so the replay is
// a single content delta followed by the finish frame.
func writeSSE(w http.ResponseWriter, requestID string, resp domain.NormalizedResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writeFrame := func(payload []byte) {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeFrame(StreamChunkBody(resp, false))
	writeFrame(StreamChunkBody(resp, true))
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func lastOutcome(attempts []domain.Attempt) domain.Outcome {
	if len(attempts) == 0 {
		return domain.OutcomeMalformed
	}
	return attempts[len(attempts)-1].Outcome
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	VirtualModels []manager.VirtualModelSummary `json:"virtual_models"`
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{VirtualModels: rt.Manager.GetStatus()}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// errorBody is the stable machine-readable error shape written to
// callers: a kind code and a human message, with the request id for
// trace correlation. Never a stack trace or secret.
type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

var kindToStatus = map[rerr.Kind]int{
	rerr.KindBadRequest:          http.StatusBadRequest,
	rerr.KindUnknownVirtualModel: http.StatusNotFound,
	rerr.KindNoAvailableTargets:  http.StatusServiceUnavailable,
	rerr.KindAllTargetsFailed:    http.StatusBadGateway,
	rerr.KindAuthExhausted:       http.StatusBadGateway,
	rerr.KindTokenLimitExceeded:  http.StatusRequestEntityTooLarge,
	rerr.KindOverloaded:          http.StatusServiceUnavailable,
	rerr.KindUpstreamTimeout:     http.StatusGatewayTimeout,
	rerr.KindInternalInvariant:   http.StatusInternalServerError,
}

func writeRouteError(w http.ResponseWriter, requestID string, err error) {
	kind := rerr.KindOf(err)
	status := kindToStatus[kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeError(w, status, rerr.New("httpapi", kind, requestID, err))
}

func writeError(w http.ResponseWriter, status int, e *rerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{
		Kind:      string(e.Kind),
		Message:   e.Error(),
		RequestID: e.RequestID,
	})
}
