package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
	"github.com/BuildsAndChill/mynextbook/internal/usecase"
)

// Tracker accepts tracking events.
type Tracker interface {
	Track(ctx context.Context, req usecase.TrackRequest) (string, error)
}

var utmParams = []string{
	domain.MetaUTMSource,
	domain.MetaUTMMedium,
	domain.MetaUTMCampaign,
	domain.MetaUTMTerm,
	domain.MetaUTMContent,
}

// TrackHandler handles POST /track with a single JSON event or an NDJSON
// stream of events.
type TrackHandler struct {
	tracker      Tracker
	logger       *slog.Logger
	maxEventSize int64
}

func NewTrackHandler(tracker Tracker, logger *slog.Logger, maxEventSize int64) *TrackHandler {
	return &TrackHandler{
		tracker:      tracker,
		logger:       logger.With("component", "track_handler"),
		maxEventSize: maxEventSize,
	}
}

func (h *TrackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, "Unsupported Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	switch mediaType {
	case "application/json":
		h.handleSingleJSON(w, r)
	case "application/x-ndjson":
		h.handleNDJSON(w, r)
	default:
		http.Error(w, "Unsupported Content-Type", http.StatusUnsupportedMediaType)
	}
}

func (h *TrackHandler) handleSingleJSON(w http.ResponseWriter, r *http.Request) {
	var req usecase.TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badBody(w, err)
		return
	}
	req.Metadata = requestMetadata(r, req.Metadata)

	sessionID, err := h.tracker.Track(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			http.Error(w, "action_type is required", http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to track event", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (h *TrackHandler) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	accepted, rejected := 0, 0

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(h.maxEventSize))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req usecase.TrackRequest
		if err := json.Unmarshal(line, &req); err != nil {
			h.logger.Warn("failed to unmarshal ndjson line", "error", err)
			rejected++
			continue
		}
		req.Metadata = requestMetadata(r, req.Metadata)

		if _, err := h.tracker.Track(r.Context(), req); err != nil {
			h.logger.Warn("rejected event from ndjson stream", "error", err, "action_type", req.ActionType)
			rejected++
			continue
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		h.badBody(w, err)
		return
	}

	respondWithJSON(w, h.logger, http.StatusAccepted, map[string]int{"accepted": accepted, "rejected": rejected})
}

func (h *TrackHandler) badBody(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || errors.Is(err, bufio.ErrTooLong) {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if errors.Is(err, io.EOF) {
		http.Error(w, "Empty body", http.StatusBadRequest)
		return
	}
	h.logger.Warn("malformed track request", "error", err)
	http.Error(w, "Bad request", http.StatusBadRequest)
}

// requestMetadata fills request-derived keys the client did not send itself.
func requestMetadata(r *http.Request, meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	setIfAbsent := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}

	setIfAbsent(domain.MetaUserAgent, r.UserAgent())
	setIfAbsent(domain.MetaIPAddress, clientIP(r))
	setIfAbsent(domain.MetaReferrer, r.Referer())
	q := r.URL.Query()
	for _, p := range utmParams {
		setIfAbsent(p, q.Get(p))
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
