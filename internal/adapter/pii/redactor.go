package pii

import (
	"log/slog"
	"strings"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor replaces configured top-level keys in an event's action data and
// metadata before the event is buffered.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a Redactor. Field names are matched case-insensitively.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		fieldSet[strings.ToLower(field)] = struct{}{}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Redact rewrites the event's maps in place and reports whether any value was
// replaced. The original maps are never mutated; redacted copies replace them.
func (r *Redactor) Redact(event *domain.Event) bool {
	if len(r.fieldsToRedact) == 0 {
		return false
	}

	data, dataHit := r.redactMap(event.ActionData)
	meta, metaHit := r.redactMap(event.Metadata)
	if !dataHit && !metaHit {
		return false
	}

	event.ActionData, event.Metadata = data, meta
	r.logger.Debug("redacted event fields", "event_id", event.ID, "action_type", event.ActionType)
	return true
}

func (r *Redactor) redactMap(in map[string]any) (map[string]any, bool) {
	hit := false
	for k := range in {
		if _, ok := r.fieldsToRedact[strings.ToLower(k)]; ok {
			hit = true
			break
		}
	}
	if !hit {
		return in, false
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := r.fieldsToRedact[strings.ToLower(k)]; ok {
			out[k] = RedactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out, true
}
