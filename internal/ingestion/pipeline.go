package splunk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/telemetry/ingestion"
)

// Ingester runs one payload through detection.
type Ingester interface {
	Ingest(ctx context.Context, payload map[string]any) (*ingestion.Result, error)
}

// PipelineHandler adapts HEC events to the ingestion pipeline. Events are
// ingested in order; the first failure stops the batch with a *BatchError.
// Rejected payloads are reported as ErrRejected.
func PipelineHandler(ing Ingester, logger *zap.Logger) EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, events []HECEvent) error {
		for i, ev := range events {
			res, err := ing.Ingest(ctx, Payload(ev))
			if err != nil {
				if errors.Is(err, ingestion.ErrValidation) || errors.Is(err, ingestion.ErrInvalidSource) {
					err = fmt.Errorf("%w: %w", ErrRejected, err)
				}
				return &BatchError{Index: i, Err: err}
			}
			for _, w := range res.Warnings {
				logger.Warn("HEC event ingested with warning", zap.String("event_id", res.EventID), zap.String("warning", w))
			}
		}
		return nil
	}
}

// Payload converts an HEC envelope into an ingestion payload. Fields from the
// event body win over envelope metadata.
func Payload(ev HECEvent) map[string]any {
	payload := map[string]any{}
	switch body := ev.Event.(type) {
	case map[string]any:
		for k, v := range body {
			payload[k] = v
		}
	case string:
		payload["message"] = body
	case nil:
	default:
		payload["message"] = fmt.Sprint(body)
	}

	setDefault := func(key string, value any) {
		if _, ok := payload[key]; ok {
			return
		}
		if s, isStr := value.(string); isStr && s == "" {
			return
		}
		payload[key] = value
	}

	if st := ev.SourceType; st != "" {
		// sourcetypes such as "aws:cloudtrail" name the source before the colon
		name, _, _ := strings.Cut(st, ":")
		setDefault("source", name)
	}
	if tenant, ok := ev.Fields["tenant"].(string); ok {
		setDefault("tenant", tenant)
	}
	setDefault("tenant", ev.Index)
	setDefault("host", ev.Host)
	if ev.Time > 0 {
		setDefault("timestamp", int64(ev.Time*1000))
	}
	return payload
}
