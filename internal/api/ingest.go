package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/telemetry/ingestion"
)

// maxIngestBody bounds a single ingestion request.
const maxIngestBody = 1 << 20

type ingestResponse struct {
	Success  bool                   `json:"success"`
	EventID  string                 `json:"eventId"`
	Alerts   []ingestion.FiredAlert `json:"alerts"`
	Warnings []string               `json:"warnings"`
}

type validationResponse struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code"`
	Errors  []ingestion.FieldError `json:"errors"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeObject(w, r)
	if !ok {
		return
	}

	res, err := s.ingester.Ingest(r.Context(), payload)
	if err != nil {
		s.writeIngestError(w, res, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Success:  true,
		EventID:  res.EventID,
		Alerts:   nonNil(res.Alerts),
		Warnings: nonNil(res.Warnings),
	})
}

func (s *Server) writeIngestError(w http.ResponseWriter, res *ingestion.Result, err error) {
	var verr *ingestion.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, validationResponse{Code: CodeValidation, Errors: verr.Errors})
	case errors.Is(err, ingestion.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, ingestion.ErrEvaluation):
		s.logger.Error("Ingestion evaluation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    CodeEvaluation,
			Message: "Event stored but rule evaluation failed",
			EventID: eventID(res),
		})
	case errors.Is(err, ingestion.ErrPersistence):
		s.logger.Error("Ingestion persistence failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    CodePersistence,
			Message: "Failed to persist event",
			EventID: eventID(res),
		})
	default:
		s.logger.Error("Ingestion failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}

func eventID(res *ingestion.Result) string {
	if res == nil {
		return ""
	}
	return res.EventID
}

// decodeObject reads a JSON object body. Numbers stay json.Number so integer
// fields are not rounded through float64.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidBody, "Request body too large")
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Code:   CodeInvalidBody,
			Errors: []ingestion.FieldError{{Field: "body", Message: "Request body must be a JSON object"}},
		})
		return nil, false
	}
	return payload, true
}
