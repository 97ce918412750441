package internal

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// apiResponse is the HTTP response envelope. Every JSON endpoint renders
// exactly this shape.
type apiResponse struct {
	Data     any          `json:"data"`
	Metadata apiMetadata  `json:"metadata"`
	Error    *apiErrorDTO `json:"error,omitempty"`
}

type apiMetadata struct {
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime *int64    `json:"processingTime,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Cached         *bool     `json:"cached,omitempty"`
}

type apiErrorDTO struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// respondData writes a success envelope.
func respondData(w http.ResponseWriter, r *http.Request, status int, data any, meta apiMetadata) {
	meta.Timestamp = time.Now().UTC()
	writeJSON(w, r, status, apiResponse{Data: data, Metadata: meta})
}

// respondErr writes an error envelope. apiErr values map to their status and
// code; anything else is a generic 500 with details kept out of the wire.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	resp := apiResponse{
		Metadata: apiMetadata{Timestamp: time.Now().UTC()},
	}

	status := http.StatusInternalServerError
	if ae, ok := asAPIErr(err); ok {
		status = ae.status
		resp.Error = &apiErrorDTO{Code: ae.code, Message: ae.msg, Details: ae.details}
		if status == http.StatusTooManyRequests {
			if secs, ok := ae.details["retry_after"].(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	} else {
		Log(r.Context()).Error("unhandled error", "err", err)
		resp.Error = &apiErrorDTO{Code: "INTERNAL", Message: "internal server error"}
	}

	writeJSON(w, r, status, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	raw, err := sonic.ConfigStd.Marshal(body)
	if err != nil {
		Log(r.Context()).Error("problem marshaling response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

// Envelope is the WebSocket message shape. Distinct from the HTTP envelope.
type Envelope struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Pipeline  Pipeline  `json:"pipeline"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Envelope types, in rough lifecycle order.
const (
	EnvelopeReadyAck     = "ready_ack"
	EnvelopeProgress     = "progress"
	EnvelopeComplete     = "complete"
	EnvelopeFailed       = "failed"
	EnvelopeCanceled     = "canceled"
	EnvelopeTokenRotated = "token_rotated"
)

// terminal reports whether this envelope ends the stream for its job.
func (e Envelope) terminal() bool {
	switch e.Type {
	case EnvelopeComplete, EnvelopeFailed, EnvelopeCanceled:
		return true
	}
	return false
}
