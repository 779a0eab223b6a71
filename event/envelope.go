package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope is the producer/consumer payload contract carried inside a log
// entry. The bus never inspects it; both sides agree on this JSON encoding.
type Envelope struct {
	Type           string    `json:"type"`
	SubjectID      string    `json:"subject_id"`
	Paths          []string  `json:"paths,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// New builds an envelope with the producer timestamp and a fresh
// idempotency key. Consumers use the key for their own dedup checks.
func New(eventType, subjectID string, paths ...string) Envelope {
	return Envelope{
		Type:           eventType,
		SubjectID:      subjectID,
		Paths:          paths,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: uuid.NewString(),
	}
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("envelope type is required")
	}
	if e.SubjectID == "" {
		return nil, errors.New("envelope subject_id is required")
	}
	return json.Marshal(e)
}

// Decode parses an envelope from entry payload bytes.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return Envelope{}, errors.New("envelope missing type")
	}
	return e, nil
}
