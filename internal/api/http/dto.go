package http

import (
	"strconv"

	"verifier-dispatch/internal/domain"
)

// DeadLettersQuery is the query string of GET /deadletters.
type DeadLettersQuery struct {
	Limit int `validate:"gte=1,lte=1000"`
}

// parseDeadLettersQuery reads the limit parameter, defaulting to 100.
func parseDeadLettersQuery(raw string) (DeadLettersQuery, error) {
	if raw == "" {
		return DeadLettersQuery{Limit: 100}, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DeadLettersQuery{}, err
	}
	return DeadLettersQuery{Limit: n}, nil
}

// DeadLettersResponse wraps a dead-letter listing.
type DeadLettersResponse struct {
	Count   int                  `json:"count"`
	Records []*domain.DeadLetter `json:"records"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	Dispatcher bool   `json:"dispatcher_active"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
