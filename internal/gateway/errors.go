package gateway

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the JSON error envelope.
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeModelIncompatible  = "MODEL_INCOMPATIBLE"
	CodeConfigurationError = "CONFIGURATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL"
)

// APIError is the JSON error body. CompatibilityIssue is set only for
// MODEL_INCOMPATIBLE so clients can explain which capability is missing.
type APIError struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	CompatibilityIssue string `json:"compatibility_issue,omitempty"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, apiErr APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
