package httpx

import "net/http"

const (
	StatusOK                 = http.StatusOK                  // Successful request
	StatusNoContent          = http.StatusNoContent           // Successful with no body
	StatusBadRequest         = http.StatusBadRequest          // Validation or malformed input
	StatusUnauthorized       = http.StatusUnauthorized        // Missing or invalid authentication
	StatusForbidden          = http.StatusForbidden           // Authenticated but lacks permission
	StatusNotFound           = http.StatusNotFound            // Resource not found
	StatusConflict           = http.StatusConflict            // Rejected write batch
	StatusInternalError      = http.StatusInternalServerError // Unexpected server error
	StatusServiceUnavailable = http.StatusServiceUnavailable  // Store unreachable
	StatusGatewayTimeout     = http.StatusGatewayTimeout      // Store call ran past its deadline
)
