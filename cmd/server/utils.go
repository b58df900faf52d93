package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/lychee-technology/orma"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// parsePageRequest reads page, size and sort ("prop,dir", repeatable). Pages are zero-based
// unless the configuration asks for one-based parameters.
func parsePageRequest(params url.Values, config orma.QueryConfig) (orma.PageRequest, error) {
	pageParam, sizeParam := params.Get("page"), params.Get("size")
	err := validation.Errors{
		"page": validation.Validate(pageParam, is.Int),
		"size": validation.Validate(sizeParam, is.Int),
	}.Filter()
	if err != nil {
		return orma.PageRequest{}, orma.NewValidationError("page", err.Error())
	}

	req := orma.PageRequest{Size: config.DefaultPageSize}
	if pageParam != "" {
		req.Page, _ = strconv.Atoi(pageParam)
		if config.OneIndexedParameters && req.Page > 0 {
			req.Page--
		}
	}
	if sizeParam != "" {
		req.Size, _ = strconv.Atoi(sizeParam)
	}
	if req.Size > config.MaxPageSize {
		req.Size = config.MaxPageSize
	}
	if req.Sort, err = orma.ParseSort(params["sort"]...); err != nil {
		return orma.PageRequest{}, err
	}
	return req, req.Validate()
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, orma.NewOrmaError(orma.ErrorTypeValidation, orma.ErrCodeInvalidEntityArgument, fmt.Sprintf("invalid id %q", raw)).WithField("id")
	}
	return id, nil
}

// statusOf maps an orma error type to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, orma.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orma.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orma.ErrConflict), errors.Is(err, orma.ErrAmbiguousResult):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// APIResponse is the standard error response format
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeFailure writes err with the status and code its type calls for.
func writeFailure(w http.ResponseWriter, err error) error {
	return writeJSON(w, statusOf(err), APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    orma.ErrorCode(err),
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, statusCode int, data any) error {
	return writeJSON(w, statusCode, data)
}

// readJSONBody reads and decodes JSON from request body
func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
