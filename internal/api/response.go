package api

import (
	"errors"
	"net/http"

	"github.com/dunamismax/pixelshift/internal/pipeline"
)

type successResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	Result         string `json:"result"`
	OriginalImage  string `json:"originalImage"`
	ProcessedImage string `json:"processedImage"`
}

type failureBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// failureResponse maps a job error to its status and client-safe body. Only
// worker diagnostics are echoed back; internal causes stay in the logs.
func failureResponse(err error) (int, any) {
	var jobErr *pipeline.Error
	details := ""
	if errors.As(err, &jobErr) {
		details = jobErr.Details
	}

	switch {
	case errors.Is(err, pipeline.ErrValidation):
		return http.StatusBadRequest, errorResponse{Error: "no image uploaded"}
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusServiceUnavailable, failureBody{Error: "all workers are busy, try again later"}
	case errors.Is(err, pipeline.ErrStaging):
		return http.StatusInternalServerError, failureBody{Error: "could not store the uploaded image"}
	case errors.Is(err, pipeline.ErrTimeout):
		return http.StatusInternalServerError, failureBody{Error: "image processing timed out", Details: details}
	case errors.Is(err, pipeline.ErrWorkerExecution):
		return http.StatusInternalServerError, failureBody{Error: "image processing failed", Details: details}
	case errors.Is(err, pipeline.ErrPublish):
		return http.StatusInternalServerError, failureBody{Error: "could not publish the processed image"}
	default:
		return http.StatusInternalServerError, failureBody{Error: "internal server error"}
	}
}
