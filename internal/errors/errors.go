package errors

import (
	"errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR worker
 *
 * ProcessingError covers a whole job, StageError covers one page stage.
 * Page-level errors never leave the orchestrator; they are recorded on the
 * page outcome and in the pipeline metrics.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"

	// Page stage errors
	ErrorRenderFailed       ErrorCode = "RENDER_FAILED"
	ErrorClassifyFailed     ErrorCode = "CLASSIFY_FAILED"
	ErrorPreprocessFailed   ErrorCode = "PREPROCESS_FAILED"
	ErrorRecognitionFailed  ErrorCode = "RECOGNITION_FAILED"
	ErrorRecognitionTimeout ErrorCode = "RECOGNITION_TIMEOUT"
	ErrorPostprocessFailed  ErrorCode = "POSTPROCESS_FAILED"
	ErrorPagePanic          ErrorCode = "PAGE_PANIC"
)

// Stage names a step of the per-page pipeline
type Stage string

const (
	StageRender      Stage = "render"
	StageClassify    Stage = "classify"
	StagePreprocess  Stage = "preprocess"
	StageRecognize   Stage = "recognize"
	StagePostprocess Stage = "postprocess"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

// NewOCRFailedError reports a job whose result carries a diagnostic engine tag
func NewOCRFailedError(jobID string, engineTag string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR produced no usable text: %s", engineTag),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engineTag,
		},
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// StageError is the error returned at every page stage boundary
type StageError struct {
	Stage Stage
	Code  ErrorCode
	Page  int
	Cause error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("page %d %s: %s: %v", e.Page, e.Stage, e.Code, e.Cause)
	}
	return fmt.Sprintf("page %d %s: %s", e.Page, e.Stage, e.Code)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// ToMap converts the stage error to a flat map for logs and result metadata
func (e *StageError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"page":       e.Page,
		"stage":      string(e.Stage),
		"error_code": string(e.Code),
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	return result
}

func NewRenderError(page int, cause error) *StageError {
	return &StageError{Stage: StageRender, Code: ErrorRenderFailed, Page: page, Cause: cause}
}

func NewClassifyError(page int, cause error) *StageError {
	return &StageError{Stage: StageClassify, Code: ErrorClassifyFailed, Page: page, Cause: cause}
}

func NewPreprocessError(page int, cause error) *StageError {
	return &StageError{Stage: StagePreprocess, Code: ErrorPreprocessFailed, Page: page, Cause: cause}
}

func NewRecognitionError(page int, cause error) *StageError {
	return &StageError{Stage: StageRecognize, Code: ErrorRecognitionFailed, Page: page, Cause: cause}
}

func NewRecognitionTimeoutError(page int, timeout time.Duration) *StageError {
	return &StageError{
		Stage: StageRecognize,
		Code:  ErrorRecognitionTimeout,
		Page:  page,
		Cause: fmt.Errorf("no result within %v", timeout),
	}
}

func NewPostprocessError(page int, cause error) *StageError {
	return &StageError{Stage: StagePostprocess, Code: ErrorPostprocessFailed, Page: page, Cause: cause}
}

func NewPagePanicError(page int, stage Stage, recovered interface{}) *StageError {
	return &StageError{
		Stage: stage,
		Code:  ErrorPagePanic,
		Page:  page,
		Cause: fmt.Errorf("panic: %v", recovered),
	}
}

// CodeOf returns the stage error code carried by err, or "" when err is not
// a StageError.
func CodeOf(err error) ErrorCode {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
