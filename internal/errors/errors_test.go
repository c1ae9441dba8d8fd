package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessingErrorToMap(t *testing.T) {
	err := NewProcessingTimeoutError("job-1", 5*time.Second, context.DeadlineExceeded)

	m := err.ToMap()
	assert.Equal(t, "PROCESSING_TIMEOUT", m["error_code"])
	assert.Equal(t, "5s", m["timeout_duration"])
	assert.Equal(t, context.DeadlineExceeded.Error(), m["cause"])
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "PROCESSING_TIMEOUT")
}

func TestOCRFailedCarriesEngineTag(t *testing.T) {
	err := NewOCRFailedError("job-2", "tesseract-image-blank")

	assert.Equal(t, ErrorOCRFailed, err.Code)
	assert.Equal(t, "tesseract-image-blank", err.ToMap()["engine"])
	assert.NotContains(t, err.ToMap(), "cause")
}

func TestStageError(t *testing.T) {
	cause := errors.New("bad xref")
	err := fmt.Errorf("page loop: %w", NewRenderError(3, cause))

	assert.Equal(t, ErrorRenderFailed, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorCode(""), CodeOf(cause))

	var se *StageError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.Page)
	assert.Equal(t, StageRender, se.Stage)
	assert.Equal(t, "bad xref", se.ToMap()["cause"])
}

func TestRecognitionTimeoutAndPanic(t *testing.T) {
	timeout := NewRecognitionTimeoutError(1, 30*time.Second)
	assert.Equal(t, StageRecognize, timeout.Stage)
	assert.Contains(t, timeout.Error(), "30s")

	panicked := NewPagePanicError(2, StagePreprocess, "index out of range")
	assert.Equal(t, ErrorPagePanic, panicked.Code)
	assert.Equal(t, StagePreprocess, panicked.Stage)
	assert.Contains(t, panicked.Error(), "index out of range")
}
