package queue

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/pipeline"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

func TestJobPayloadUnmarshalFileBuffer(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    []byte
		wantErr string
	}{
		{
			name:  "base64 string",
			input: `{"jobId":"j1","fileBuffer":"JVBERi0="}`,
			want:  []byte("%PDF-"),
		},
		{
			name:  "node buffer object",
			input: `{"jobId":"j1","fileBuffer":{"type":"Buffer","data":[37,80,68,70]}}`,
			want:  []byte("%PDF"),
		},
		{
			name:  "absent",
			input: `{"jobId":"j1","dataUrl":"data:image/png;base64,AAAA"}`,
		},
		{
			name:    "wrong buffer type",
			input:   `{"jobId":"j1","fileBuffer":{"type":"Blob","data":[1]}}`,
			wantErr: "invalid Buffer object format",
		},
		{
			name:    "byte out of range",
			input:   `{"jobId":"j1","fileBuffer":{"type":"Buffer","data":[1,256]}}`,
			wantErr: "index 1",
		},
		{
			name:    "number",
			input:   `{"jobId":"j1","fileBuffer":42}`,
			wantErr: "got float64",
		},
		{
			name:    "bad base64",
			input:   `{"jobId":"j1","fileBuffer":"!!!"}`,
			wantErr: "decode base64",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tc.input), &p)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "j1", p.JobID)
			assert.Equal(t, tc.want, p.FileBuffer)
		})
	}
}

func TestJobPayloadMarshalWritesBase64(t *testing.T) {
	p := JobPayload{JobID: "j2", MimeType: "application/pdf", FileBuffer: []byte("%PDF-")}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "JVBERi0=", raw["fileBuffer"])
	assert.Equal(t, "application/pdf", raw["mimeType"])

	var back JobPayload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p.FileBuffer, back.FileBuffer)
}

func TestJobPayloadValidate(t *testing.T) {
	assert.Error(t, (&JobPayload{DataURL: "data:,"}).Validate())
	assert.Error(t, (&JobPayload{JobID: "j"}).Validate())
	assert.NoError(t, (&JobPayload{JobID: "j", DataURL: "AAAA"}).Validate())
	assert.NoError(t, (&JobPayload{JobID: "j", FileBuffer: []byte{1}}).Validate())
	assert.NoError(t, (&JobPayload{JobID: "j", FileURL: "http://files/x.pdf"}).Validate())
}

func TestJobPayloadRequest(t *testing.T) {
	p := JobPayload{
		JobID:    "j3",
		Filename: "scan.pdf",
		MimeType: "application/pdf",
		DataURL:  "data:application/pdf;base64,AAAA",
		Metadata: map[string]interface{}{"tenant": "t1"},
	}

	req := p.Request()
	assert.Equal(t, "j3", req.JobID)
	assert.Equal(t, p.DataURL, req.Payload)
	assert.Equal(t, "scan.pdf", req.Filename)
	assert.Equal(t, "t1", req.Metadata["tenant"])
	assert.Nil(t, req.Progress)
}

func TestCompletionMetadata(t *testing.T) {
	md := completionMetadata(&processor.ProcessResult{
		ResultID:   "r1",
		Engine:     processor.EngineLocal,
		Confidence: 88,
		PageCount:  3,
		PagesOCRd:  2,
	})
	assert.Equal(t, "r1", md["resultId"])
	assert.Equal(t, processor.EngineLocal, md["engine"])
	assert.Equal(t, 2, md["pagesOcrd"])
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(errors.NewOCRFailedError("j", processor.EngineImageBlank)))
	assert.False(t, retryable(fmt.Errorf("wrapped: %w", errors.NewUnsupportedFormatError("j", "text/plain"))))
	assert.True(t, retryable(errors.NewStorageFailedError("j", fmt.Errorf("db down"))))
	assert.True(t, retryable(fmt.Errorf("connection reset")))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 10*time.Second, retryDelay(1, nil, nil))
	assert.Equal(t, 40*time.Second, retryDelay(3, nil, nil))
	assert.Equal(t, maxRetryDelay, retryDelay(4, nil, nil))
	assert.Equal(t, maxRetryDelay, retryDelay(50, nil, nil))
}

func TestNewOCRTask(t *testing.T) {
	_, err := NewOCRTask(&JobPayload{})
	assert.Error(t, err)

	task, err := NewOCRTask(&JobPayload{JobID: "j4", DataURL: "AAAA"}, asynq.MaxRetry(1))
	require.NoError(t, err)
	assert.Equal(t, TaskTypeOCRDocument, task.Type())

	var back JobPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, "j4", back.JobID)
}

func TestProgressMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := newProgressMessage("j5", pipeline.ProgressEvent{Stage: pipeline.StageRecognizing, PageNum: 2, TotalPages: 7}, now)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"job:progress","jobId":"j5","stage":"recognizing","pageNum":2,"totalPages":7,"timestamp":"2026-03-01T12:00:00Z"}`, string(data))
}

func TestNilProgressPublisher(t *testing.T) {
	var p *progressPublisher
	ch, stop := p.start(t.Context(), "j6")
	assert.Nil(t, ch)
	stop()
}

func TestLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0, 4))
	assert.NoError(t, waitTurn(t.Context(), nil))

	l := newLimiter(2, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}
