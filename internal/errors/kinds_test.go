package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexingErrorConstructors_SetExpectedCode(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  *OsgrepError
		code string
	}{
		{"not indexable", NotIndexableError("a.bin", cause), ErrCodeNotIndexable},
		{"read failed", ReadFailedError("a.go", cause), ErrCodeReadFailed},
		{"parse failed", ParseFailedError("a.go", cause), ErrCodeParseFailed},
		{"embed failed", EmbedFailedError("embed batch failed", cause), ErrCodeEmbeddingFailed},
		{"store write failed", StoreWriteFailedError("flush failed", cause), ErrCodeStoreWriteFailed},
		{"lock contended", LockContendedError("writer lock busy", cause), ErrCodeLockContended},
		{"schema mismatch", SchemaMismatchError("schema v2 != v3", cause), ErrCodeSchemaMismatch},
		{"canceled", CanceledError("request aborted", cause), ErrCodeCanceled},
		{"invalid path", InvalidPathError("../escape", cause), ErrCodeInvalidPath},
		{"payload too large", PayloadTooLargeError("body exceeds cap", cause), ErrCodePayloadTooLarge},
		{"busy indexing", BusyIndexingError("sync in progress", cause), ErrCodeBusyIndexing},
		{"timeout", TimeoutError("deadline exceeded", cause), ErrCodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, cause, tt.err.Cause)
		})
	}
}

func TestNotIndexableError_AttachesPathDetail(t *testing.T) {
	err := NotIndexableError("vendor/blob.bin", nil)
	assert.Equal(t, "vendor/blob.bin", err.Details["path"])
}

func TestSchemaMismatchError_IsFatalAndSuggestsReset(t *testing.T) {
	err := SchemaMismatchError("store schema out of date", nil)
	assert.Equal(t, SeverityFatal, err.Severity)
	assert.Contains(t, err.Suggestion, "index --force")
}

func TestRetryableIndexingErrors(t *testing.T) {
	assert.True(t, IsRetryable(EmbedFailedError("x", nil)))
	assert.True(t, IsRetryable(StoreWriteFailedError("x", nil)))
	assert.True(t, IsRetryable(LockContendedError("x", nil)))
	assert.True(t, IsRetryable(BusyIndexingError("x", nil)))
	assert.True(t, IsRetryable(TimeoutError("x", nil)))
	assert.False(t, IsRetryable(NotIndexableError("x", nil)))
	assert.False(t, IsRetryable(SchemaMismatchError("x", nil)))
}

func TestHTTPStatus_MapsErrorKindsToExpectedCodes(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeInvalidPath, 400},
		{ErrCodePayloadTooLarge, 413},
		{ErrCodeBusyIndexing, 503},
		{ErrCodeTimeout, 504},
		{ErrCodeInternal, 500},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
			assert.Equal(t, tt.want, New(tt.code, "msg", nil).HTTPStatus())
		})
	}
}
