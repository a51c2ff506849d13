package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	err := NewIOError("failed to open log file", fmt.Errorf("permission denied"))
	assert.Equal(t, "io: failed to open log file: permission denied", err.Error())

	err = NewParseError("line does not match", nil)
	assert.Equal(t, "parse: line does not match", err.Error())
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewRotationError("rename failed", nil).WithContext("path", "/tmp/alt.log").WithContext("attempt", 2)

	assert.Equal(t, "/tmp/alt.log", err.Context["path"])
	assert.Equal(t, 2, err.Context["attempt"])
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"parse", NewParseError("bad", nil), IsParseError, true},
		{"io", NewIOError("bad", nil), IsIOError, true},
		{"rotation is io", NewRotationError("bad", nil), IsIOError, true},
		{"io is not rotation", NewIOError("bad", nil), IsRotationError, false},
		{"upload", NewUploadError("bad", nil), IsUploadError, true},
		{"internal", NewInternalError("bad", nil), IsInternalError, true},
		{"wrapped", fmt.Errorf("outer: %w", NewValidationError("bad", nil)), IsValidationError, true},
		{"nested cause", NewUploadError("send failed", NewNetworkError("dial", nil)), IsNetworkError, true},
		{"plain error", errors.New("plain"), IsIOError, false},
		{"nil", nil, IsIOError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	err := fmt.Errorf("flush: %w", NewIOError("write failed", nil))

	assert.True(t, errors.Is(err, &DomainError{Type: ErrorTypeIO}))
	assert.False(t, errors.Is(err, &DomainError{Type: ErrorTypeParse}))
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()
	assert.NoError(t, collection.ToError())

	collection.Add(nil)
	assert.False(t, collection.HasErrors())

	collection.Add(NewIOError("remove archive", nil))
	collection.Add(NewIOError("remove snapshot", nil))

	err := collection.ToError()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.True(t, IsIOError(err))
}
