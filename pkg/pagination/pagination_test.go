package pagination

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCursorParams(t *testing.T) {
	cursor := uuid.New()

	tests := []struct {
		name       string
		limit      string
		cursor     string
		wantLimit  int
		wantCursor *uuid.UUID
		wantErr    bool
	}{
		{name: "defaults", wantLimit: 20},
		{name: "explicit", limit: "5", cursor: cursor.String(), wantLimit: 5, wantCursor: &cursor},
		{name: "too small", limit: "0", wantLimit: 1},
		{name: "too large", limit: "500", wantLimit: 100},
		{name: "bad limit", limit: "ten", wantErr: true},
		{name: "bad cursor", cursor: "not-a-uuid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := ParseCursorParams(tt.limit, tt.cursor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, params.Limit)
			assert.Equal(t, tt.wantCursor, params.Cursor)
		})
	}
}

func TestBuildCursorResponse(t *testing.T) {
	last := uuid.New()

	more := BuildCursorResponse([]int{1, 2}, true, last)
	require.NotNil(t, more.NextCursor)
	assert.Equal(t, last, *more.NextCursor)

	done := BuildCursorResponse([]int{1}, false, last)
	assert.Nil(t, done.NextCursor)
	assert.False(t, done.HasMore)
}
