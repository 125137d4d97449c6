package pagination

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"chatcall-backend/pkg/constants"
)

// CursorParams are keyset pagination query parameters. Cursor is the id of the
// last item of the previous page, nil for the first page.
type CursorParams struct {
	Limit  int
	Cursor *uuid.UUID
}

// CursorResponse is one page of a keyset paginated listing
type CursorResponse struct {
	Data       interface{} `json:"data"`
	HasMore    bool        `json:"has_more"`
	NextCursor *uuid.UUID  `json:"next_cursor,omitempty"`
}

// ParseCursorParams parses limit and cursor from the query string. The limit is
// clamped to [MinPageSize, MaxPageSize].
func ParseCursorParams(limitStr, cursorStr string) (*CursorParams, error) {
	limit := constants.DefaultPageSize

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = ClampLimit(l)
	}

	params := &CursorParams{Limit: limit}
	if cursorStr != "" {
		id, err := uuid.Parse(cursorStr)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor parameter: %w", err)
		}
		params.Cursor = &id
	}
	return params, nil
}

// ClampLimit bounds a page size
func ClampLimit(limit int) int {
	if limit < constants.MinPageSize {
		return constants.MinPageSize
	}
	if limit > constants.MaxPageSize {
		return constants.MaxPageSize
	}
	return limit
}

// BuildCursorResponse wraps a page. next is the id of its last item; it is only
// exposed when more items follow.
func BuildCursorResponse(data interface{}, hasMore bool, next uuid.UUID) *CursorResponse {
	resp := &CursorResponse{Data: data, HasMore: hasMore}
	if hasMore && next != uuid.Nil {
		resp.NextCursor = &next
	}
	return resp
}
