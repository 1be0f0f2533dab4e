package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token := EncodeCursor(Cursor{ID: 42})
	got, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)

	empty, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = DecodeCursor("!!!")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestTrim(t *testing.T) {
	rows := []int64{9, 8, 7}
	page, info := Trim(rows, 2, func(v int64) int64 { return v })
	assert.Equal(t, []int64{9, 8}, page)
	assert.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, int64(8), next.ID)

	page, info = Trim(rows, 5, func(v int64) int64 { return v })
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 10, Pagination{PageSize: 10}.Limit())
}
