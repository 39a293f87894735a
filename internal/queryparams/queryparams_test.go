package queryparams

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaibyao/pgrest/internal/sqlfrag"
)

func TestParseSelect(t *testing.T) {
	t.Run("defaults when no params given", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/player", nil)
		got, err := ParseSelect(r)
		require.NoError(t, err)
		assert.Nil(t, got.Columns)
		assert.Equal(t, DefaultLimit, got.Limit)
		assert.Equal(t, DefaultOffset, got.Offset)
	})

	t.Run("parses every recognized parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet,
			"/api/player?columns=id,team_id.name&distinct=id&where=id%20%3E%201&group_by=id&order_by=id%20desc&limit=5&offset=10", nil)
		got, err := ParseSelect(r)
		require.NoError(t, err)
		require.NotNil(t, got.Columns)
		assert.Equal(t, sqlfrag.ColumnList, got.Columns.Shape)
		require.NotNil(t, got.Distinct)
		require.NotNil(t, got.Where)
		require.NotNil(t, got.GroupBy)
		require.NotNil(t, got.OrderBy)
		assert.Equal(t, 5, got.Limit)
		assert.Equal(t, 10, got.Offset)
	})

	t.Run("invalid limit is a syntax error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/player?limit=nope", nil)
		_, err := ParseSelect(r)
		assert.Error(t, err)
	})

	t.Run("invalid where fragment surfaces the parser's error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/player?where=id%20BETWEEN%201%20AND%202", nil)
		_, err := ParseSelect(r)
		assert.Error(t, err)
	})
}

func TestParseWrite(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost,
		"/api/player?conflict_action=update&conflict_target=id,team_id&returning_columns=id,name", nil)
	got := ParseWrite(r)
	assert.Equal(t, "update", got.ConflictAction)
	assert.Equal(t, []string{"id", "team_id"}, got.ConflictTarget)
	assert.Equal(t, []string{"id", "name"}, got.ReturningColumns)
}

func TestParseMutate(t *testing.T) {
	t.Run("confirm_delete defaults to false", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodDelete, "/api/player?where=id%3D1", nil)
		got, err := ParseMutate(r)
		require.NoError(t, err)
		assert.False(t, got.ConfirmDelete)
		require.NotNil(t, got.Where)
	})

	t.Run("confirm_delete=true is honored", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodDelete, "/api/player?confirm_delete=true", nil)
		got, err := ParseMutate(r)
		require.NoError(t, err)
		assert.True(t, got.ConfirmDelete)
		assert.Nil(t, got.Where)
	})
}

func TestParseSQL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/sql?is_returning_columns=true", nil)
	assert.True(t, ParseSQL(r).IsReturningColumns)

	r2 := httptest.NewRequest(http.MethodPost, "/api/sql", nil)
	assert.False(t, ParseSQL(r2).IsReturningColumns)
}
