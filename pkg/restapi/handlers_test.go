package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaibyao/pgrest/internal/catalog"
	"github.com/kaibyao/pgrest/internal/compileerr"
	"github.com/kaibyao/pgrest/pkg/httputil"
)

// fakeStats serves a fixed map of catalog.TableStats and counts Reset
// calls, so handler tests exercise every path that stops short of
// issuing SQL without a live database.
type fakeStats struct {
	tables    map[string]*catalog.TableStats
	resetHits int
}

func (f *fakeStats) Get(_ context.Context, table string) (*catalog.TableStats, error) {
	s, ok := f.tables[table]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return s, nil
}

func (f *fakeStats) Reset() { f.resetHits++ }
func (f *fakeStats) Close() {}

func newTestServer(t *testing.T, cfg Config, stats *fakeStats) *Server {
	t.Helper()
	s := &Server{
		stats:  stats,
		router: httputil.NewRouter(),
		cfg:    cfg,
		log:    zap.NewNop(),
	}
	s.registerHandlers()
	return s
}

func playerFixture() *fakeStats {
	return &fakeStats{tables: map[string]*catalog.TableStats{
		"player": {
			Table:      "player",
			Columns:    []catalog.Column{{Name: "id"}, {Name: "name"}, {Name: "team_id"}},
			PrimaryKey: []string{"id"},
		},
	}}
}

func TestHandleSelect(t *testing.T) {
	t.Run("introspection when columns is absent", func(t *testing.T) {
		s := newTestServer(t, Config{}, playerFixture())
		req := httptest.NewRequest(http.MethodGet, "/api/player", nil)
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "player", got["table"])
	})

	t.Run("unknown table is a 404", func(t *testing.T) {
		s := newTestServer(t, Config{}, playerFixture())
		req := httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil)
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		var body errorEnvelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, string(compileerr.UnknownTable), body.Error)
	})
}

func TestHandleDelete_RequiresConfirmation(t *testing.T) {
	s := newTestServer(t, Config{}, playerFixture())
	req := httptest.NewRequest(http.MethodDelete, "/api/player", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(compileerr.ConfirmationRequired), body.Error)
}

func TestHandleInsert_InvalidTableName(t *testing.T) {
	s := newTestServer(t, Config{}, playerFixture())
	req := httptest.NewRequest(http.MethodPost, "/api/bad-name!", strings.NewReader(`{"name":"a"}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(compileerr.InvalidIdentifier), body.Error)
}

func TestHandleResetCache(t *testing.T) {
	stats := playerFixture()
	s := newTestServer(t, Config{IsCacheResetEndpointEnabled: true}, stats)
	req := httptest.NewRequest(http.MethodPost, "/api/reset_table_stats_cache", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, stats.resetHits)
}

func TestHandleResetCache_DisabledByDefault(t *testing.T) {
	s := newTestServer(t, Config{}, playerFixture())
	req := httptest.NewRequest(http.MethodPost, "/api/reset_table_stats_cache", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
