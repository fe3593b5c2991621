package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearXNGInstanceFallback(t *testing.T) {
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer blocked.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "quantum computing", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"title": "A", "url": "https://a.example", "content": "first"},
			{"title": "", "url": "", "content": "skipped, no url"},
			{"title": "B", "url": "https://b.example", "content": "second"}
		]}`))
	}))
	defer good.Close()

	s := NewSearXNG([]string{blocked.URL, good.URL}, discardLogger())
	results, err := s.Search(context.Background(), "quantum computing")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://a.example", results[0].URL)
}

func TestSearXNGCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"url": "https://1", "content": "c"}, {"url": "https://2", "content": "c"},
			{"url": "https://3", "content": "c"}, {"url": "https://4", "content": "c"},
			{"url": "https://5", "content": "c"}, {"url": "https://6", "content": "c"}
		]}`))
	}))
	defer srv.Close()

	s := NewSearXNG([]string{srv.URL}, discardLogger())
	results, err := s.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, results, MaxResults)
}

func TestSearXNGAllInstancesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	s := NewSearXNG([]string{srv.URL}, discardLogger())
	_, err := s.Search(context.Background(), "q")
	require.Error(t, err)

	var se *SearchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Transient, se.Kind)
}
