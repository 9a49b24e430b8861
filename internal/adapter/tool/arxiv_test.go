package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:arxiv="http://arxiv.org/schemas/atom">
  <entry>
    <id>http://arxiv.org/abs/2301.12345v1</id>
    <updated>2023-01-30T00:00:00Z</updated>
    <published>2023-01-29T18:00:00Z</published>
    <title>Detailed balance limit of
      perovskite tandem cells</title>
    <summary>  We revisit the Shockley-Queisser limit.  </summary>
    <author><name>A. Researcher</name></author>
    <author><name>B. Scientist</name></author>
    <link href="http://arxiv.org/abs/2301.12345v1" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/2301.12345v1" rel="related" type="application/pdf"/>
    <category term="cond-mat.mtrl-sci"/>
    <category term="physics.app-ph"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/broken</id>
    <title>   </title>
  </entry>
</feed>`

func newTestArxiv(t *testing.T, handler http.HandlerFunc) *ArxivSearch {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewArxivSearch(ArxivConfig{BaseURL: srv.URL, Interval: time.Millisecond}, srv.Client(), nopLogger())
}

func TestParseArxivFeed(t *testing.T) {
	papers, err := parseArxivFeed([]byte(sampleFeed))
	require.NoError(t, err)
	require.Len(t, papers, 1)

	p := papers[0]
	assert.Equal(t, "Detailed balance limit of perovskite tandem cells", p.Title)
	assert.Equal(t, "2301.12345v1", p.ArxivID)
	assert.Equal(t, "We revisit the Shockley-Queisser limit.", p.Summary)
	assert.Equal(t, []string{"A. Researcher", "B. Scientist"}, p.Authors)
	assert.Equal(t, "2023", p.Year)
	assert.Equal(t, "http://arxiv.org/pdf/2301.12345v1", p.PDFURL)
	assert.Equal(t, []string{"cond-mat.mtrl-sci", "physics.app-ph"}, p.Categories)
}

func TestParseArxivFeedMalformed(t *testing.T) {
	_, err := parseArxivFeed([]byte("<feed><entry>"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNonRetryable)
}

func TestArxivSearchHandler(t *testing.T) {
	var gotQuery atomic.Value
	a := newTestArxiv(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(sampleFeed))
	})

	decl := a.Declaration()
	assert.Equal(t, "search", decl.Name)

	out, err := decl.Handler(context.Background(), json.RawMessage(`{"query":"solar cell efficiency","max_results":5,"category":"physics.app-ph"}`))
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, 1, res["total"])
	papers := res["papers"].([]Paper)
	require.Len(t, papers, 1)

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, "(solar cell efficiency) AND cat:physics.app-ph", q["search_query"][0])
	assert.Equal(t, "5", q["max_results"][0])
	assert.Equal(t, "relevance", q["sortBy"][0])
}

func TestArxivSearchRejectsBadParams(t *testing.T) {
	a := newTestArxiv(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("server must not be called")
	})
	h := a.Declaration().Handler

	_, err := h(context.Background(), json.RawMessage(`{"query":""}`))
	assert.ErrorIs(t, err, domain.ErrNonRetryable)

	_, err = h(context.Background(), json.RawMessage(`{"query":"x","max_results":500}`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h(context.Background(), json.RawMessage(`{"query":"x","sort_by":"random"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestArxivSearchHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusServiceUnavailable, domain.ErrNetwork},
		{http.StatusBadRequest, domain.ErrNonRetryable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			a := newTestArxiv(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := a.Search(context.Background(), ArxivQuery{Query: "x", MaxResults: 1})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestArxivSearchPacing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	a := NewArxivSearch(ArxivConfig{BaseURL: srv.URL, Interval: 100 * time.Millisecond}, srv.Client(), nopLogger())
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := a.Search(context.Background(), ArxivQuery{Query: "x", MaxResults: 1})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())
}

func TestArxivSearchPacingHonoursContext(t *testing.T) {
	a := newTestArxiv(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Search(ctx, ArxivQuery{Query: "x", MaxResults: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
