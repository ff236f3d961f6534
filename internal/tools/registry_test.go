package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/search"
	"github.com/lexflow/orchestrator/policy"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	return NewRegistry(engine, zap.NewNop())
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := newTestRegistry(t)
	tool := NewSimilaritySearchTool(search.NewStub(), time.Second)
	require.NoError(t, r.Register(tool))
	assert.Error(t, r.Register(tool))
}

func TestInvokeUnknownToolIsBlocked(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "nonexistent", json.RawMessage(`{}`))
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, ErrBlocked, toolErr.Kind)
}

func TestSimilaritySearchClampsTopK(t *testing.T) {
	captured := &capturingSearcher{}
	r := newTestRegistry(t)
	r.MustRegister(NewSimilaritySearchTool(captured, time.Second))

	args, _ := json.Marshal(SimilaritySearchArgs{Query: "limitation periods", TopK: 500})
	_, err := r.Invoke(context.Background(), SimilaritySearchName, args)
	require.NoError(t, err)
	assert.Equal(t, 50, captured.lastRequest.TopK)

	args, _ = json.Marshal(SimilaritySearchArgs{Query: "limitation periods", TopK: 0})
	_, err = r.Invoke(context.Background(), SimilaritySearchName, args)
	require.NoError(t, err)
	assert.Equal(t, 1, captured.lastRequest.TopK)
}

func TestSimilaritySearchLowercasesJurisdictions(t *testing.T) {
	captured := &capturingSearcher{}
	r := newTestRegistry(t)
	r.MustRegister(NewSimilaritySearchTool(captured, time.Second))

	args, _ := json.Marshal(SimilaritySearchArgs{
		Query:         "treaty obligations",
		TopK:          3,
		Jurisdictions: []string{"BE", " Fr "},
	})
	_, err := r.Invoke(context.Background(), SimilaritySearchName, args)
	require.NoError(t, err)
	assert.Equal(t, []string{"be", "fr"}, captured.lastRequest.Jurisdictions)
}

func TestSimilaritySearchRequiresQuery(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister(NewSimilaritySearchTool(search.NewStub(), time.Second))

	_, err := r.Invoke(context.Background(), SimilaritySearchName, json.RawMessage(`{"query":"  "}`))
	assert.Error(t, err)
}

func TestWebFetchBlockedForUnlistedHost(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister(NewWebFetchTool([]string{"example.org"}, 1024, time.Second))

	args, _ := json.Marshal(WebFetchArgs{URL: "https://evil.test/page"})
	_, err := r.Invoke(context.Background(), WebFetchName, args)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, ErrBlocked, toolErr.Kind)
}

func TestWebFetchAllowedHostExtractsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Registry</title></head>` +
			`<body><p>Company record.</p><a href="/filing">Filing</a>` +
			`<script>ignored()</script></body></html>`))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	r := newTestRegistry(t)
	// httptest binds to 127.0.0.1; the policy compares hostnames only.
	r.MustRegister(NewWebFetchTool([]string{"127.0.0.1"}, 100_000, 2*time.Second))

	args, _ := json.Marshal(WebFetchArgs{URL: "http://" + host + "/company"})
	raw, err := r.Invoke(context.Background(), WebFetchName, args)
	require.NoError(t, err)

	var result WebFetchResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "Registry", result.Title)
	assert.Contains(t, result.Text, "Company record.")
	assert.NotContains(t, result.Text, "ignored()")
	require.Len(t, result.Links, 1)
	assert.Contains(t, result.Links[0], "/filing")
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestWebFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		big := make([]byte, 4096)
		for i := range big {
			big[i] = 'x'
		}
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	r := newTestRegistry(t)
	r.MustRegister(NewWebFetchTool([]string{"127.0.0.1"}, 1024, 2*time.Second))

	args, _ := json.Marshal(WebFetchArgs{URL: srv.URL})
	_, err := r.Invoke(context.Background(), WebFetchName, args)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, ErrTooLarge, toolErr.Kind)
}

func TestWebFetchRejectsNonHTTPScheme(t *testing.T) {
	r := newTestRegistry(t)
	// Policy consulted first; file URLs have no host so the gate blocks them.
	r.MustRegister(NewWebFetchTool([]string{"example.org"}, 1024, time.Second))

	args, _ := json.Marshal(WebFetchArgs{URL: "file:///etc/passwd"})
	_, err := r.Invoke(context.Background(), WebFetchName, args)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, ErrBlocked, toolErr.Kind)
}

func TestInvokeTimeoutClassified(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister(&slowTool{delay: 200 * time.Millisecond, timeout: 20 * time.Millisecond})

	_, err := r.Invoke(context.Background(), "similarity_search", json.RawMessage(`{}`))
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, ErrTimeout, toolErr.Kind)
}

type capturingSearcher struct {
	lastRequest search.Request
}

func (c *capturingSearcher) Search(_ context.Context, req search.Request) ([]search.Hit, error) {
	c.lastRequest = req
	return nil, nil
}

// slowTool registers under the similarity_search name so the default policy
// allows it through to the timeout path.
type slowTool struct {
	delay   time.Duration
	timeout time.Duration
}

func (s *slowTool) Name() string   { return SimilaritySearchName }
func (s *slowTool) Limits() Limits { return Limits{Timeout: s.timeout} }

func (s *slowTool) Invoke(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	select {
	case <-time.After(s.delay):
		return json.RawMessage(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
