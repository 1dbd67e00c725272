package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/adapters/adaptertest"
	"github.com/lanternhq/modelgate/internal/config"
	"github.com/lanternhq/modelgate/internal/gateway"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/fallback"
	"github.com/lanternhq/modelgate/internal/services/loadbalancer"
	"github.com/lanternhq/modelgate/internal/services/registry"
	"github.com/lanternhq/modelgate/internal/services/selector"
	"github.com/lanternhq/modelgate/internal/services/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatModel(id string) models.ModelDescriptor {
	return models.ModelDescriptor{
		ModelID:         id,
		ProviderModelID: id + "-v1",
		Capabilities: []models.Capability{
			models.CapabilityText, models.CapabilityChat, models.CapabilityStreaming,
		},
		MaxContextTokens: 8192,
	}
}

func newTestServer(t *testing.T, fakes ...*adaptertest.Adapter) (*Server, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	for i, adapter := range fakes {
		reg.Register(models.ProviderDescriptor{
			ID:       adapter.Name,
			Enabled:  true,
			Priority: i + 1,
			Weight:   1,
		}, []models.ModelDescriptor{chatModel("m")}, adapter)
	}

	stats := telemetry.New(prometheus.NewRegistry())
	fb := fallback.New(stats)
	fb.SetBackoff(time.Microsecond, time.Millisecond)
	sel := selector.New(reg, loadbalancer.New(rand.NewSource(1)), stats)
	gw := gateway.New(sel, fb, models.StrategyPriority)

	cfg := &config.Config{}
	cfg.Server.Environment = "production" // no route printing in tests

	srv := NewServer(cfg, Deps{
		Gateway:   gw,
		Registry:  reg,
		Telemetry: stats,
		Factory: func(entry config.ProviderEntry) (adapters.Adapter, error) {
			return adaptertest.New(entry.ID, entry.Models...), nil
		},
	})
	return srv, reg
}

func postJSON(t *testing.T, srv *Server, path string, body any) *http.Response {
	t.Helper()
	return doJSON(t, srv, http.MethodPost, path, body)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

func TestTextEndpointReturnsNormalizedResult(t *testing.T) {
	srv, _ := newTestServer(t, adaptertest.New("alpha"))

	resp := postJSON(t, srv, "/v1/text", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "text from alpha", body["content"])
	assert.Equal(t, "alpha", body["provider_id"])
}

func TestChatEndpointFallsOverToNextProvider(t *testing.T) {
	alpha := adaptertest.New("alpha")
	alpha.FailNext(models.NewServiceUnavailableError("alpha", "down", nil))
	srv, _ := newTestServer(t, alpha, adaptertest.New("beta"))

	resp := postJSON(t, srv, "/v1/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "beta", body["provider_id"])
}

func TestMalformedBodyRejected(t *testing.T) {
	srv, _ := newTestServer(t, adaptertest.New("alpha"))

	req, err := http.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmptyPromptMapsToBadRequest(t *testing.T) {
	alpha := adaptertest.New("alpha")
	srv, _ := newTestServer(t, alpha)

	resp := postJSON(t, srv, "/v1/text", map[string]any{"prompt": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "invalid_request", errObj["kind"])
	assert.EqualValues(t, 0, alpha.Calls())
}

func TestErrorResponseCarriesTaxonomy(t *testing.T) {
	alpha := adaptertest.New("alpha")
	alpha.FailNext(
		models.NewRateLimitError("alpha", nil),
		models.NewRateLimitError("alpha", nil),
	)
	srv, _ := newTestServer(t, alpha)

	resp := postJSON(t, srv, "/v1/text", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "all_providers_failed", errObj["kind"])
	assert.NotEmpty(t, errObj["request_id"])
}

func TestHealthReportsPerProviderBreakerState(t *testing.T) {
	srv, reg := newTestServer(t, adaptertest.New("alpha"), adaptertest.New("beta"))

	entry, ok := reg.Get("beta")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		entry.Breaker.RecordFailure()
	}

	req, err := http.NewRequest(http.MethodGet, "/health", nil)
	require.NoError(t, err)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "degraded", body["status"])
	providers := body["checks"].(map[string]any)["providers"].(map[string]any)
	assert.Equal(t, "Closed", providers["alpha"].(map[string]any)["circuit_state"])
	assert.Equal(t, "Open", providers["beta"].(map[string]any)["circuit_state"])
}

func TestHealthCheckLeavesBreakerStateUntouched(t *testing.T) {
	srv, reg := newTestServer(t, adaptertest.New("alpha"))

	entry, ok := reg.Get("alpha")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		entry.Breaker.RecordFailure()
	}
	opened := time.Now()
	entry.Breaker.SetClock(func() time.Time { return opened.Add(time.Hour) })

	// Polling /health must never claim the half-open probe slot on behalf of
	// a request that does not exist.
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, "/health", nil)
		require.NoError(t, err)
		resp, err := srv.App().Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "healthy", body["status"], "a probe-eligible provider counts as usable")
		providers := body["checks"].(map[string]any)["providers"].(map[string]any)
		assert.Equal(t, "Open", providers["alpha"].(map[string]any)["circuit_state"])
	}

	assert.True(t, entry.Breaker.CanExecute(), "the probe slot must still be free for real traffic")
}

func TestAdminRegisterAndDeregisterProvider(t *testing.T) {
	srv, reg := newTestServer(t, adaptertest.New("alpha"))

	resp := doJSON(t, srv, http.MethodPut, "/admin/providers", map[string]any{
		"id":      "gamma",
		"adapter": "mock",
		"enabled": true,
		"weight":  1,
		"models":  []models.ModelDescriptor{chatModel("m")},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_, ok := reg.Get("gamma")
	assert.True(t, ok)

	req, err := http.NewRequest(http.MethodDelete, "/admin/providers/gamma", nil)
	require.NoError(t, err)
	resp, err = srv.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok = reg.Get("gamma")
	assert.False(t, ok)
}

func TestAdminUpdateUnknownProviderIs404(t *testing.T) {
	srv, _ := newTestServer(t, adaptertest.New("alpha"))

	resp := doJSON(t, srv, http.MethodPatch, "/admin/providers/ghost", map[string]any{
		"enabled": false,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTextStreamDeliversSSEChunks(t *testing.T) {
	alpha := adaptertest.New("alpha")
	srv, _ := newTestServer(t, alpha)

	resp := postJSON(t, srv, "/v1/text/stream", map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"provider":"alpha"`)
	assert.Contains(t, string(raw), "data: [DONE]")
}

