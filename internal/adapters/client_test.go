package adapters

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		assert.Equal(t, "1", r.URL.Query().Get("a"))
		_, _ = io.WriteString(w, `{"price":"1.5"}`)
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL+"/", WithHeader("X-Test", "v"))
	var out struct {
		Price string `json:"price"`
	}
	require.NoError(t, c.Get(context.Background(), "/x", map[string][]string{"a": {"1"}}, &out))
	assert.Equal(t, "1.5", out.Price)
	assert.Equal(t, int64(1), c.Stats().Requests)
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "bad")
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, WithBreaker(2, time.Minute))
	for i := 0; i < 3; i++ {
		err := c.Get(context.Background(), "/", nil, nil)
		var api *APIError
		require.ErrorAs(t, err, &api)
		assert.Equal(t, 400, api.Status)
		assert.Equal(t, "bad", api.Msg)
	}
	assert.False(t, c.Stats().CircuitOpen)
	assert.Equal(t, int64(3), c.Stats().Errors)
}

func TestClient_BreakerOpensAndResets(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	now := time.Now()
	c := NewClient("test", srv.URL, WithBreaker(2, time.Minute))
	c.now = func() time.Time { return now }

	_ = c.Get(context.Background(), "/", nil, nil)
	_ = c.Get(context.Background(), "/", nil, nil)
	assert.True(t, c.Stats().CircuitOpen)

	err := c.Get(context.Background(), "/", nil, nil)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(2), hits.Load())

	now = now.Add(2 * time.Minute)
	_ = c.Get(context.Background(), "/", nil, nil)
	assert.Equal(t, int32(3), hits.Load())
}

func TestParseFloat(t *testing.T) {
	f, err := ParseFloat("1.25")
	require.NoError(t, err)
	assert.Equal(t, 1.25, f)
	f, err = ParseFloat(float64(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)
	_, err = ParseFloat(nil)
	assert.Error(t, err)
	_, err = ParseFloat(true)
	assert.Error(t, err)
	assert.Equal(t, 0.0, MustFloat("x"))
}
