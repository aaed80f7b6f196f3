package dhis2

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhis2pipeline/migrate/internal/apperr"
)

func TestClientGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dataElements/de-1", r.URL.Path)
		assert.Equal(t, "ApiToken tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"de-1"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "tok", 0)
	resp, err := client.Get(context.Background(), "api/dataElements/de-1", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	var decoded struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.Decode(&decoded))
	assert.Equal(t, "de-1", decoded.ID)
}

func TestClientGetClassifiesConflictWithImportCountAsUpstreamConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"response":{"importCount":{"imported":0,"ignored":1}}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "", 0)
	_, err := client.Get(context.Background(), "api/metadata", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamConflict, apperr.KindOf(err))

	fault := apperr.FaultOf(err)
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusConflict, fault.Status)
	assert.Contains(t, fault.URL, "api/metadata")
}

func TestClientGetClassifiesConflictWithNoImportCountAsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := New(srv.URL, "", 0)
	_, err := client.Get(context.Background(), "api/metadata", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamFatal, apperr.KindOf(err))
}

func TestClientGetClassifiesClientErrorAsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(srv.URL, "", 0)
	_, err := client.Get(context.Background(), "api/metadata", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamFatal, apperr.KindOf(err))

	fault := apperr.FaultOf(err)
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusNotFound, fault.Status)
}

func TestClientGetClassifiesGatewayTimeoutAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	client := New(srv.URL, "", 0)
	_, err := client.Get(context.Background(), "api/metadata", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamTransient, apperr.KindOf(err))

	fault := apperr.FaultOf(err)
	require.NotNil(t, fault)
	assert.Equal(t, http.StatusGatewayTimeout, fault.Status)
}

func TestClientGetClassifiesConnectionFailureWithNetworkFault(t *testing.T) {
	client := New("http://127.0.0.1:1", "", 50*time.Millisecond)
	_, err := client.Get(context.Background(), "api/metadata", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamTransient, apperr.KindOf(err))

	fault := apperr.FaultOf(err)
	require.NotNil(t, fault)
	assert.Equal(t, "ERR_NETWORK", fault.Code)
}

func TestClientPostSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"importCount":{"imported":1}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "", 0)
	resp, err := client.Post(context.Background(), "dataValueSets", nil, map[string]string{"foo": "bar"})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
}

func TestClientRouteProxyGetBuildsExpectedPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/routes/route-1/run/api/dashboards", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "", 0)
	_, err := client.RouteProxyGet(context.Background(), "route-1", "/api/dashboards", nil)
	require.NoError(t, err)
}
