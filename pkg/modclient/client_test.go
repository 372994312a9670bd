package modclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

func catalogStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func fastClient(baseURL string) *Client {
	return New(Options{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		RequestsPerSecond: 1000,
		MetadataTimeout:   2 * time.Second,
		MaxAttempts:       2,
	})
}

func TestResolveBatchClassification(t *testing.T) {
	srv := catalogStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/v1/mods/100":
			fmt.Fprint(w, `{"data":{"id":100,"name":"JourneyMap","slug":"journeymap"}}`)
		case "/v1/mods/100/files/200":
			fmt.Fprint(w, `{"data":{"id":200,"fileName":"journeymap-1.20.1.jar","fileLength":12345,"downloadUrl":"https://cdn.example/200.jar"}}`)
		case "/v1/mods/100/files/201":
			http.NotFound(w, r)
		case "/v1/mods/999":
			http.NotFound(w, r)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	c := fastClient(srv.URL)
	got, err := c.ResolveBatch(context.Background(), []Pair{
		{ProjectID: 100, FileID: 200},
		{ProjectID: 100, FileID: 201},
		{ProjectID: 999, FileID: 300},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, StatusOK, got[0].Status)
	require.Equal(t, "journeymap-1.20.1.jar", got[0].File.FileName)
	require.Equal(t, "https://cdn.example/200.jar", got[0].File.DownloadURL)
	require.Equal(t, "JourneyMap", got[0].Project.Name)

	require.Equal(t, StatusMissing, got[1].Status)
	require.Equal(t, StatusMissing, got[2].Status)
}

func TestResolveRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := catalogStub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/mods/1":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"data":{"id":1,"name":"Mod","slug":"mod"}}`)
		case "/v1/mods/1/files/2":
			fmt.Fprint(w, `{"data":{"id":2,"fileName":"mod.jar","fileLength":1,"downloadUrl":"u"}}`)
		}
	})

	c := fastClient(srv.URL)
	got, err := c.ResolveBatch(context.Background(), []Pair{{ProjectID: 1, FileID: 2}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, got[0].Status)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestResolveExhaustedRetriesAreTransient(t *testing.T) {
	srv := catalogStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := fastClient(srv.URL)
	got, err := c.ResolveBatch(context.Background(), []Pair{{ProjectID: 1, FileID: 2}})
	require.NoError(t, err)
	require.Equal(t, StatusTransient, got[0].Status)
	require.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(got[0].Err))
}

func TestResolveMissingDownloadURL(t *testing.T) {
	srv := catalogStub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/mods/7":
			fmt.Fprint(w, `{"data":{"id":7,"name":"NoDist","slug":"nodist"}}`)
		case "/v1/mods/7/files/8":
			fmt.Fprint(w, `{"data":{"id":8,"fileName":"nodist.jar","fileLength":1,"downloadUrl":""}}`)
		}
	})

	c := fastClient(srv.URL)
	got, err := c.ResolveBatch(context.Background(), []Pair{{ProjectID: 7, FileID: 8}})
	require.NoError(t, err)
	require.Equal(t, StatusMissing, got[0].Status)
}

func TestDownloadStreams(t *testing.T) {
	payload := []byte("jar bytes here")
	srv := catalogStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	})

	c := fastClient(srv.URL)
	rc, size, err := c.Download(context.Background(), srv.URL+"/cdn/file.jar")
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, int64(len(payload)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDownloadNotFound(t *testing.T) {
	srv := catalogStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	c := fastClient(srv.URL)
	_, _, err := c.Download(context.Background(), srv.URL+"/gone.jar")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRateLimiterThrottles(t *testing.T) {
	srv := catalogStub(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"id":1,"name":"Mod","slug":"mod"}}`)
	})

	c := New(Options{BaseURL: srv.URL, RequestsPerSecond: 20, MetadataTimeout: 2 * time.Second})
	// 2 pairs -> 1 project call (cached) + 2 file calls = 3 requests.
	start := time.Now()
	_, err := c.ResolveBatch(context.Background(), []Pair{
		{ProjectID: 1, FileID: 2},
		{ProjectID: 1, FileID: 3},
	})
	require.NoError(t, err)
	// Bucket starts with burst capacity; just assert we did not stall absurdly.
	require.Less(t, time.Since(start), 2*time.Second)
}
