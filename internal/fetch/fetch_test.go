package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	return cfg
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "recrop/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p, err := New(testConfig(), nil, nil).Fetch(context.Background(), srv.URL+"/files/receipt.JPG?sig=1", dir, "F1_1_0_receipt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "F1_1_0_receipt.jpg"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestFetchNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := New(testConfig(), nil, nil).Fetch(context.Background(), srv.URL+"/x.png", t.TempDir(), "x")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := New(testConfig(), nil, nil).Fetch(context.Background(), srv.URL+"/x.png", t.TempDir(), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 1
	_, err := New(cfg, nil, nil).Fetch(context.Background(), srv.URL+"/x.png", t.TempDir(), "x")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestFetchLocalPath(t *testing.T) {
	src := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o600))

	dir := t.TempDir()
	p, err := New(testConfig(), nil, nil).Fetch(context.Background(), src, dir, "F2_1_0_scan")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "F2_1_0_scan.png"), p)

	p, err = New(testConfig(), nil, nil).Fetch(context.Background(), "file://"+src, dir, "again")
	require.NoError(t, err)
	assert.FileExists(t, p)

	_, err = New(testConfig(), nil, nil).Fetch(context.Background(), filepath.Join(dir, "missing.png"), dir, "m")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBytes = 16
	dir := t.TempDir()
	_, err := New(cfg, nil, nil).Fetch(context.Background(), srv.URL+"/big.png", dir, "big")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "big.png"))
}

func TestSourceFileNameAndSafeName(t *testing.T) {
	assert.Equal(t, "a b.jpg", SourceFileName("https://h/x/a%20b.jpg?q=1"))
	assert.Equal(t, "r.png", SourceFileName("C:/Users/me/r.png"))
	assert.Equal(t, "r.png", SourceFileName("/tmp/r.png"))
	assert.Equal(t, "a_b_.c", SafeName("a b/.c"))
	assert.Equal(t, "file", SafeName("..."))
}
