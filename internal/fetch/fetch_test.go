package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	syncerrors "git.home.luguber.info/inful/modsync/internal/errors"
	"git.home.luguber.info/inful/modsync/internal/hashing"
	"git.home.luguber.info/inful/modsync/internal/manifest"
	"git.home.luguber.info/inful/modsync/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 2)
}

func TestFetchDirectURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="create-0.5.1.jar"`)
		_, _ = w.Write([]byte("jar bytes"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", t.TempDir(), fastPolicy(), nil)
	res, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceURL, URL: srv.URL + "/files/whatever",
	})
	require.NoError(t, err)
	defer res.Discard()

	require.Equal(t, "create-0.5.1.jar", res.FileName)
	require.Equal(t, int64(9), res.Size)

	onDisk, err := hashing.FileDigest(res.StagedPath)
	require.NoError(t, err)
	require.Equal(t, onDisk, res.Digest, "reported digest must match staged bytes")
}

func TestFetchFileNameFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", t.TempDir(), fastPolicy(), nil)
	res, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceURL, URL: srv.URL + "/dl/jei-19.5.0.jar",
	})
	require.NoError(t, err)
	defer res.Discard()
	require.Equal(t, "jei-19.5.0.jar", res.FileName)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("eventually fine"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", t.TempDir(), fastPolicy(), nil)
	res, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceURL, URL: srv.URL,
	})
	require.NoError(t, err)
	defer res.Discard()
	require.Equal(t, 3, attempts)
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", t.TempDir(), fastPolicy(), nil)
	_, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceURL, URL: srv.URL,
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts, "404 is not transient")
	require.True(t, syncerrors.IsKind(err, syncerrors.KindNetwork))
}

func TestFetchProjectURLLayout(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("b"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, t.TempDir(), fastPolicy(), nil)
	res, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceProject, Project: "12345", Version: "0.5.1",
	})
	require.NoError(t, err)
	defer res.Discard()
	require.Equal(t, "/projects/12345/versions/0.5.1/download", gotPath)
}

func TestFetchProjectWithoutBaseURL(t *testing.T) {
	f := NewHTTPFetcher("", t.TempDir(), fastPolicy(), nil)
	_, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceProject, Project: "12345", Version: "1.0",
	})
	require.Error(t, err)
	require.True(t, syncerrors.IsKind(err, syncerrors.KindConfig))
}

func TestDiscardRemovesStagedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", t.TempDir(), fastPolicy(), nil)
	res, err := f.Fetch(context.Background(), manifest.SourceDescriptor{
		Type: manifest.SourceURL, URL: srv.URL,
	})
	require.NoError(t, err)

	res.Discard()
	_, statErr := os.Stat(res.StagedPath)
	require.True(t, os.IsNotExist(statErr))
}
