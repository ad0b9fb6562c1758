package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/article-batch-orchestrator/internal/storage/gcs"
)

const bucketName = "test-bucket"

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type staticFactory struct {
	client *storage.Client
	err    error
}

func (f staticFactory) NewClient(context.Context) (*storage.Client, error) {
	return f.client, f.err
}

func respond(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}
}

func newClient(t *testing.T, rt roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	return client
}

func TestOpen_ChecksBucket(t *testing.T) {
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/storage/v1/b/%s", bucketName))
		return respond(r, http.StatusOK, `{"name":"`+bucketName+`"}`), nil
	})
	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: bucketName}, staticFactory{client: client}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestOpen_ClientError(t *testing.T) {
	_, err := gcs.Open(context.Background(), gcs.Config{Bucket: bucketName}, staticFactory{err: fmt.Errorf("boom")}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS client")
}

func TestOpen_BucketMissing(t *testing.T) {
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return respond(r, http.StatusNotFound, `{"error":{"code":404,"message":"not found"}}`), nil
	})
	_, err := gcs.Open(context.Background(), gcs.Config{Bucket: bucketName}, staticFactory{client: client}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get GCS bucket")
}

func TestNew_Validates(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: bucketName})
	require.Error(t, err)
	client := newClient(t, func(r *http.Request) (*http.Response, error) { return respond(r, http.StatusOK, `{}`), nil })
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPublish(t *testing.T) {
	var uploaded []byte
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		uploaded = body
		return respond(r, http.StatusOK, `{"name":"pdfs/acme/full_conversion/Hello_World_1.pdf","bucket":"`+bucketName+`"}`), nil
	})
	store, err := gcs.New(client, gcs.Config{Bucket: bucketName})
	require.NoError(t, err)

	loc, err := store.Publish(context.Background(), "pdfs/acme/full_conversion/Hello_World_1.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-data")))
	require.NoError(t, err)
	assert.Equal(t, "https://storage.googleapis.com/test-bucket/pdfs/acme/full_conversion/Hello_World_1.pdf", loc)
	assert.Contains(t, string(uploaded), "%PDF-data")
	assert.Contains(t, string(uploaded), "application/pdf")
}

func TestPublish_Error(t *testing.T) {
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return respond(r, http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`), nil
	})
	store, err := gcs.New(client, gcs.Config{Bucket: bucketName, PublicBaseURL: "https://cdn.example/"})
	require.NoError(t, err)
	_, err = store.Publish(context.Background(), "a.pdf", "application/pdf", bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, err = store.Publish(context.Background(), " ", "application/pdf", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestListAndDelete(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []string
	)
	listing := `{"kind":"storage#objects","items":[
		{"name":"pdfs/a/1.pdf","bucket":"test-bucket","size":"12","updated":"2024-01-02T03:04:05Z"},
		{"name":"pdfs/b/2.pdf","bucket":"test-bucket","size":"7","updated":"2024-01-03T03:04:05Z"}]}`
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		switch r.Method {
		case http.MethodGet:
			assert.True(t, strings.HasSuffix(r.URL.Path, "/b/"+bucketName+"/o"), r.URL.Path)
			assert.Equal(t, "pdfs/", r.URL.Query().Get("prefix"))
			return respond(r, http.StatusOK, listing), nil
		case http.MethodDelete:
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
			return respond(r, http.StatusNoContent, ""), nil
		default:
			return respond(r, http.StatusMethodNotAllowed, ""), nil
		}
	})
	store, err := gcs.New(client, gcs.Config{Bucket: bucketName})
	require.NoError(t, err)

	objects, err := store.List(context.Background(), "pdfs/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "pdfs/a/1.pdf", objects[0].Key)
	assert.Equal(t, int64(12), objects[0].Size)
	assert.Equal(t, 2024, objects[0].LastModified.Year())

	n, err := store.Delete(context.Background(), "pdfs/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, deleted, 2)
}
