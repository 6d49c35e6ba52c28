package gcs

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "tradestat-artifacts"})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"hs_code":"01011010"}`)
	objectName := "raw/export/2025-06-01/HS_01011010.json"
	sum := make([]byte, 4)
	binary.BigEndian.PutUint32(sum, crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)))
	crc := base64.StdEncoding.EncodeToString(sum)

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/tradestat-artifacts/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), objectName)
		assert.Contains(t, string(body), `"crc32c":"`+crc, "checksum travels with the upload")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"bucket":"tradestat-artifacts","name":%q}`, objectName)
	}))

	uri, err := store.PutObject(context.Background(), "/"+objectName, "application/json", payload)
	require.NoError(t, err)
	assert.Equal(t, "gs://tradestat-artifacts/"+objectName, uri)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "raw/x.json", "application/json", []byte("{}"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "application/json", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}
