package s3

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient("http://localhost:9000", false, "minioadmin", "minioadmin", "agrichat-photos", "", 0, nil)
	require.NoError(t, err)
	return client
}

func writeTempImage(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0o600))
	return path
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("", false, "k", "s", "bucket", "", 0, nil)
	require.Error(t, err)

	_, err = NewClient("http://localhost:9000", false, "k", "s", "", "", 0, nil)
	require.Error(t, err)
}

func TestUploadTimeoutBoundsBatch(t *testing.T) {
	client, err := NewClient("http://localhost:9000", false, "minioadmin", "minioadmin", "agrichat-photos", "", time.Nanosecond, nil)
	require.NoError(t, err)
	img := writeTempImage(t, "img.bin", 10)

	// The configured ceiling expires before the first network call, so the
	// batch fails with a deadline error rather than hanging on the endpoint.
	_, err = client.UploadImages(context.Background(), []string{img})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadImagesEmptyBatch(t *testing.T) {
	client := newTestClient(t)
	urls, err := client.UploadImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, urls)
}

func TestUploadImagesRejectsOversizedBatch(t *testing.T) {
	client := newTestClient(t)
	paths := make([]string, MaxImagesPerSend+1)
	for i := range paths {
		paths[i] = writeTempImage(t, "img.bin", 10)
	}

	_, err := client.UploadImages(context.Background(), paths)
	require.ErrorIs(t, err, ErrTooManyImages)
}

func TestUploadImagesRejectsLargeFile(t *testing.T) {
	client := newTestClient(t)
	small := writeTempImage(t, "small.bin", 10)
	big := writeTempImage(t, "big.bin", MaxImageSize+1)

	// Validation covers the whole batch before any upload starts.
	_, err := client.UploadImages(context.Background(), []string{small, big})
	require.ErrorIs(t, err, ErrImageTooLarge)
}

func TestUploadImagesRejectsMissingFile(t *testing.T) {
	client := newTestClient(t)
	_, err := client.UploadImages(context.Background(), []string{filepath.Join(t.TempDir(), "nope.jpg")})
	require.Error(t, err)
}

func TestObjectURL(t *testing.T) {
	client := newTestClient(t)
	url := client.objectURL("chat/abc.jpg")
	assert.Equal(t, "http://localhost:9000/agrichat-photos/chat/abc.jpg", url)
}

func TestParseEndpoint(t *testing.T) {
	assert.Equal(t, "localhost:9000", parseEndpoint("http://localhost:9000"))
	assert.Equal(t, "minio.internal:9000", parseEndpoint("https://minio.internal:9000"))
	assert.Equal(t, "localhost:9000", parseEndpoint("localhost:9000"))
}

func TestNoopUploader(t *testing.T) {
	var up Uploader = NoopUploader{}

	urls, err := up.UploadImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, urls)

	_, err = up.UploadImages(context.Background(), []string{"a.jpg"})
	require.Error(t, err)
}
