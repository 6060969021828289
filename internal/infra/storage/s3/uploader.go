package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// MaxImagesPerSend bounds one message's attachment batch.
	MaxImagesPerSend = 5
	// MaxImageSize is the per-file ceiling in bytes.
	MaxImageSize = 5 * 1024 * 1024
)

var (
	ErrTooManyImages = errors.New("s3: too many images in one send")
	ErrImageTooLarge = errors.New("s3: image exceeds size limit")
)

// Uploader converts local image files into durable public URLs. The whole
// batch succeeds or fails atomically; no partial URL list is ever returned.
type Uploader interface {
	UploadImages(ctx context.Context, paths []string) ([]string, error)
}

// Client wraps a MinIO/S3 client.
type Client struct {
	bucket         string
	publicBaseURL  string
	uploadTimeout  time.Duration
	client         *minio.Client
	logger         *slog.Logger
	bucketInitOnce sync.Once
	bucketInitErr  error
}

// NewClient configures an uploader using the provided endpoint and
// credentials. uploadTimeout bounds a whole UploadImages batch; zero means
// the caller's context is the only deadline.
func NewClient(endpoint string, useSSL bool, accessKey, secretKey, bucket, publicBaseURL string, uploadTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	cleanEndpoint := strings.TrimSpace(endpoint)
	if cleanEndpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	clientEndpoint := parseEndpoint(cleanEndpoint)
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
	}
	minioClient, err := minio.New(clientEndpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	base := strings.TrimSpace(publicBaseURL)
	if base == "" {
		base = cleanEndpoint
	}

	return &Client{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		uploadTimeout: uploadTimeout,
		client:        minioClient,
		logger:        logger,
	}, nil
}

// UploadImages validates and uploads a message's attachment batch, returning
// one public URL per input path in order. Validation runs for the whole batch
// before any network call so oversized input never half-uploads.
func (c *Client) UploadImages(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if len(paths) > MaxImagesPerSend {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyImages, len(paths), MaxImagesPerSend)
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("s3: stat %s: %w", path, err)
		}
		if info.Size() > MaxImageSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrImageTooLarge, filepath.Base(path), info.Size())
		}
	}
	if c.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()
	}
	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(paths))
	for _, path := range paths {
		publicURL, err := c.uploadOne(ctx, path)
		if err != nil {
			return nil, err
		}
		urls = append(urls, publicURL)
	}
	if c.logger != nil {
		c.logger.Info("image batch uploaded", "count", len(urls), "bucket", c.bucket)
	}
	return urls, nil
}

func (c *Client) uploadOne(ctx context.Context, path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("s3: detect type %s: %w", path, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("s3: open %s: %w", path, err)
	}
	defer file.Close()

	key := "chat/" + uuid.New().String() + mtype.Extension()
	_, err = c.client.PutObject(ctx, c.bucket, key, file, -1, minio.PutObjectOptions{
		ContentType: mtype.String(),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put object: %w", err)
	}
	return c.objectURL(key), nil
}

// NoopUploader fails fast when S3 is unavailable.
type NoopUploader struct{}

func (NoopUploader) UploadImages(_ context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	return nil, errors.New("s3 uploader is not configured")
}

func (c *Client) ensureBucket(ctx context.Context) error {
	c.bucketInitOnce.Do(func() {
		exists, err := c.client.BucketExists(ctx, c.bucket)
		if err != nil {
			c.bucketInitErr = fmt.Errorf("s3: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			c.bucketInitErr = fmt.Errorf("s3: create bucket: %w", err)
			return
		}
		if err := c.allowPublicRead(ctx); err != nil {
			c.bucketInitErr = err
		}
	})
	return c.bucketInitErr
}

func (c *Client) allowPublicRead(ctx context.Context) error {
	policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, c.bucket)
	if err := c.client.SetBucketPolicy(ctx, c.bucket, policy); err != nil {
		return fmt.Errorf("s3: set bucket policy: %w", err)
	}
	return nil
}

func (c *Client) objectURL(key string) string {
	base := strings.TrimRight(c.publicBaseURL, "/")
	return fmt.Sprintf("%s/%s/%s", base, c.bucket, strings.TrimLeft(key, "/"))
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Uploader = (*Client)(nil)
var _ Uploader = NoopUploader{}
