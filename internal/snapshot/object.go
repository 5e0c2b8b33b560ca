package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	appLog "calsync/internal/log"
)

// ObjectClient is the subset of the S3 API the object store needs.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

// ObjectOptions configures an S3-compatible snapshot location.
type ObjectOptions struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	Region         string
	Bucket         string
	Object         string
	TimeoutSeconds int
}

// ObjectStore keeps the snapshot as a single object. A PutObject either
// replaces the whole object or leaves the old one in place, which gives the
// same guarantee as the file store's rename.
type ObjectStore struct {
	client ObjectClient
	bucket string
	object string
}

// NewObjectStore wraps an existing client.
func NewObjectStore(client ObjectClient, bucket, object string) *ObjectStore {
	if object == "" {
		object = "sync_history.json"
	}
	return &ObjectStore{client: client, bucket: bucket, object: object}
}

// DialObjectStore builds a minio client from opts.
func DialObjectStore(opts ObjectOptions) (*ObjectStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("object store bucket is empty")
	}

	// Minio expects endpoint without scheme
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	timeoutDuration := time.Duration(timeout) * time.Second

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeoutDuration,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeoutDuration,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeoutDuration,
	}

	c, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return NewObjectStore(&minioClient{Client: c}, opts.Bucket, opts.Object), nil
}

type minioClient struct {
	*minio.Client
}

func (c *minioClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return c.Client.GetObject(ctx, bucketName, objectName, opts)
}

// Load fetches and decodes the snapshot object. A missing bucket or key
// means no snapshot has been saved yet.
func (o *ObjectStore) Load(ctx context.Context) (*Snapshot, error) {
	rc, err := o.client.GetObject(ctx, o.bucket, o.object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot object: %w", err)
	}
	defer rc.Close()

	// minio defers the request until the first read.
	data, err := io.ReadAll(rc)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot object: %w", err)
	}
	return Unmarshal(data)
}

// Save uploads the snapshot, creating the bucket on first use.
func (o *ObjectStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}

	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", o.bucket, err)
	}
	if !exists {
		appLog.Info("creating snapshot bucket", "bucket", o.bucket)
		if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", o.bucket, err)
		}
	}

	_, err = o.client.PutObject(ctx, o.bucket, o.object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put snapshot object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
