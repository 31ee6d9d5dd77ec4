// Package s3 provides an S3/MinIO storage backend that serves container
// bytes through ranged GetObject calls.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/storage/blob"
)

// BackendConfig is the catalog config of an S3 resource. Resource paths
// map to keys below Prefix.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// Backend reads containers from one bucket.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewBackend creates an S3 backend.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	logging.Debug("S3 backend configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket))

	return &Backend{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// NewBackendFromJSON decodes a catalog resource config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

// key maps a resource path to an object key. Cleaning against "/"
// drops ".." segments.
func (b *Backend) key(p string) string {
	k := strings.TrimPrefix(path.Clean("/"+p), "/")
	if b.prefix != "" {
		k = b.prefix + "/" + k
	}
	return k
}

// Open heads the object to learn its size and ETag and returns a ranged
// reader. Every read is conditional on that ETag, so an object replaced
// while a listing is in progress fails the read instead of mixing two
// archives.
func (b *Backend) Open(ctx context.Context, p string) (blob.Source, error) {
	start := time.Now()
	key := b.key(p)

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		if isNotFound(err) {
			return nil, fmt.Errorf("head object %s: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	metrics.RecordS3Operation("head_object", time.Since(start), true)

	size := int64(0)
	if head.ContentLength != nil {
		size = *head.ContentLength
	}

	// The object outlives ctx. Reads run under the context bound by the
	// caller and stop once the object is closed.
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &object{
		backend: b,
		key:     key,
		size:    size,
		etag:    aws.ToString(head.ETag),
		base:    base,
		cancel:  cancel,
		bound:   base,
	}, nil
}

func (b *Backend) Type() string { return "s3" }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// object reads byte ranges of one S3 object.
type object struct {
	backend *Backend
	key     string
	size    int64
	etag    string

	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	bound context.Context
}

func (o *object) Size() int64 { return o.size }

// Close cancels any read in flight.
func (o *object) Close() error {
	o.cancel()
	return nil
}

// BindContext makes reads honor ctx as well as Close until release.
func (o *object) BindContext(ctx context.Context) (release func()) {
	bound, cancel := context.WithCancel(o.base)
	stop := context.AfterFunc(ctx, cancel)
	if ctx.Err() != nil {
		cancel()
	}

	o.mu.Lock()
	o.bound = bound
	o.mu.Unlock()

	return func() {
		stop()
		cancel()
		o.mu.Lock()
		o.bound = o.base
		o.mu.Unlock()
	}
}

func (o *object) readContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bound
}

// ReadAt issues one ranged GetObject per call.
func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read %s: negative offset", o.key)
	}
	if off >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := int64(len(p))
	if off+want > o.size {
		want = o.size - off
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(o.backend.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+want-1)),
	}
	if o.etag != "" {
		in.IfMatch = aws.String(o.etag)
	}

	ctx := o.readContext()
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", o.key, err)
	}

	start := time.Now()
	result, err := o.backend.client.GetObject(ctx, in)
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		return 0, fmt.Errorf("get object %s: %w", o.key, err)
	}
	defer result.Body.Close()

	n, err := io.ReadFull(result.Body, p[:want])
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		return n, fmt.Errorf("read object %s: %w", o.key, err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}
