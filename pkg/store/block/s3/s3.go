// Package s3 implements a preservation store on Amazon S3 or a compatible
// object service.
//
// Object names are used as keys below an optional prefix. Reads use byte-range
// GETs so serving a snapshot read never downloads a whole block image. Puts at
// a non-zero offset are read-modify-write, since S3 objects are immutable; the
// proxy only ever stores whole blocks at offset 0, so that path is rare.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// S3BlockStore implements block.Store on S3.
//
// Thread Safety:
// Safe for concurrent use. Concurrent Puts to the same key are last-writer-wins.
type S3BlockStore struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	metrics   block.Metrics
	closed    atomic.Bool
}

// S3BlockStoreConfig contains configuration for the S3 block store.
type S3BlockStoreConfig struct {
	// Client is the configured S3 client (see NewClient).
	Client *s3.Client

	// Bucket must already exist.
	Bucket string

	// KeyPrefix is prepended to every object name.
	// Example: "dittosnap/" stores "vol0/s1/x" at "dittosnap/vol0/s1/x".
	KeyPrefix string

	// Metrics is optional.
	Metrics block.Metrics
}

// NewS3BlockStore verifies bucket access and returns the store.
//
// Parameters:
//   - ctx: Context for the bucket check
//   - cfg: Store configuration
//
// Returns:
//   - *S3BlockStore: Initialized store
//   - error: If the configuration is incomplete or the bucket is unreachable
func NewS3BlockStore(ctx context.Context, cfg S3BlockStoreConfig) (*S3BlockStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3BlockStore{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   block.OrNoop(cfg.Metrics),
	}, nil
}

func (s *S3BlockStore) key(name string) string {
	return s.keyPrefix + name
}

func (s *S3BlockStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return block.ErrStoreClosed
	}
	return nil
}

func isInvalidRange(err error) bool {
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "InvalidRange")
}

func (s *S3BlockStore) Put(ctx context.Context, name string, data []byte, offset uint64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("PutObject", time.Since(start), err)
		if err == nil {
			s.metrics.RecordBytes("write", int64(len(data)))
		}
	}()

	if err = s.check(ctx); err != nil {
		return err
	}
	if err = block.ValidateName(name); err != nil {
		return err
	}

	body := data
	if offset > 0 {
		prefix, perr := s.readPrefix(ctx, name, offset, len(data))
		if perr != nil {
			return perr
		}
		body = append(prefix, data...)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("object %s: put: %w", name, err)
	}
	return nil
}

// readPrefix returns the first n bytes of the object, zero-padded when the
// object is missing or shorter. The slice has room for extra more bytes.
func (s *S3BlockStore) readPrefix(ctx context.Context, name string, n uint64, extra int) ([]byte, error) {
	buf := make([]byte, n, n+uint64(extra))

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) || isInvalidRange(err) {
			return buf, nil
		}
		return nil, fmt.Errorf("object %s: read for update: %w", name, err)
	}
	defer func() { _ = result.Body.Close() }()

	if _, err := io.ReadFull(result.Body, buf); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("object %s: read for update: %w", name, err)
	}
	return buf, nil
}

func (s *S3BlockStore) Get(ctx context.Context, name string, p []byte, offset uint64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("GetObject", time.Since(start), err)
		if err == nil {
			s.metrics.RecordBytes("read", int64(len(p)))
		}
	}()

	if err = s.check(ctx); err != nil {
		return err
	}
	if err = block.ValidateName(name); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	// S3 ranges are inclusive
	end := offset + uint64(len(p)) - 1
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return fmt.Errorf("object %s: %w", name, block.ErrObjectNotFound)
		}
		if isInvalidRange(err) {
			return fmt.Errorf("object %s: range %d-%d: %w", name, offset, end, block.ErrShortTransfer)
		}
		return fmt.Errorf("object %s: get: %w", name, err)
	}
	defer func() { _ = result.Body.Close() }()

	n, err := io.ReadFull(result.Body, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return fmt.Errorf("object %s: read %d of %d bytes at %d: %w", name, n, len(p), offset, block.ErrShortTransfer)
	}
	if err != nil {
		return fmt.Errorf("object %s: read body: %w", name, err)
	}
	return nil
}

func (s *S3BlockStore) Delete(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("DeleteObject", time.Since(start), err)
	}()

	if err = s.check(ctx); err != nil {
		return err
	}
	if err = block.ValidateName(name); err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("object %s: delete: %w", name, err)
	}
	return nil
}

func (s *S3BlockStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if err := block.ValidateName(name); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("object %s: head: %w", name, err)
	}
	return true, nil
}

// List pages through ListObjectsV2. S3 returns keys in ascending order.
func (s *S3BlockStore) List(ctx context.Context, prefix string) (infos []block.ObjectInfo, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("ListObjects", time.Since(start), err)
	}()

	if err = s.check(ctx); err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	for paginator.HasMorePages() {
		page, perr := paginator.NextPage(ctx)
		if perr != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, perr)
		}
		for _, obj := range page.Contents {
			info := block.ObjectInfo{
				Name: strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (s *S3BlockStore) HealthCheck(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Close marks the store closed. The S3 client holds no resources that need
// releasing.
func (s *S3BlockStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ block.Store = (*S3BlockStore)(nil)
