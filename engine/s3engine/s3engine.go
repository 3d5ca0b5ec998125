// Package s3engine is an object-store Engine backed by AWS S3 (or any
// S3-compatible store). Grounded on evalgo-org-eve's storage package:
// storage/s3_interface.go defines a narrow S3Client interface over the
// AWS SDK so the engine can be tested against a hand-written fake
// rather than a mock-generation library (storage/s3_mock.go), and
// storage/s3aws.go is the shape this Put/Get/Head/Delete follow.
package s3engine

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kvforge/corekv/engine"
)

// Client is the subset of the AWS SDK's S3 client the engine needs,
// narrowed the same way eve's storage.S3Client is for dependency
// injection and test fakes.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Engine is the S3-backed corekv Engine.
type Engine struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
}

// New wraps an existing S3 client (real or fake) for the given bucket.
func New(client Client, bucket string) *Engine {
	e := &Engine{client: client, bucket: bucket}
	if real, ok := client.(*s3.Client); ok {
		e.uploader = manager.NewUploader(real)
	}
	return e
}

func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(value),
	})
	return err
}

func (e *Engine) PutStream(ctx context.Context, key string, r io.Reader) error {
	if e.uploader != nil {
		_, err := e.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(key),
			Body:   r,
		})
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return e.Put(ctx, key, data)
}

// PutStreamCustom accepts per-upload S3 options (storage class,
// content type) via engine.StreamOptions, satisfying
// engine.StreamCustomizer.
func (e *Engine) PutStreamCustom(ctx context.Context, key string, r io.Reader, opts engine.StreamOptions) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if sc, ok := opts["storage_class"].(string); ok {
		input.StorageClass = types.StorageClass(sc)
	}
	if ct, ok := opts["content_type"].(string); ok {
		input.ContentType = aws.String(ct)
	}
	_, err = e.client.PutObject(ctx, input)
	return err
}

func (e *Engine) Get(ctx context.Context, key string) ([]byte, engine.Info, error) {
	rc, info, err := e.GetStream(ctx, key)
	if err != nil {
		return nil, engine.Info{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, engine.Info{}, err
	}
	return data, info, nil
}

func (e *Engine) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Info, error) {
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, engine.Info{}, engine.ErrNotFound
		}
		return nil, engine.Info{}, err
	}
	info := engine.Info{}
	if out.LastModified != nil {
		info.Mod = *out.LastModified
	}
	if out.ContentLength != nil {
		info.Len = *out.ContentLength
	}
	return out.Body, info, nil
}

func (e *Engine) GetStreamRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, engine.Info, error) {
	head, err := e.Head(ctx, key)
	if err != nil {
		return nil, engine.Info{}, err
	}
	if start < 0 || end > head.Len || start > end {
		return nil, head, engine.ErrInvalidRange
	}
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader(start, end)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, engine.Info{}, engine.ErrNotFound
		}
		return nil, engine.Info{}, err
	}
	return out.Body, head, nil
}

func (e *Engine) Head(ctx context.Context, key string) (engine.Info, error) {
	out, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return engine.Info{}, engine.ErrNotFound
		}
		return engine.Info{}, err
	}
	info := engine.Info{}
	if out.LastModified != nil {
		info.Mod = *out.LastModified
	}
	if out.ContentLength != nil {
		info.Len = *out.ContentLength
	}
	return info, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	_, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil && isNoSuchKey(err) {
		return engine.ErrNotFound
	}
	return err
}

// RunMaintenance is a no-op: S3 has no local backup/VACUUM analogue.
func (e *Engine) RunMaintenance(ctx context.Context) error { return nil }

func (e *Engine) Close() error { return nil }

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func rangeHeader(start, end int64) string {
	return "bytes=" + itoa(start) + "-" + itoa(end-1)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
