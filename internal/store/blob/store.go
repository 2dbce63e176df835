// Package blob is the S3-backed object store backup slots upload and
// download their encrypted blobs through, grounded on the original
// ObjectStorage trait's put/get/head/delete contract.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/obscura-chat/obscura-server/internal/apperror"
)

// Store is the BlobStore BackupSlot reads and writes through.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, maxSize int64) error
	Get(ctx context.Context, key string) (int64, io.ReadCloser, error)
	Head(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

type s3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func New(client *s3.Client, bucket string) Store {
	return &s3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// limitedReader caps the number of bytes it will hand back, surfacing
// errTooLarge once the caller reads past maxSize instead of silently
// truncating the upload.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

var errTooLarge = fmt.Errorf("body exceeds max size")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}

func (s *s3Store) Put(ctx context.Context, key string, body io.Reader, maxSize int64) error {
	limited := &limitedReader{r: body, remaining: maxSize}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   limited,
	})
	if err != nil {
		if err == errTooLarge {
			return apperror.PayloadTooLarge("backup body exceeds max size")
		}
		return apperror.Internal("s3 upload failed", err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (int64, io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, nil, apperror.NotFound("backup blob not found")
	}
	length := int64(0)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return length, out.Body, nil
}

func (s *s3Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, apperror.NotFound("backup blob not found")
	}
	if out.ContentLength != nil {
		return *out.ContentLength, nil
	}
	return 0, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperror.Internal("s3 delete failed", err)
	}
	return nil
}
