package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	ContentTypeCSV     = "text/csv"
	ContentTypeParquet = "application/octet-stream"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// StorageWriteError wraps any failed archive write.
type StorageWriteError struct {
	Bucket string
	Key    string
	Code   string // S3 error code when the service returned one
	Err    error
}

func (e *StorageWriteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("s3 put s3://%s/%s: %s: %v", e.Bucket, e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("s3 put s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// Object is a written archive object.
type Object struct {
	Bucket string
	Key    string
	Size   int
	ETag   string
}

// URI is the fully-qualified location, s3://bucket/key.
func (o Object) URI() string {
	return fmt.Sprintf("s3://%s/%s", o.Bucket, o.Key)
}

// Keys are partitioned by ingestion date:
//
//	raw/dt=YYYY-MM-DD/source.csv
//	raw/dt=YYYY-MM-DD/normalized.csv
//	raw/dt=YYYY-MM-DD/normalized.parquet
func PartitionPrefix(date string) string {
	return fmt.Sprintf("raw/dt=%s/", date)
}

func RawKey(date string) string        { return PartitionPrefix(date) + "source.csv" }
func NormalizedKey(date string) string { return PartitionPrefix(date) + "normalized.csv" }
func ParquetKey(date string) string    { return PartitionPrefix(date) + "normalized.parquet" }

// Archiver writes run artifacts to one bucket. Writes overwrite whatever is
// already at the key and are never retried here.
type Archiver struct {
	s3     S3Client
	bucket string
}

func NewArchiver(client S3Client, bucket string) *Archiver {
	return &Archiver{s3: client, bucket: bucket}
}

func (a *Archiver) Bucket() string { return a.bucket }

func (a *Archiver) PutRaw(ctx context.Context, date string, data []byte) (Object, error) {
	return a.put(ctx, RawKey(date), data, ContentTypeCSV)
}

func (a *Archiver) PutNormalized(ctx context.Context, date string, data []byte) (Object, error) {
	return a.put(ctx, NormalizedKey(date), data, ContentTypeCSV)
}

func (a *Archiver) PutNormalizedParquet(ctx context.Context, date string, data []byte) (Object, error) {
	return a.put(ctx, ParquetKey(date), data, ContentTypeParquet)
}

func (a *Archiver) put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	out, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		werr := &StorageWriteError{Bucket: a.bucket, Key: key, Err: err}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			werr.Code = apiErr.ErrorCode()
		}
		return Object{}, werr
	}

	return Object{
		Bucket: a.bucket,
		Key:    key,
		Size:   len(data),
		ETag:   aws.ToString(out.ETag),
	}, nil
}
