package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type storedObject struct {
	body        []byte
	contentType string
}

type fakeS3 struct {
	objects map[string]storedObject
	puts    int
	err     error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]storedObject{}}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = storedObject{
		body:        body,
		contentType: aws.ToString(params.ContentType),
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func TestKeys(t *testing.T) {
	if got := RawKey("2024-06-01"); got != "raw/dt=2024-06-01/source.csv" {
		t.Errorf("raw key = %q", got)
	}
	if got := NormalizedKey("2024-06-01"); got != "raw/dt=2024-06-01/normalized.csv" {
		t.Errorf("normalized key = %q", got)
	}
	if got := ParquetKey("2024-06-01"); got != "raw/dt=2024-06-01/normalized.parquet" {
		t.Errorf("parquet key = %q", got)
	}
}

func TestPutRawWritesVerbatim(t *testing.T) {
	store := newFakeS3()
	a := NewArchiver(store, "fx-bucket")

	obj, err := a.PutRaw(context.Background(), "2024-06-01", []byte("Date,USD\n"))
	if err != nil {
		t.Fatalf("put raw: %v", err)
	}
	if obj.URI() != "s3://fx-bucket/raw/dt=2024-06-01/source.csv" {
		t.Fatalf("uri = %q", obj.URI())
	}
	if obj.Size != 9 || obj.ETag != `"etag"` {
		t.Fatalf("object = %+v", obj)
	}

	got := store.objects["fx-bucket/raw/dt=2024-06-01/source.csv"]
	if string(got.body) != "Date,USD\n" || got.contentType != "text/csv" {
		t.Fatalf("stored = %q (%s)", got.body, got.contentType)
	}
}

func TestPutRawTwiceKeepsSecondWrite(t *testing.T) {
	store := newFakeS3()
	a := NewArchiver(store, "fx-bucket")
	ctx := context.Background()

	if _, err := a.PutRaw(ctx, "2024-06-01", []byte("first")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := a.PutRaw(ctx, "2024-06-01", []byte("second")); err != nil {
		t.Fatalf("second put: %v", err)
	}

	if len(store.objects) != 1 {
		t.Fatalf("expected exactly one object, got %d", len(store.objects))
	}
	if got := string(store.objects["fx-bucket/raw/dt=2024-06-01/source.csv"].body); got != "second" {
		t.Fatalf("content = %q, want second", got)
	}
}

func TestPutNormalizedAndParquet(t *testing.T) {
	store := newFakeS3()
	a := NewArchiver(store, "fx-bucket")
	ctx := context.Background()

	obj, err := a.PutNormalized(ctx, "2024-06-01", []byte("date,currency,rate,ingestion_date\n"))
	if err != nil {
		t.Fatalf("put normalized: %v", err)
	}
	if obj.URI() != "s3://fx-bucket/raw/dt=2024-06-01/normalized.csv" {
		t.Fatalf("uri = %q", obj.URI())
	}
	if ct := store.objects["fx-bucket/raw/dt=2024-06-01/normalized.csv"].contentType; ct != ContentTypeCSV {
		t.Fatalf("content type = %q", ct)
	}

	if _, err := a.PutNormalizedParquet(ctx, "2024-06-01", []byte("PAR1")); err != nil {
		t.Fatalf("put parquet: %v", err)
	}
	if ct := store.objects["fx-bucket/raw/dt=2024-06-01/normalized.parquet"].contentType; ct != ContentTypeParquet {
		t.Fatalf("content type = %q", ct)
	}
}

func TestPutFailureIsStorageWriteError(t *testing.T) {
	store := newFakeS3()
	store.err = &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "bucket missing"}
	a := NewArchiver(store, "missing")

	_, err := a.PutNormalized(context.Background(), "2024-06-01", []byte("x"))
	var we *StorageWriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected StorageWriteError, got %T %v", err, err)
	}
	if we.Key != "raw/dt=2024-06-01/normalized.csv" || we.Code != "NoSuchBucket" {
		t.Fatalf("error = %+v", we)
	}
	if store.puts != 1 {
		t.Fatalf("expected a single attempt, got %d", store.puts)
	}
}
