package librarian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"debpub/internal/config"
	"debpub/internal/publisher"
)

// DefaultS3Region is used when the configuration names no region.
const DefaultS3Region = "us-east-1"

// S3API is the subset of the S3 client the librarian uses.
type S3API interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Librarian stores content as objects named <prefix>/content/<checksum>
// in one bucket. Transfers go through the s3 manager so large artifacts
// use multipart uploads and ranged downloads.
type S3Librarian struct {
	client     S3API
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Librarian builds a client from the default AWS configuration chain.
// Static credentials from cfg take precedence when set; a custom endpoint
// switches to path-style addressing for S3-compatible stores.
func NewS3Librarian(ctx context.Context, cfg config.LibrarianConfig) (*S3Librarian, error) {
	region := cfg.S3Region
	if region == "" {
		region = DefaultS3Region
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3LibrarianFromClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// NewS3LibrarianFromClient wraps an existing client.
func NewS3LibrarianFromClient(client S3API, bucket, prefix string) *S3Librarian {
	return &S3Librarian{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     prefix,
	}
}

func (l *S3Librarian) key(checksum string) string {
	return path.Join(l.prefix, "content", checksum)
}

// PutContent uploads content identified by its checksum. An object that does
// not match checksum and size after upload is deleted again.
func (l *S3Librarian) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	d, err := ParseChecksum(checksum)
	if err != nil {
		return err
	}
	vr := newVerifyingReader(r, d)

	exists, err := l.HasContent(ctx, checksum)
	if err != nil {
		return err
	}
	if exists {
		if _, err := io.Copy(io.Discard, vr); err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		return vr.check(size)
	}

	key := l.key(checksum)
	_, err = l.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(l.bucket),
		Key:           aws.String(key),
		Body:          vr,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if err := vr.check(size); err != nil {
		if _, derr := l.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(key),
		}); derr != nil {
			return errors.Join(err, fmt.Errorf("deleting %s: %w", key, derr))
		}
		return err
	}
	return nil
}

// GetContent downloads content by checksum and writes it to w.
func (l *S3Librarian) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if _, err := ParseChecksum(checksum); err != nil {
		return err
	}
	key := l.key(checksum)
	buf := manager.NewWriteAtBuffer(nil)
	_, err := l.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", publisher.ErrContentNotFound, checksum)
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// HasContent reports whether an object exists for checksum.
func (l *S3Librarian) HasContent(ctx context.Context, checksum string) (bool, error) {
	if _, err := ParseChecksum(checksum); err != nil {
		return false, err
	}
	_, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(checksum)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", l.key(checksum), err)
	}
	return true, nil
}

// ValidateSetup checks that the bucket is reachable.
func (l *S3Librarian) ValidateSetup(ctx context.Context) error {
	if l.bucket == "" {
		return errors.New("s3 librarian requires s3_bucket to be set")
	}
	if _, err := l.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(l.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", l.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// Compile-time check that S3Librarian implements publisher.Librarian interface
var _ publisher.Librarian = (*S3Librarian)(nil)
