package blobstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/countyops/assessorsync/pkg/errors"
)

// S3Store reads and writes s3://bucket/key URIs.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Store loads the default AWS credential chain for region. A non-empty
// endpoint targets an S3-compatible service with path-style addressing.
func NewS3Store(ctx context.Context, region, endpoint string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAuthError, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 16 * 1024 * 1024
			u.Concurrency = 4
		}),
	}, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, uri string, dst io.Writer) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to get S3 object").WithDetail("uri", uri)
	}
	defer out.Body.Close()

	if _, err := io.Copy(dst, out.Body); err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to read S3 object").WithDetail("uri", uri)
	}
	return nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, uri string, src io.Reader, contentType string) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   src,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to upload S3 object").WithDetail("uri", uri)
	}
	return nil
}
