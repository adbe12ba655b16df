package archive

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/agenr/agenr/pkg/faults"
)

// S3Store keeps blobs in an S3 bucket under "<prefix><hash>.blob".
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the S3 backend. Endpoint is for S3-compatible stores
// (MinIO, LocalStack); it switches the client to path-style addressing.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(hash string) string { return s.prefix + hash + ".blob" }

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	hash := HashBytes(data)

	if ok, err := s.Exists(ctx, hash); err == nil && ok {
		return hash, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(hash)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "s3 put")
	}
	return hash, nil
}

func (s *S3Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := validateHash(hash); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, faults.NotFound("blob %s not found", hash)
		}
		return nil, faults.Wrap(faults.KindTransient, err, "s3 get")
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "s3 read body")
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	if err := validateHash(hash); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, faults.Wrap(faults.KindTransient, err, "s3 head")
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, hash string) error {
	if err := validateHash(hash); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "s3 delete")
	}
	return nil
}
