package backend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/config"
)

// S3BlobStore uploads audio blobs directly to the clinic's S3-compatible
// bucket, bypassing the backend API for the heavy payload.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3BlobStore creates the direct-to-bucket blob store from config.
func NewS3BlobStore(cfg config.S3Config, log zerolog.Logger) (*S3BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3BlobStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With().Str("component", "s3-blobs").Logger(),
	}, nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (s *S3BlobStore) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.bucket,
	})
	return err
}

func (s *S3BlobStore) Save(ctx context.Context, recordingID, fileName string, data []byte, contentType string) error {
	key := s.objectKey(recordingID, fileName)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	return err
}

func (s *S3BlobStore) Type() string { return "s3" }

func (s *S3BlobStore) objectKey(recordingID, fileName string) string {
	if s.prefix != "" {
		return s.prefix + "/audio/" + recordingID + "/" + fileName
	}
	return "audio/" + recordingID + "/" + fileName
}
