package archive

import (
	"bytes"
	"context"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// S3Config configures the S3-compatible archive backend. Endpoint override
// supports MinIO-style stores. Static keys take precedence; otherwise
// credentials come from the default AWS chain.
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	KeyPrefix    string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Storage stores archive objects in an S3-compatible bucket.
type S3Storage struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	logger     *zap.Logger
	bucket     string
	prefix     string
}

// NewS3Storage builds the client, verifies the bucket exists and creates it
// when it does not.
func NewS3Storage(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewValidationError("MISSING_BUCKET", "archive bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.NewArchiveFailedError("failed to load AWS configuration").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	storage := &S3Storage{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		logger:     logger,
		bucket:     cfg.Bucket,
		prefix:     cfg.KeyPrefix,
	}

	if err := storage.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *S3Storage) Put(ctx context.Context, name string, data []byte) error {
	key := s.key(name)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.NewArchiveFailedError("failed to upload archive object").WithCause(err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, name string) ([]byte, error) {
	key := s.key(name)
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if stderrors.As(err, &noSuchKey) {
			return nil, errors.NewNotFoundError("archive object")
		}
		return nil, errors.NewArchiveFailedError("failed to download archive object").WithCause(err)
	}
	return buf.Bytes(), nil
}

func (s *S3Storage) List(ctx context.Context) ([]string, error) {
	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.NewArchiveFailedError("failed to list archive objects").WithCause(err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			names = append(names, strings.TrimPrefix(*obj.Key, s.prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Storage) Delete(ctx context.Context, name string) error {
	key := s.key(name)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return errors.NewArchiveFailedError("failed to delete archive object").WithCause(err)
	}
	return nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err == nil {
		return nil
	}

	s.logger.Info("creating archive bucket", zap.String("bucket", s.bucket))
	_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &s.bucket})
	if createErr != nil {
		return errors.NewArchiveFailedError("archive bucket unavailable").WithCause(createErr)
	}
	return nil
}

func (s *S3Storage) key(name string) string {
	return s.prefix + name
}
