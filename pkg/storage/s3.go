package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"aaronromeo.com/mailpeek/internal/config"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

const objectTimeLayout = "20060102T150405.000000000Z"

// Uploader is the part of s3manager.Uploader used by S3Store.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// NewUploader builds an s3manager uploader. A custom endpoint switches to
// path style addressing for S3 compatible stores.
func NewUploader(settings *config.S3Settings) (Uploader, error) {
	awsCfg := &aws.Config{
		Region: aws.String(settings.Region),
	}
	if settings.Endpoint != "" {
		awsCfg.Endpoint = aws.String(settings.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if settings.Key != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(settings.Key, settings.Secret, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}
	return s3manager.NewUploader(sess), nil
}

// S3Store writes each batch as one object named <prefix><UTC timestamp>.txt.
type S3Store struct {
	uploader Uploader
	bucket   string
	prefix   string
	now      func() time.Time
	logger   *slog.Logger
}

func NewS3Store(uploader Uploader, bucket, prefix string, logger *slog.Logger) *S3Store {
	return &S3Store{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *S3Store) Store(ctx context.Context, entries ...string) error {
	if len(entries) == 0 {
		return nil
	}

	key := s.prefix + s.now().UTC().Format(objectTimeLayout) + ".txt"
	body := strings.Join(entries, "\n") + "\n"

	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return errors.Wrapf(err, "upload s3://%s/%s", s.bucket, key)
	}

	s.logger.InfoContext(ctx, "Archived emails", slog.String("location", out.Location), slog.Int("count", len(entries)))
	return nil
}
