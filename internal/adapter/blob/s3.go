// Package blob stores originals and results in S3-compatible object
// storage. Keys are owner-scoped: uploads/{user}/... for source images,
// results/{user}/... for restored output. Every operation revalidates
// that the key lies inside the calling user's prefixes, so a leaked or
// guessed object name of another user resolves to forbidden.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/lumapix/restoration-service/internal/domain"
)

// extByContentType doubles as the accepted-content-type whitelist.
var extByContentType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// objectAPI is the slice of the S3 client the store calls directly.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// presignAPI is the slice of the S3 presigner the store calls.
type presignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config carries the S3 connection and retention settings.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool

	UploadTTL   time.Duration
	DownloadTTL time.Duration

	// Retention in days; zero disables the corresponding lifecycle rule.
	OriginalsRetentionDays int
	ResultsRetentionDays   int
}

// Store implements domain.BlobStore on S3-compatible storage.
type Store struct {
	objects     objectAPI
	presigner   presignAPI
	bucket      string
	uploadTTL   time.Duration
	downloadTTL time.Duration
	now         func() time.Time
}

// New connects to the bucket, creating it when absent, and applies the
// retention lifecycle rules. Bucket bootstrap failures are logged and
// tolerated; managed buckets often deny CreateBucket to the app role.
func New(ctx context.Context, cfg Config) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("op=blob.New: aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
		slog.Warn("bucket bootstrap failed, continuing",
			slog.String("bucket", cfg.Bucket), slog.Any("error", err))
	}
	if err := applyLifecycle(ctx, client, cfg); err != nil {
		slog.Warn("lifecycle configuration failed, continuing",
			slog.String("bucket", cfg.Bucket), slog.Any("error", err))
	}

	s := NewWithClients(client, s3.NewPresignClient(client), cfg.Bucket, cfg.UploadTTL, cfg.DownloadTTL)
	slog.Info("blob store ready",
		slog.String("bucket", cfg.Bucket),
		slog.String("endpoint", cfg.Endpoint),
		slog.Bool("path_style", cfg.UsePathStyle))
	return s, nil
}

// NewWithClients wires explicit clients; tests inject fakes here.
func NewWithClients(objects objectAPI, presigner presignAPI, bucket string, uploadTTL, downloadTTL time.Duration) *Store {
	if uploadTTL <= 0 {
		uploadTTL = 15 * time.Minute
	}
	if downloadTTL <= 0 {
		downloadTTL = 15 * time.Minute
	}
	return &Store{
		objects:     objects,
		presigner:   presigner,
		bucket:      bucket,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		now:         time.Now,
	}
}

func ensureBucket(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	return err
}

// applyLifecycle installs per-prefix expiry so originals and results age
// out independently.
func applyLifecycle(ctx context.Context, client *s3.Client, cfg Config) error {
	var rules []types.LifecycleRule
	if cfg.OriginalsRetentionDays > 0 {
		rules = append(rules, types.LifecycleRule{
			ID:     aws.String(fmt.Sprintf("expire-originals-%dd", cfg.OriginalsRetentionDays)),
			Status: types.ExpirationStatusEnabled,
			Filter: &types.LifecycleRuleFilter{Prefix: aws.String("uploads/")},
			Expiration: &types.LifecycleExpiration{
				Days: aws.Int32(int32(cfg.OriginalsRetentionDays)),
			},
		})
	}
	if cfg.ResultsRetentionDays > 0 {
		rules = append(rules, types.LifecycleRule{
			ID:     aws.String(fmt.Sprintf("expire-results-%dd", cfg.ResultsRetentionDays)),
			Status: types.ExpirationStatusEnabled,
			Filter: &types.LifecycleRuleFilter{Prefix: aws.String("results/")},
			Expiration: &types.LifecycleExpiration{
				Days: aws.Int32(int32(cfg.ResultsRetentionDays)),
			},
		})
	}
	if len(rules) == 0 {
		return nil
	}
	_, err := client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(cfg.Bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: rules},
	})
	return err
}

// IssueUploadURL mints a presigned PUT for a fresh owner-scoped object.
func (s *Store) IssueUploadURL(ctx domain.Context, userID, contentType string) (domain.UploadTarget, error) {
	ext, ok := extByContentType[contentType]
	if !ok {
		return domain.UploadTarget{}, fmt.Errorf("op=blob.IssueUploadURL: content type %q: %w", contentType, domain.ErrUnsupportedMedia)
	}
	objectName := fmt.Sprintf("uploads/%s/%s%s", userID, uuid.NewString(), ext)

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectName),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.uploadTTL))
	if err != nil {
		return domain.UploadTarget{}, fmt.Errorf("op=blob.IssueUploadURL: presign: %w", err)
	}

	return domain.UploadTarget{
		URL:         req.URL,
		ObjectName:  objectName,
		ExpiresAt:   s.now().Add(s.uploadTTL).UTC(),
		ContentType: contentType,
	}, nil
}

// IssueDownloadURL mints a presigned GET with an attachment disposition.
func (s *Store) IssueDownloadURL(ctx domain.Context, userID, objectName, filename string) (domain.SignedDownload, error) {
	if err := s.authorize(userID, objectName); err != nil {
		return domain.SignedDownload{}, err
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectName),
	}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename)))
	}
	req, err := s.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(s.downloadTTL))
	if err != nil {
		return domain.SignedDownload{}, fmt.Errorf("op=blob.IssueDownloadURL: presign: %w", err)
	}

	return domain.SignedDownload{
		URL:       req.URL,
		ExpiresAt: s.now().Add(s.downloadTTL).UTC(),
	}, nil
}

// Download reads an owner-scoped object fully into memory. Source images
// are bounded by the upload cap, results by provider output size.
func (s *Store) Download(ctx domain.Context, userID, objectName string) ([]byte, error) {
	if err := s.authorize(userID, objectName); err != nil {
		return nil, err
	}

	out, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectName),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("op=blob.Download: object %s: %w", objectName, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.Download: get: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.Download: read: %w", err)
	}
	return data, nil
}

// Upload writes bytes to an owner-scoped object.
func (s *Store) Upload(ctx domain.Context, userID, objectName string, data []byte, contentType string) error {
	if err := s.authorize(userID, objectName); err != nil {
		return err
	}

	_, err := s.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectName),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("op=blob.Upload: put: %w", err)
	}
	return nil
}

// authorize accepts only well-formed keys inside the user's prefixes.
func (s *Store) authorize(userID, objectName string) error {
	if userID == "" || objectName == "" {
		return fmt.Errorf("op=blob.authorize: empty user or object name: %w", domain.ErrInvalidArgument)
	}
	if strings.Contains(objectName, "..") || strings.ContainsAny(objectName, "\\\n\r") {
		return fmt.Errorf("op=blob.authorize: malformed object name: %w", domain.ErrInvalidArgument)
	}
	uploads := "uploads/" + userID + "/"
	results := "results/" + userID + "/"
	if !strings.HasPrefix(objectName, uploads) && !strings.HasPrefix(objectName, results) {
		return fmt.Errorf("op=blob.authorize: object %s outside user scope: %w", objectName, domain.ErrForbidden)
	}
	return nil
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '"' || r == '\\':
			return '_'
		case r < 0x20:
			return -1
		default:
			return r
		}
	}, name)
}
