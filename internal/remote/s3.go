package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"dv-go/internal/dv"
)

// DefaultLinkExpiry is how long presigned links stay valid when the config
// does not say.
const DefaultLinkExpiry = 15 * time.Minute

// S3Config configures an S3Remote.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string // custom endpoint for MinIO, Localstack, etc.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	LinkExpiry      time.Duration
}

// S3Remote keeps the editable copies as objects in one bucket, keyed by
// prefix + remote path. Uploads go through the multipart upload manager;
// links are presigned requests (PUT for editing, GET for downloading).
type S3Remote struct {
	client     *s3.Client
	uploader   *manager.Uploader
	presign    *s3.PresignClient
	bucket     string
	prefix     string
	linkExpiry time.Duration
}

// NewS3Remote builds the AWS client from cfg and verifies the bucket is
// reachable.
func NewS3Remote(ctx context.Context, cfg S3Config) (*S3Remote, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 remote: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 remote: region is required")
	}

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3 remote: bucket %s not accessible: %w", cfg.Bucket, err)
	}

	return NewS3RemoteFromClient(client, cfg.Bucket, cfg.Prefix, cfg.LinkExpiry), nil
}

// NewS3RemoteFromClient wraps an existing client.
func NewS3RemoteFromClient(client *s3.Client, bucket, prefix string, linkExpiry time.Duration) *S3Remote {
	if linkExpiry <= 0 {
		linkExpiry = DefaultLinkExpiry
	}
	return &S3Remote{
		client:     client,
		uploader:   manager.NewUploader(client),
		presign:    s3.NewPresignClient(client),
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		linkExpiry: linkExpiry,
	}
}

// objectKey maps a remote path to an object key.
func objectKey(prefix, remotePath string) string {
	clean := strings.TrimPrefix(path.Clean("/"+remotePath), "/")
	if prefix == "" {
		return clean
	}
	return prefix + "/" + clean
}

func (s *S3Remote) key(remotePath string) *string {
	return aws.String(objectKey(s.prefix, remotePath))
}

func (s *S3Remote) Upload(ctx context.Context, r io.Reader, size int64, fileName, folderPath string) (string, error) {
	remotePath := dv.JoinRemotePath(folderPath, fileName)

	// Sniff the content type from the head of the stream without buffering
	// the whole object.
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading content: %w", err)
	}
	head = head[:n]

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.key(remotePath),
		Body:        io.MultiReader(bytes.NewReader(head), r),
		ContentType: aws.String(mimetype.Detect(head).String()),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("uploading %s: %w", remotePath, err)
	}
	return remotePath, nil
}

func (s *S3Remote) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
		}
		return nil, fmt.Errorf("getting %s: %w", remotePath, err)
	}
	return out.Body, nil
}

func (s *S3Remote) Delete(ctx context.Context, remotePath string) (bool, error) {
	// DeleteObject succeeds for missing keys, so check first to report
	// whether anything was removed.
	exists, err := s.Exists(ctx, remotePath)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(remotePath),
	}); err != nil {
		return false, fmt.Errorf("deleting %s: %w", remotePath, err)
	}
	return true, nil
}

func (s *S3Remote) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := s.head(ctx, remotePath)
	if errors.Is(err, dv.ErrRemoteNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *S3Remote) LastModified(ctx context.Context, remotePath string) (time.Time, error) {
	out, err := s.head(ctx, remotePath)
	if err != nil {
		return time.Time{}, err
	}
	if out.LastModified == nil {
		return time.Time{}, fmt.Errorf("%s: no last-modified time", remotePath)
	}
	return out.LastModified.UTC(), nil
}

func (s *S3Remote) head(ctx context.Context, remotePath string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
		}
		return nil, fmt.Errorf("heading %s: %w", remotePath, err)
	}
	return out, nil
}

func (s *S3Remote) EditLink(ctx context.Context, remotePath string) (string, error) {
	if _, err := s.head(ctx, remotePath); err != nil {
		return "", err
	}
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(remotePath),
	}, s3.WithPresignExpires(s.linkExpiry))
	if err != nil {
		return "", fmt.Errorf("presigning edit link: %w", err)
	}
	return req.URL, nil
}

func (s *S3Remote) DownloadLink(ctx context.Context, remotePath string) (string, error) {
	if _, err := s.head(ctx, remotePath); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(remotePath),
	}, s3.WithPresignExpires(s.linkExpiry))
	if err != nil {
		return "", fmt.Errorf("presigning download link: %w", err)
	}
	return req.URL, nil
}

// isNotFound reports whether err is S3's answer for a missing key. GetObject
// returns NoSuchKey while HeadObject, which has no body, returns NotFound.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

var _ dv.RemoteProvider = (*S3Remote)(nil)
