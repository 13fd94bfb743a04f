// Package archivestore publishes tribe archives to an S3-compatible bucket
// and fetches them back.
package archivestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

const (
	defaultRegion   = "us-east-1"
	partSize        = 16 * 1024 * 1024
	filePermissions = 0o644
	dirPermissions  = 0o755
)

// Settings locate the bucket.
type Settings struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// SettingsFromConfig converts the configured archive store.
func SettingsFromConfig(s conf.ArchiveStoreSettings) Settings {
	return Settings{
		Endpoint:  s.Endpoint,
		Region:    s.Region,
		Bucket:    s.Bucket,
		Prefix:    s.Prefix,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
	}
}

// Object describes one stored archive.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// API is the subset of the S3 client the store uses.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store reads and writes archives under a key prefix of one bucket.
type Store struct {
	client   API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      logger.Logger
}

// New connects to the bucket described by s and checks that it exists.
func New(ctx context.Context, s Settings) (*Store, error) {
	if s.Bucket == "" || s.Endpoint == "" {
		return nil, errors.Newf("archive store endpoint and bucket are required").
			Component("archivestore").
			Category(errors.CategoryValidation).
			Build()
	}
	region := s.Region
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if s.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New(err).
			Component("archivestore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.Endpoint)
		o.UsePathStyle = true
	})
	return NewWithClient(ctx, client, s.Bucket, s.Prefix)
}

// NewWithClient builds a store on an existing client and checks the bucket.
func NewWithClient(ctx context.Context, client API, bucket, prefix string) (*Store, error) {
	st := &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    GetLogger().With(logger.String("bucket", bucket)),
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, st.error(err, "head_bucket").Build()
	}
	return st, nil
}

func (s *Store) error(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("archivestore").
		Category(errors.CategoryArchive).
		Context("operation", op).
		Context("bucket", s.bucket)
}

// Key returns the object key a local archive is published under.
func (s *Store) Key(localPath string) string {
	if s.prefix == "" {
		return filepath.Base(localPath)
	}
	return path.Join(s.prefix, filepath.Base(localPath))
}

// Upload publishes the archive at localPath and returns its key.
func (s *Store) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", s.error(err, "upload").FileContext(localPath, 0).Build()
	}
	defer f.Close()

	key := s.Key(localPath)
	start := time.Now()
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/gzip"),
	}); err != nil {
		return "", s.error(err, "upload").Context("key", key).Build()
	}
	s.log.Info("uploaded archive",
		logger.String("key", key),
		logger.Duration("elapsed", time.Since(start)))
	return key, nil
}

// Download fetches key into dir and returns the local path. The file is
// written under a temporary name and renamed once complete.
func (s *Store) Download(ctx context.Context, key, dir string) (string, error) {
	name := path.Base(key)
	if name == "." || name == "/" || !filepath.IsLocal(name) {
		return "", errors.Newf("invalid archive key %q", key).
			Component("archivestore").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", s.error(err, "download").FileContext(dir, 0).Build()
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return "", s.error(err, "download").Context("key", key).Build()
	}
	defer out.Body.Close()

	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", s.error(err, "download").FileContext(dir, 0).Build()
	}
	n, copyErr := io.Copy(tmp, out.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", s.error(err, "download").Context("key", key).Build()
	}
	if err := os.Chmod(tmp.Name(), filePermissions); err != nil {
		_ = os.Remove(tmp.Name())
		return "", s.error(err, "download").Build()
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", s.error(err, "download").FileContext(target, n).Build()
	}
	s.log.Info("downloaded archive", logger.String("key", key), logger.Int64("bytes", n))
	return target, nil
}

// List returns the archives under the store prefix.
func (s *Store) List(ctx context.Context) ([]Object, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	var objects []Object
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, s.error(err, "list").Build()
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, Object{
				Key:          key,
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
	}
	return objects, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}
