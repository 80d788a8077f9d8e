package filestore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const s3Scheme = "s3://"

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	accessKey       string
	secretAccessKey string
	scratchDir      string
	useSSL          bool
}

// MinioStore downloads s3://bucket/key uploads into a scratch directory.
type MinioStore struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinioStore(opts ...MinioOpts) (*MinioStore, error) {
	cfg := &minioConfig{scratchDir: os.TempDir()}
	for _, o := range opts {
		o(cfg)
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{cfg: cfg, client: client}, nil
}

func (s *MinioStore) Type() string { return "minio" }

func (s *MinioStore) Locate(ctx context.Context, location string) (*Handle, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.cfg.scratchDir, 0o700); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.cfg.scratchDir, "upload-*"+path.Ext(key))
	if err != nil {
		return nil, err
	}
	_ = tmp.Close()

	if err := s.client.FGetObject(ctx, bucket, key, tmp.Name(), minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(tmp.Name())
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("downloading %s: %w", location, err)
	}

	zap.S().Named("filestore").Debugw("downloaded upload", "location", location, "path", tmp.Name())
	return &Handle{
		Path:    tmp.Name(),
		release: func() { _ = os.Remove(tmp.Name()) },
	}, nil
}

// Block uploads the marker as <key>.BLOCKED beside the object.
func (s *MinioStore) Block(ctx context.Context, location string, marker []byte) error {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, key+BlockedSuffix, bytes.NewReader(marker), int64(len(marker)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("writing block marker for %s: %w", location, err)
	}
	return nil
}

// ParseS3Location splits s3://bucket/key.
func ParseS3Location(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 location must be s3://bucket/key: %q", location)
	}
	return bucket, key, nil
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}

func WithScratchDir(dir string) MinioOpts {
	return func(c *minioConfig) {
		c.scratchDir = dir
	}
}
