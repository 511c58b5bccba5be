// Package artifact publishes finished render outputs and resolves the
// download URI reported in completion callbacks.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"memorialtube/internal/config"
)

// Publisher turns a finished local artifact into a download URI.
type Publisher interface {
	Publish(ctx context.Context, localPath, key string) (string, error)
}

// NewFromConfig returns an S3 publisher when a bucket is configured,
// otherwise a local publisher rooted at the storage root.
func NewFromConfig(ctx context.Context, cfg config.Config) (Publisher, error) {
	if cfg.RenderS3Bucket == "" {
		return &LocalPublisher{baseURL: cfg.ArtifactBaseURL, root: cfg.StorageRoot}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Publisher{client: client, bucket: cfg.RenderS3Bucket}, nil
}

// LocalPublisher leaves the artifact in place and derives the URI from the
// configured base URL.
type LocalPublisher struct {
	baseURL string
	root    string
}

func (l *LocalPublisher) Publish(_ context.Context, localPath, key string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("artifact missing: %w", err)
	}
	if l.baseURL == "" {
		return "file://" + localPath, nil
	}
	return strings.TrimSuffix(l.baseURL, "/") + "/" + sanitizeKey(key), nil
}

// S3Publisher uploads the artifact and returns its s3 URI.
type S3Publisher struct {
	client *s3.Client
	bucket string
}

func (p *S3Publisher) Publish(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key = sanitizeKey(key)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("video/mp4"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.RenderS3Region),
	}
	if cfg.RenderS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.RenderS3Endpoint,
					HostnameImmutable: cfg.RenderS3PathStyle,
					SigningRegion:     cfg.RenderS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.RenderS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
