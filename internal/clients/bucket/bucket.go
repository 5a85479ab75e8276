// Package bucket mirrors the local data directory to an S3-compatible
// bucket so the dashboards can serve artifacts without filesystem access.
package bucket

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config selects the target bucket and key prefix.
type Config struct {
	Bucket string
	Prefix string
	Region string
}

// Syncer pushes local artifacts to S3, skipping objects that are already
// current by size and modification time.
type Syncer struct {
	cfg      Config
	client   *s3.Client
	uploader *manager.Uploader
	log      zerolog.Logger
}

// New builds a syncer from the ambient AWS credential chain.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Syncer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket: no bucket configured")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bucket: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Syncer{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "bucket").Logger(),
	}, nil
}

// Mirror walks localDir and uploads files missing or stale in the bucket.
// Remote objects are considered current when size matches and the remote
// LastModified is not older than the local mtime.
func (s *Syncer) Mirror(ctx context.Context, localDir string) error {
	remote, err := s.listRemote(ctx)
	if err != nil {
		return err
	}

	uploaded, skipped := 0, 0
	err = filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := s.keyFor(rel)

		if obj, ok := remote[key]; ok && obj.size == info.Size() && !obj.modified.Before(info.ModTime()) {
			skipped++
			return nil
		}
		if err := s.upload(ctx, path, key); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("bucket: mirroring %s: %w", localDir, err)
	}

	s.log.Info().Int("uploaded", uploaded).Int("skipped", skipped).Str("bucket", s.cfg.Bucket).Msg("Bucket sync completed")
	return nil
}

type remoteObject struct {
	size     int64
	modified time.Time
}

func (s *Syncer) listRemote(ctx context.Context) (map[string]remoteObject, error) {
	out := make(map[string]remoteObject)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("bucket: listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			out[aws.ToString(obj.Key)] = remoteObject{
				size:     aws.ToInt64(obj.Size),
				modified: aws.ToTime(obj.LastModified),
			}
		}
	}
	return out, nil
}

func (s *Syncer) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("Uploaded artifact")
	return nil
}

func (s *Syncer) keyFor(rel string) string {
	key := filepath.ToSlash(rel)
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + key
}
