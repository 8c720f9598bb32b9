// Package storage publishes prediction outputs to an S3 compatible bucket.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/richinsley/comfypredict/optimise"
	"github.com/spf13/afero"
)

type Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	// Public sets an anonymous read policy on the bucket
	Public bool `mapstructure:"public" yaml:"public"`
}

// Enabled reports whether an endpoint was configured
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Publisher uploads finalized files and returns their URLs
type Publisher struct {
	client *minio.Client
	cfg    Config
	fs     afero.Fs
}

// NewPublisher connects to the endpoint and makes sure the bucket exists
func NewPublisher(ctx context.Context, fs afero.Fs, cfg Config) (*Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is not set")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Endpoint, err)
	}

	p := &Publisher{client: client, cfg: cfg, fs: fs}
	if err := p.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureBucket(ctx context.Context) error {
	found, err := p.client.BucketExists(ctx, p.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", p.cfg.Bucket, err)
	}
	if !found {
		if err := p.client.MakeBucket(ctx, p.cfg.Bucket, minio.MakeBucketOptions{Region: p.cfg.Region}); err != nil {
			return fmt.Errorf("creating bucket %s: %w", p.cfg.Bucket, err)
		}
		slog.Info("Created bucket", "bucket", p.cfg.Bucket)
	}
	if !p.cfg.Public {
		return nil
	}

	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"AWS": ["*"]},
      "Action": ["s3:GetObject"],
      "Resource": ["arn:aws:s3:::%s/*"]
    }
  ]
}`, p.cfg.Bucket)
	if err := p.client.SetBucketPolicy(ctx, p.cfg.Bucket, policy); err != nil {
		// some S3 compatible services (Cloudflare R2) have no bucket policies
		slog.Warn("Setting bucket policy failed", "bucket", p.cfg.Bucket, "error", err)
	}
	return nil
}

// ObjectName is the key a file of prediction id is stored under
func (p *Publisher) ObjectName(id string, file string) string {
	return path.Join(strings.Trim(p.cfg.Prefix, "/"), id, filepath.Base(file))
}

// PublicURL builds the address of key, virtual-hosted style for AWS and
// path style for everything else.
func (p *Publisher) PublicURL(key string) string {
	endpoint := strings.TrimSuffix(p.cfg.Endpoint, "/")
	if strings.Contains(endpoint, "amazonaws.com") {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", p.cfg.Bucket, key)
	}
	scheme := "http"
	if p.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, endpoint, p.cfg.Bucket, key)
}

// Publish uploads files in order and returns their URLs in the same order
func (p *Publisher) Publish(ctx context.Context, id string, files []string) ([]string, error) {
	urls := make([]string, 0, len(files))
	for _, file := range files {
		u, err := p.upload(ctx, id, file)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (p *Publisher) upload(ctx context.Context, id string, file string) (string, error) {
	f, err := p.fs.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := p.ObjectName(id, file)
	_, err = p.client.PutObject(ctx, p.cfg.Bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: p.contentType(file),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", file, err)
	}
	slog.Info("Uploaded output", "id", id, "object", key)
	return p.PublicURL(key), nil
}

// contentType falls back to sniffing the first 512 bytes when the
// extension is unknown
func (p *Publisher) contentType(file string) string {
	if ct := optimise.ContentType(file); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	f, err := p.fs.Open(file)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buffer := make([]byte, 512)
	n, _ := f.Read(buffer)
	return http.DetectContentType(buffer[:n])
}
