// Package uploader ships a finished training run's results file to remote
// object storage. Adapted from the teacher's internal/aws/file_service.go:
// same aws-sdk-go-v2 S3 client and manager.Uploader wiring, narrowed to the
// one operation S5 ResultsUpload needs.
package uploader

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"retrotrain/internal/config"
)

// Uploader ships local files to a configured S3 bucket.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, key string) (string, error)
}

type s3Uploader struct {
	client *s3.Client
	bucket string
	region string
}

// New builds an Uploader from the coordinator's AWS configuration.
func New(cfg config.AWSConfig) (Uploader, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, nil
	})

	loaded, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &s3Uploader{
		client: s3.NewFromConfig(loaded),
		bucket: cfg.S3.Bucket,
		region: cfg.Region,
	}, nil
}

// UploadFile streams the file at localPath to the bucket under key and
// returns its public URL.
func (u *s3Uploader) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	up := manager.NewUploader(u.client)
	if _, err := up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		log.Error().Err(err).Str("bucket", u.bucket).Str("key", key).Msg("results upload failed")
		return "", fmt.Errorf("upload results file: %w", err)
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, key)
	log.Info().Str("url", url).Msg("results uploaded")
	return url, nil
}
