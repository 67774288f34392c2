package download

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Fetcher downloads s3://bucket/key objects with the S3 transfer manager.
// Empty credentials fall back to the default AWS credential chain.
type S3Fetcher struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	once    sync.Once
	client  *s3.Client
	initErr error
}

func (s *S3Fetcher) s3Client(ctx context.Context) (*s3.Client, error) {
	s.once.Do(func() {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if s.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(s.Region))
		}
		if s.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			s.initErr = fmt.Errorf("load AWS config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if s.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.Endpoint)
				o.UsePathStyle = true
			}
		})
	})
	return s.client, s.initErr
}

func (s *S3Fetcher) Fetch(ctx context.Context, u *url.URL, f *os.File, p *Progress) error {
	bucket, key, err := splitObjectURL(u)
	if err != nil {
		return err
	}
	client, err := s.s3Client(ctx)
	if err != nil {
		return err
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("head s3 object: %w", err)
	}
	if err := p.Start(aws.ToInt64(head.ContentLength)); err != nil {
		return err
	}

	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, p.WriterAt(f), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("download s3 object: %w", err)
	}
	return nil
}
