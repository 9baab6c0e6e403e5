package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hsbackup/internal/backup"
)

// S3Options configures an S3Provider.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // custom endpoint for S3-compatible stores; enables path-style addressing

	AccessKeyID     string
	SecretAccessKey string
}

// S3Provider stores packages as objects in an S3-compatible bucket. The
// b2 kind is this provider pointed at Backblaze's S3-compatible endpoint
// with an application key pair.
type S3Provider struct {
	name   string
	kind   string
	bucket string
	prefix string
	client *s3.Client
}

var _ backup.Provider = (*S3Provider)(nil)

// NewS3Provider creates an S3 client from opts. Static credentials are used
// when given, otherwise the default AWS credential chain.
func NewS3Provider(ctx context.Context, name, kind string, opts S3Options) (*S3Provider, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", backup.ErrConfig, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Provider{name: name, kind: kind, bucket: opts.Bucket, prefix: prefix, client: client}, nil
}

// B2Endpoint returns Backblaze's S3-compatible endpoint for a region such
// as "us-west-004".
func B2Endpoint(region string) string {
	return "https://s3." + region + ".backblazeb2.com"
}

func (p *S3Provider) Name() string { return p.name }
func (p *S3Provider) Kind() string { return p.kind }

func (p *S3Provider) key(name string) string { return p.prefix + name }

// Upload streams the file with the multipart upload manager.
func (p *S3Provider) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	uploader := manager.NewUploader(p.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(remoteName)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: uploading %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	return nil
}

// Download fetches the object with the concurrent download manager.
func (p *S3Provider) Download(ctx context.Context, remoteName, localPath string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	downloader := manager.NewDownloader(p.client)
	err := writeAtomic(localPath, func(f *os.File) error {
		_, err := downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(remoteName)),
		})
		return err
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return notFound(p.name, remoteName)
		}
		return fmt.Errorf("%w: %s: downloading %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	return nil
}

// List returns the objects directly under the prefix.
func (p *S3Provider) List(ctx context.Context) ([]backup.RemoteFile, error) {
	var files []backup.RemoteFile
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: listing bucket: %v", backup.ErrProvider, p.name, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), p.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, backup.RemoteFile{
				Name:       name,
				Size:       aws.ToInt64(obj.Size),
				ModifiedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return files, nil
}

// TestConnection checks that the bucket exists and the credentials can
// reach it.
func (p *S3Provider) TestConnection(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	if err != nil {
		return fmt.Errorf("%w: %s: bucket %s not reachable: %v", backup.ErrProvider, p.name, p.bucket, err)
	}
	return nil
}
