package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/googleapis/gax-go/v2"
	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
	"golang.org/x/oauth2"
)

const (
	SchemeS3    = "s3"
	SchemeGCS   = "gs"
	SchemeAzure = "azure"
)

// Object is an opened bucket and the key of an object in it.
type Object struct {
	Bucket *blob.Bucket
	Key    string
	// Release is called when the operation is done, it may be nil.
	Release func() error
}

// Opener opens the bucket addressed by the URL.
type Opener func(ctx context.Context, u *url.URL) (Object, error)

// SharedBucket returns an Opener of an already opened bucket, the key is the URL path.
// The bucket is not closed by the Transport.
func SharedBucket(bucket *blob.Bucket) Opener {
	return func(_ context.Context, u *url.URL) (Object, error) {
		return Object{Bucket: bucket, Key: pathKey(u.Path)}, nil
	}
}

// S3 returns an Opener of "s3://<bucket>/<key>" URLs.
// The transport is optional, it replaces the default HTTP transport of the AWS SDK.
func S3(creds S3Credentials, transport http.RoundTripper) Opener {
	return func(ctx context.Context, u *url.URL) (Object, error) {
		if err := creds.Validate(time.Now()); err != nil {
			return Object{}, err
		}

		opts := []func(*config.LoadOptions) error{
			config.WithRegion(creds.Region),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
			),
		}
		if transport != nil {
			opts = append(opts, config.WithHTTPClient(&http.Client{Transport: transport}))
		}

		var cfg aws.Config
		var err error
		if cfg, err = config.LoadDefaultConfig(ctx, opts...); err != nil {
			return Object{}, err
		}

		b, err := s3blob.OpenBucketV2(ctx, s3.NewFromConfig(cfg), u.Host, nil)
		if err != nil {
			return Object{}, fmt.Errorf(`cannot open bucket "%s": %w`, u.Host, err)
		}
		return Object{Bucket: b, Key: pathKey(u.Path), Release: b.Close}, nil
	}
}

// GCS returns an Opener of "gs://<bucket>/<key>" URLs.
func GCS(creds GCSCredentials, transport http.RoundTripper) Opener {
	return func(ctx context.Context, u *url.URL) (Object, error) {
		if err := creds.Validate(time.Now()); err != nil {
			return Object{}, err
		}

		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: creds.AccessToken,
			TokenType:   creds.TokenType,
		})
		if transport == nil {
			transport = gcp.DefaultTransport()
		}
		client, err := gcp.NewHTTPClient(transport, tokenSource)
		if err != nil {
			return Object{}, err
		}

		b, err := gcsblob.OpenBucket(ctx, client, u.Host, nil)
		if err != nil {
			return Object{}, fmt.Errorf(`cannot open bucket "%s": %w`, u.Host, err)
		}

		var gcsClient *storage.Client
		if !b.As(&gcsClient) {
			_ = b.Close()
			return Object{}, fmt.Errorf("cannot access storage.Client of the bucket")
		}
		gcsClient.SetRetry(
			storage.WithBackoff(gax.Backoff{}),
			storage.WithPolicy(storage.RetryIdempotent),
		)

		return Object{Bucket: b, Key: pathKey(u.Path), Release: b.Close}, nil
	}
}

// Azure returns an Opener of "azure://<account>.blob.core.windows.net/<container>/<blob>" URLs.
// The account endpoint is taken from the SAS connection string, the URL host is informative.
func Azure(creds ABSCredentials, transport http.RoundTripper) Opener {
	return func(ctx context.Context, u *url.URL) (Object, error) {
		if err := creds.Validate(time.Now()); err != nil {
			return Object{}, err
		}

		containerName, key, _ := strings.Cut(pathKey(u.Path), "/")
		if containerName == "" {
			return Object{}, fmt.Errorf(`URL "%s" does not contain a container name`, u.String())
		}

		opts := &container.ClientOptions{ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: 3, RetryDelay: 500 * time.Millisecond, MaxRetryDelay: 5 * time.Second},
		}}
		if transport != nil {
			opts.Transport = &http.Client{Transport: transport}
		}
		client, err := container.NewClientFromConnectionString(creds.SASConnectionString, containerName, opts)
		if err != nil {
			return Object{}, err
		}

		b, err := azureblob.OpenBucket(ctx, client, nil)
		if err != nil {
			return Object{}, fmt.Errorf(`cannot open container "%s": %w`, containerName, err)
		}
		return Object{Bucket: b, Key: key, Release: b.Close}, nil
	}
}

func pathKey(path string) string {
	return strings.TrimPrefix(path, "/")
}
