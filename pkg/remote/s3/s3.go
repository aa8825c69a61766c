// Package s3 implements the remote client over an S3 bucket.
//
// The bucket's key space is treated as the object hierarchy: a remote id
// is a key relative to the configured prefix, containers are key
// prefixes ending in "/", files are plain keys. Kinds fall out of depth:
// the root prefix is the organization, its immediate sub-prefixes are
// datasets, deeper prefixes are folders. S3 has no native revision
// counter, so the content revision id is derived from the object's
// last-modified time.
//
// This layout keeps the bucket human-readable: aws s3 ls shows the same
// tree the anchor mirrors.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/remorafs/remora/pkg/meta"
	"github.com/remorafs/remora/pkg/remote"
)

// Config configures the S3-backed remote client. The mapstructure tags
// let the configured s3 section decode straight into it.
type Config struct {
	// Bucket is the bucket holding the object hierarchy. Required.
	Bucket string `mapstructure:"bucket"`

	// Prefix is the key prefix all objects live under (optional).
	Prefix string `mapstructure:"prefix"`

	// Region is the AWS region.
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, Localstack).
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. Leave both
	// empty to use the ambient AWS credential chain.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// UsePathStyle forces path-style addressing. Implied by Endpoint.
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// S3Client implements remote.Client over one bucket.
//
// Thread safety: the AWS SDK client is safe for concurrent use, and
// S3Client carries no other mutable state.
type S3Client struct {
	client *awsS3.Client
	bucket string
	prefix string
}

// NewS3Client builds the AWS client and verifies bucket access.
//
// The bucket must already exist. An authentication or authorization
// failure during verification is reported as a missing credential, since
// from the user's perspective that is what it is.
func NewS3Client(ctx context.Context, cfg Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	if cfg.Region != "" {
		configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))
	}

	if cfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awsS3.NewFromConfig(awsCfg, func(o *awsS3.Options) {
		if cfg.UsePathStyle || cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &awsS3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if isCredentialError(err) {
			return nil, fmt.Errorf("bucket %q: %w", cfg.Bucket, remote.ErrMissingCredential)
		}
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Client{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// ListChildren implements remote.Client. A container id is a prefix;
// delimiter listing yields sub-prefixes (child containers) and keys
// (child files) one level down.
func (c *S3Client) ListChildren(ctx context.Context, remoteID string) ([]remote.ObjectSummary, error) {
	prefix := c.containerKey(remoteID)

	var children []remote.ObjectSummary
	paginator := awsS3.NewListObjectsV2Paginator(c.client, &awsS3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	found := remoteID == ""
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", remoteID, err)
		}
		if len(page.Contents) > 0 || len(page.CommonPrefixes) > 0 {
			found = true
		}

		for _, cp := range page.CommonPrefixes {
			id := c.idFromKey(aws.ToString(cp.Prefix))
			children = append(children, remote.ObjectSummary{
				RemoteID: id,
				ParentID: remoteID,
				Name:     containerName(id),
				Kind:     kindOf(id),
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				// Directory marker object for the prefix itself.
				continue
			}
			id := c.idFromKey(key)
			children = append(children, remote.ObjectSummary{
				RemoteID: id,
				ParentID: remoteID,
				Name:     path.Base(id),
				Kind:     meta.KindFile,
			})
		}
	}

	if !found {
		return nil, fmt.Errorf("list children %q: %w", remoteID, remote.ErrNotFound)
	}
	return children, nil
}

// GetMetadata implements remote.Client.
func (c *S3Client) GetMetadata(ctx context.Context, remoteID string) (*meta.Record, error) {
	if isContainerID(remoteID) {
		return c.containerMetadata(ctx, remoteID)
	}

	head, err := c.client.HeadObject(ctx, &awsS3.HeadObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(c.prefix + remoteID),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("get metadata %q: %w", remoteID, remote.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to head %q: %w", remoteID, err)
	}

	rec := &meta.Record{
		RemoteID: remoteID,
		ParentID: parentOf(remoteID),
		Name:     path.Base(remoteID),
		Kind:     meta.KindFile,
		Size:     head.ContentLength,
	}
	if head.LastModified != nil {
		rec.Updated = head.LastModified.UTC()
		// S3 exposes no revision counter; last-modified stands in. Any
		// rewrite of the object bumps it, which is all refresh needs.
		rec.FileID = meta.Int64(head.LastModified.UnixNano())
	}
	if sum := sha256Hex(head.ChecksumSHA256); sum != "" {
		rec.Checksum = meta.String(sum)
	}
	return rec, nil
}

// containerMetadata resolves a prefix to a record. An empty prefix (no
// object carries it) is a removed container.
func (c *S3Client) containerMetadata(ctx context.Context, remoteID string) (*meta.Record, error) {
	out, err := c.client.ListObjectsV2(ctx, &awsS3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(c.containerKey(remoteID)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to probe container %q: %w", remoteID, err)
	}
	if remoteID != "" && len(out.Contents) == 0 {
		return nil, fmt.Errorf("get metadata %q: %w", remoteID, remote.ErrNotFound)
	}

	return &meta.Record{
		RemoteID: remoteID,
		ParentID: parentOf(remoteID),
		Name:     containerName(remoteID),
		Kind:     kindOf(remoteID),
	}, nil
}

// Download implements remote.Client.
func (c *S3Client) Download(ctx context.Context, remoteID string) (io.ReadCloser, int64, error) {
	out, err := c.client.GetObject(ctx, &awsS3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + remoteID),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, 0, fmt.Errorf("download %q: %w", remoteID, remote.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("failed to download %q: %w", remoteID, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// CreateRoot implements remote.Client. The project id is a key prefix
// inside the bucket; access was already verified at construction, so
// this only shapes the root record.
func (c *S3Client) CreateRoot(ctx context.Context, projectID string) (*meta.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := strings.Trim(projectID, "/")
	if root != "" {
		rec, err := c.containerMetadata(ctx, root+"/")
		if err != nil {
			return nil, err
		}
		rec.Kind = meta.KindOrganization
		return rec, nil
	}
	name := c.bucket
	if c.prefix != "" {
		name = containerName(c.prefix)
	}
	return &meta.Record{RemoteID: "", Name: name, Kind: meta.KindOrganization}, nil
}

// containerKey maps a container id to its full bucket prefix.
func (c *S3Client) containerKey(remoteID string) string {
	if remoteID == "" {
		return c.prefix
	}
	return c.prefix + remoteID
}

// idFromKey strips the configured prefix from a full key.
func (c *S3Client) idFromKey(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

func isContainerID(remoteID string) bool {
	return remoteID == "" || strings.HasSuffix(remoteID, "/")
}

// containerName is the last path segment of a container id.
func containerName(remoteID string) string {
	return path.Base(strings.TrimSuffix(remoteID, "/"))
}

// parentOf returns the enclosing container id.
func parentOf(remoteID string) string {
	trimmed := strings.TrimSuffix(remoteID, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

// kindOf derives a container's kind from its depth: root is the
// organization, first level datasets, everything deeper folders.
func kindOf(remoteID string) meta.Kind {
	trimmed := strings.TrimSuffix(remoteID, "/")
	switch {
	case trimmed == "":
		return meta.KindOrganization
	case strings.Count(trimmed, "/") == 0:
		return meta.KindDataset
	default:
		return meta.KindFolder
	}
}

// sha256Hex converts S3's base64 SHA-256 checksum to the hex form used
// everywhere else. Returns "" when absent or undecodable.
func sha256Hex(b64 *string) string {
	if b64 == nil {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(*b64)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

func isNotFoundError(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

func isCredentialError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"MissingAuthenticationToken", "CredentialsNotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "no EC2 IMDS role found") ||
		strings.Contains(err.Error(), "failed to retrieve credentials")
}
