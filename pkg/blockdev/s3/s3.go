// Package s3 implements the "s3" protocol driver: a node backed by an
// object in an S3-compatible store, addressed as "s3://bucket/key".
//
// The object is fetched once at open and served from memory; writes are
// buffered and uploaded on flush. That trades memory for the random sector
// access the block layer needs, which object stores do not offer natively.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/dittovd/pkg/block"
)

// API is the subset of the S3 client the driver uses, so tests can
// substitute an in-memory implementation.
type API interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// clientConfig carries the connection options the driver accepts.
type clientConfig struct {
	region          string
	endpoint        string
	accessKeyID     string
	secretAccessKey string
}

// newClient builds the S3 client. Package variable so tests can inject a
// fake store.
var newClient = func(ctx context.Context, cc clientConfig) (API, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cc.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cc.region))
	}
	// Static credentials when given, the default credential chain
	// otherwise.
	if cc.accessKeyID != "" && cc.secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cc.accessKeyID, cc.secretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not load AWS configuration: %w", err)
	}
	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if cc.endpoint != "" {
			o.BaseEndpoint = aws.String(cc.endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Driver is the "s3" protocol driver.
type Driver struct{}

// New returns the s3 driver.
func New() *Driver { return &Driver{} }

// Name implements block.Driver.
func (*Driver) Name() string { return "s3" }

// Protocol implements block.Driver.
func (*Driver) Protocol() bool { return true }

// ParseFilename splits "s3://bucket/key" into the bucket and key options.
func (*Driver) ParseFilename(filename string, opts block.Options) error {
	rest := strings.TrimPrefix(filename, "s3://")
	if rest == filename {
		return fmt.Errorf("s3 filename must look like s3://bucket/key, got %q", filename)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return fmt.Errorf("s3 filename must look like s3://bucket/key, got %q", filename)
	}
	opts["bucket"] = bucket
	opts["key"] = key
	delete(opts, "filename")
	return nil
}

// Open implements block.Driver. Recognized options: "bucket" and "key"
// (required), "region", "endpoint", "access-key-id" and
// "secret-access-key".
func (*Driver) Open(n *block.Node, opts block.Options, flags block.OpenFlags) (block.DriverInstance, error) {
	// ParseFilename ran only when a filename argument was given; the
	// options form carries the filename key through untouched.
	opts.TakeString("filename")

	bucket, _ := opts.TakeString("bucket")
	key, _ := opts.TakeString("key")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 driver requires bucket and key")
	}
	var cc clientConfig
	cc.region, _ = opts.TakeString("region")
	cc.endpoint, _ = opts.TakeString("endpoint")
	cc.accessKeyID, _ = opts.TakeString("access-key-id")
	cc.secretAccessKey, _ = opts.TakeString("secret-access-key")

	ctx := context.Background()
	client, err := newClient(ctx, cc)
	if err != nil {
		return nil, err
	}

	i := &instance{
		client: client,
		bucket: bucket,
		key:    key,
	}

	out, err := client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if !errors.As(err, &noKey) {
			return nil, fmt.Errorf("could not fetch s3://%s/%s: %w", bucket, key, err)
		}
		// Missing object: a fresh zero-length image.
		return i, nil
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read s3://%s/%s: %w", bucket, key, err)
	}
	i.data = data
	return i, nil
}

type instance struct {
	client API
	bucket string
	key    string
	data   []byte
	dirty  bool
}

// Close uploads pending writes before releasing the buffer.
func (i *instance) Close() error {
	err := i.Flush()
	i.data = nil
	return err
}

func (i *instance) Length() (int64, error) { return int64(len(i.data)), nil }

func (i *instance) ReadSectors(sector int64, buf []byte) error {
	off := sector * block.SectorSize
	for j := range buf {
		buf[j] = 0
	}
	if off >= int64(len(i.data)) {
		return nil
	}
	copy(buf, i.data[off:])
	return nil
}

func (i *instance) WriteSectors(sector int64, buf []byte) error {
	off := sector * block.SectorSize
	if need := off + int64(len(buf)); need > int64(len(i.data)) {
		grown := make([]byte, need)
		copy(grown, i.data)
		i.data = grown
	}
	copy(i.data[off:], buf)
	i.dirty = true
	return nil
}

// Flush uploads the buffer when it has unwritten changes.
func (i *instance) Flush() error {
	if !i.dirty {
		return nil
	}
	_, err := i.client.PutObject(context.Background(), &awss3.PutObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(i.key),
		Body:   bytes.NewReader(i.data),
	})
	if err != nil {
		return fmt.Errorf("could not upload s3://%s/%s: %w", i.bucket, i.key, err)
	}
	i.dirty = false
	return nil
}

func (i *instance) Truncate(length int64) error {
	if length < 0 {
		return fmt.Errorf("negative size")
	}
	if length <= int64(len(i.data)) {
		i.data = i.data[:length]
	} else {
		grown := make([]byte, length)
		copy(grown, i.data)
		i.data = grown
	}
	i.dirty = true
	return nil
}

// ReopenPrepare implements block.Reopener. The buffer carries over; only
// the flags change.
func (i *instance) ReopenPrepare(state *block.ReopenState, queue *block.ReopenQueue) error {
	return nil
}

func (i *instance) ReopenCommit(state *block.ReopenState) {}

func (i *instance) ReopenAbort(state *block.ReopenState) {}
