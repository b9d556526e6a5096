// Package s3 implements provider.Provider against an S3-compatible
// bucket. It is grounded on the teacher's backend/s3/s3.go (the
// NewFs config parsing shape, bucket+key path splitting, the
// List/Put/Get/Remove/Copy operation split) but targets the upstream
// aws-sdk-go-v2 client directly rather than rclone's internal fork of
// it, since spec.md names S3 itself (not rclone's s3 remote type) as
// a first-class backing store.
package s3

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/rerrors"
)

// Options mirrors the subset of the teacher's backend/s3 Options
// struct repertory's provider needs: endpoint/region/credentials for
// constructing the client, plus the bucket every api_path is rooted
// under.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Provider implements provider.Provider against one S3 bucket.
type Provider struct {
	opt    Options
	client *s3.Client
}

// New builds a Provider, resolving AWS SDK v2 config the same way the
// teacher resolves rclone's fs.ConfigMap in NewFs: explicit
// credentials when given, falling back to the SDK's default chain
// (environment, shared config, instance role) otherwise.
func New(ctx context.Context, opt Options) (*Provider, error) {
	var optFns []func(*config.LoadOptions) error
	if opt.Region != "" {
		optFns = append(optFns, config.WithRegion(opt.Region))
	}
	if opt.AccessKeyID != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opt.AccessKeyID, opt.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opt.Endpoint != "" {
			o.BaseEndpoint = aws.String(opt.Endpoint)
		}
		o.UsePathStyle = opt.ForcePathStyle
	})

	return &Provider{opt: opt, client: client}, nil
}

func (p *Provider) Name() string { return "s3" }

func (p *Provider) key(apiPath string) string {
	return strings.TrimPrefix(apiPath, "/")
}

// CheckVersion probes bucket reachability with HeadBucket, the closest
// S3 analogue to the packet provider's protocol-version handshake
// (spec.md §9 open question, resolved uniformly across providers).
func (p *Provider) CheckVersion(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.opt.Bucket)})
	if err != nil {
		return rerrors.Wrap(rerrors.CommError, err)
	}
	return nil
}

func (p *Provider) GetItem(ctx context.Context, apiPath string) (provider.Item, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
	})
	if err != nil {
		return provider.Item{}, mapNotFound(err)
	}
	item := provider.Item{APIPath: apiPath}
	if out.ContentLength != nil {
		item.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		item.ModTime = *out.LastModified
	}
	return item, nil
}

func (p *Provider) GetItemList(ctx context.Context, apiPath string) ([]provider.Item, error) {
	prefix := p.key(apiPath)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var items []provider.Item
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.opt.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, rerrors.Wrap(rerrors.CommError, err)
		}
		for _, cp := range page.CommonPrefixes {
			items = append(items, provider.Item{APIPath: "/" + strings.TrimSuffix(aws.ToString(cp.Prefix), "/"), Directory: true})
		}
		for _, obj := range page.Contents {
			items = append(items, provider.Item{
				APIPath: "/" + aws.ToString(obj.Key),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return items, nil
}

// CreateDirectory writes a zero-length "directory marker" object, the
// same convention the teacher's S3 backend uses for bucket-only
// hierarchy representation (S3 has no native directories).
func (p *Provider) CreateDirectory(ctx context.Context, apiPath string) error {
	key := p.key(apiPath)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return rerrors.Wrap(rerrors.OSError, err)
	}
	return nil
}

func (p *Provider) RemoveDirectory(ctx context.Context, apiPath string) error {
	return p.RemoveFile(ctx, apiPath+"/")
}

func (p *Provider) RemoveFile(ctx context.Context, apiPath string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
	})
	if err != nil {
		return rerrors.Wrap(rerrors.OSError, err)
	}
	return nil
}

// RenameFile copies then deletes, the standard S3 idiom since the API
// has no atomic rename (mirrored from the teacher's S3 backend Move).
func (p *Provider) RenameFile(ctx context.Context, from, to string) error {
	source := p.opt.Bucket + "/" + p.key(from)
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.opt.Bucket),
		Key:        aws.String(p.key(to)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return rerrors.Wrap(rerrors.OSError, err)
	}
	return p.RemoveFile(ctx, from)
}

func (p *Provider) ReadChunk(ctx context.Context, apiPath string, offset, size int64) ([]byte, error) {
	rangeHeader := aws.String(httpRange(offset, size))
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	defer out.Body.Close()

	data := make([]byte, 0, size)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, rerrors.Wrap(rerrors.CommError, readErr)
		}
	}
	return data, nil
}

func (p *Provider) UploadFile(ctx context.Context, apiPath string, r io.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.opt.Bucket),
		Key:           aws.String(p.key(apiPath)),
		Body:          toReadSeeker(r),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return rerrors.Wrap(rerrors.UploadFailed, err)
	}
	return nil
}

func httpRange(offset, size int64) string {
	return "bytes=" + itoa(offset) + "-" + itoa(offset+size-1)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func mapNotFound(err error) error {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return rerrors.New(rerrors.ItemNotFound)
	}
	var nb *types.NotFound
	if errors.As(err, &nb) {
		return rerrors.New(rerrors.ItemNotFound)
	}
	return rerrors.Wrap(rerrors.CommError, err)
}

func toReadSeeker(r io.Reader) io.ReadSeeker {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	data, _ := io.ReadAll(r)
	return &bytesReadSeeker{data: data}
}

type bytesReadSeeker struct {
	data []byte
	pos  int64
}

func (b *bytesReadSeeker) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *bytesReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var np int64
	switch whence {
	case io.SeekStart:
		np = offset
	case io.SeekCurrent:
		np = b.pos + offset
	case io.SeekEnd:
		np = int64(len(b.data)) + offset
	}
	b.pos = np
	return np, nil
}

var _ provider.Provider = (*Provider)(nil)
