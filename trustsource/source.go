package trustsource

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/servekit/xerrors"
)

// maxPolicyBytes bounds a fetched policy document. A range list measured in
// megabytes is a misconfiguration, not a policy.
const maxPolicyBytes = 1 << 20

// Source fetches the raw bytes of a trusted-range list.
type Source interface {
	// Fetch returns the current policy document.
	Fetch(ctx context.Context) ([]byte, error)
	// Describe identifies the source for logs ("file:/etc/ranges" etc).
	Describe() string
}

// FileSource reads the policy from a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(ctx context.Context) ([]byte, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s", s.Path)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxPolicyBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", s.Path)
	}
	if len(data) > maxPolicyBytes {
		return nil, xerrors.Newf("%s exceeds %d bytes", s.Path, maxPolicyBytes)
	}
	return data, nil
}

func (s FileSource) Describe() string { return "file:" + s.Path }

// ssmAPI is the slice of the SSM client the source needs.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads the policy from an SSM parameter value.
type SSMSource struct {
	client ssmAPI
	param  string
}

func NewSSMSource(client *ssm.Client, param string) *SSMSource {
	return &SSMSource{client: client, param: param}
}

func (s *SSMSource) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", s.param)
	}
	return []byte(*out.Parameter.Value), nil
}

func (s *SSMSource) Describe() string { return "ssm:" + s.param }

// s3API is the slice of the S3 client the source needs.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the policy from an S3 object.
type S3Source struct {
	client s3API
	bucket string
	key    string
}

func NewS3Source(client *s3.Client, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, s.key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, maxPolicyBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3://%s/%s", s.bucket, s.key)
	}
	if len(data) > maxPolicyBytes {
		return nil, xerrors.Newf("s3://%s/%s exceeds %d bytes", s.bucket, s.key, maxPolicyBytes)
	}
	return data, nil
}

func (s *S3Source) Describe() string { return "s3://" + s.bucket + "/" + s.key }

// NewSourceFromURI builds a Source from a URI-style spec:
//
//	file:/etc/servekit/trusted-ranges
//	ssm:/prod/servekit/trusted-ranges
//	s3://my-bucket/servekit/trusted-ranges
//
// The AWS-backed schemes load client config from the default chain.
func NewSourceFromURI(ctx context.Context, uri string) (Source, error) {
	switch {
	case strings.HasPrefix(uri, "file:"):
		return FileSource{Path: strings.TrimPrefix(uri, "file:")}, nil
	case strings.HasPrefix(uri, "ssm:"):
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		return NewSSMSource(ssm.NewFromConfig(cfg), strings.TrimPrefix(uri, "ssm:")), nil
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return nil, xerrors.Newf("bad s3 source %q, want s3://bucket/key", uri)
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		return NewS3Source(s3.NewFromConfig(cfg), bucket, key), nil
	default:
		return nil, xerrors.Newf("unknown trust source scheme in %q", uri)
	}
}
