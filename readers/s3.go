//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of GoPersist.
//
// GoPersist is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// GoPersist is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with GoPersist. If not, see https://www.gnu.org/licenses/.

package readers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

// ErrObjectNotFound is returned by ObjectStore.Open for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// S3Error provides structured error information for S3 object operations
type S3Error struct {
	Op     string // Operation that failed (e.g., "get_object", "put_object")
	Bucket string
	Key    string
	Err    error
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("s3 %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *S3Error) Unwrap() error {
	return e.Err
}

// ObjectStore opens and stores whole objects addressed by bucket and key.
type ObjectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) error
}

// S3API is the part of *s3.Client the object store needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AWSOptions configures the AWS SDK clients behind S3ObjectStore and DynamoReader.
type AWSOptions struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	EndpointURL     string `yaml:"endpoint_url"`     // Custom endpoint (S3-compatible services, DynamoDB Local)
	ForcePathStyle  bool   `yaml:"force_path_style"` // S3 only: use path-style addressing
}

// S3ObjectStore implements ObjectStore on Amazon S3 or a compatible service.
type S3ObjectStore struct {
	client S3API
}

// NewS3ObjectStore loads the default AWS configuration, applies opts and builds an S3 client.
func NewS3ObjectStore(ctx context.Context, opts AWSOptions) (*S3ObjectStore, error) {
	cfg, err := createAWSConfig(ctx, opts)
	if err != nil {
		return nil, &S3Error{Op: "create_aws_config", Err: err}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return NewS3ObjectStoreWithClient(client), nil
}

// NewS3ObjectStoreWithClient wraps an existing client.
func NewS3ObjectStoreWithClient(client S3API) *S3ObjectStore {
	return &S3ObjectStore{client: client}
}

// Open implements ObjectStore.
func (s *S3ObjectStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			err = fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		}
		return nil, &S3Error{Op: "get_object", Bucket: bucket, Key: key, Err: err}
	}
	return out.Body, nil
}

// Put implements ObjectStore.
func (s *S3ObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return &S3Error{Op: "put_object", Bucket: bucket, Key: key, Err: err}
	}
	return nil
}

// ParseS3Path splits "s3://bucket/key" into its parts. ok is false for any other path.
func ParseS3Path(path string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(path, s3Scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, s3Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// createAWSConfig creates AWS configuration from options
func createAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	configOpts := []func(*config.LoadOptions) error{}

	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}

	if opts.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, err
	}

	if opts.AccessKeyID != "" {
		cfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(
				opts.AccessKeyID,
				opts.SecretAccessKey,
				opts.SessionToken,
			),
		)
	}

	return cfg, nil
}
