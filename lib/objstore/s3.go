// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultS3Region = "us-east-1"

type s3Store struct {
	url    string
	bucket string
	prefix string
	client *s3.Client
}

func openS3(ctx context.Context, storeURL string, cfg gangrun.S3Config) (*s3Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("object store URL %q has no bucket", storeURL)
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = defaultS3Region
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &s3Store{
		url:    storeURL,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
		client: client,
	}, nil
}

func (ss *s3Store) URL() string { return ss.url }

func (ss *s3Store) key(key string) string {
	if ss.prefix == "" {
		return key
	}
	return path.Join(ss.prefix, key)
}

func (ss *s3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := ss.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(ss.bucket),
		Key:           aws.String(ss.key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}

func (ss *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := ss.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(ss.key(key)),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, fmt.Errorf("%s/%s: %w", ss.url, key, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (ss *s3Store) Delete(ctx context.Context, key string) error {
	_, err := ss.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(ss.key(key)),
	})
	return err
}
