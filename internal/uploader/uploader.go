// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package uploader envia o diretório de um trial concluído para um bucket
// S3-compatible, preservando o layout relativo.
package uploader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config parametriza o destino do upload.
type Config struct {
	Bucket string
	Region string
	Prefix string
	// Endpoint aponta para um storage S3-compatible fora da AWS (MinIO).
	Endpoint string
	// Credenciais estáticas; vazias usam a cadeia default do SDK.
	AccessKey string
	SecretKey string
}

// Uploader envia arquivos de trial para o bucket configurado.
type Uploader struct {
	cfg    Config
	client *s3.Client
	logger *slog.Logger
}

// New resolve a configuração AWS e cria o client S3.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("uploader: bucket is required")
	}
	if cfg.Region == "" {
		// Storages S3-compatible ignoram a região, mas o SDK exige uma.
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "uploader", "bucket", cfg.Bucket),
	}, nil
}

// UploadDir envia todos os arquivos do diretório do trial, com as chaves
// relativas ao diretório base.
func (u *Uploader) UploadDir(ctx context.Context, dir string) error {
	base := filepath.Dir(filepath.Dir(dir))

	var uploaded, failed int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := strings.ReplaceAll(rel, string(filepath.Separator), "/")
		if u.cfg.Prefix != "" {
			key = strings.TrimSuffix(u.cfg.Prefix, "/") + "/" + key
		}

		if err := u.putFile(ctx, path, key); err != nil {
			// Upload parcial não derruba a sessão; o trial fica em disco.
			u.logger.Error("upload failed", "key", key, "error", err)
			failed++
			return nil
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking trial directory: %w", err)
	}

	u.logger.Info("trial upload finished", "uploaded", uploaded, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("uploader: %d of %d files failed", failed, uploaded+failed)
	}
	return nil
}

func (u *Uploader) putFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}
