package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/John-Robertt/specpdf/internal/infra/logx"
)

const contentTypePDF = "application/pdf"

type Config struct {
	Endpoint  string // host[:port]
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type Stats struct {
	Uploaded int
	Failed   []string
	Bytes    int64
}

// store 是 Publisher 对对象存储的最小依赖（minio 实现；测试用内存实现）。
type store interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Publisher 把转换产物上传到 S3 兼容存储。
//
// 约束：
// - key = prefix + "/" + 相对 outRoot 的路径（/ 分隔）
// - bucket 不存在时首次上传前创建一次
// - 单个文件上传失败只计数并记录日志，不中止其余上传
type Publisher struct {
	store  store
	prefix string
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Publisher, error) {
	s, err := newMinioStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{store: s, prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"), log: logx.OrNop(log)}, nil
}

// ObjectKey 计算 path 在桶中的 key；path 必须位于 outRoot 之下。
func ObjectKey(prefix, outRoot, path string) (string, error) {
	rel, err := filepath.Rel(outRoot, path)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q 不在 %q 之下", path, outRoot)
	}
	key := filepath.ToSlash(rel)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key, nil
}

// Publish 依次上传 paths。只有 bucket 初始化失败会返回 error。
func (p *Publisher) Publish(ctx context.Context, outRoot string, paths []string) (Stats, error) {
	log := logx.OrNop(p.log)
	var st Stats
	if len(paths) == 0 {
		return st, nil
	}
	if err := p.store.EnsureBucket(ctx); err != nil {
		return st, fmt.Errorf("ensure bucket: %w", err)
	}

	for _, path := range paths {
		n, err := p.upload(ctx, outRoot, path)
		if err != nil {
			log.Warn("上传失败", zap.String("path", path), zap.Error(err))
			st.Failed = append(st.Failed, path)
			continue
		}
		st.Uploaded++
		st.Bytes += n
	}
	return st, nil
}

func (p *Publisher) upload(ctx context.Context, outRoot, path string) (int64, error) {
	key, err := ObjectKey(p.prefix, outRoot, path)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := p.store.Put(ctx, key, f, fi.Size()); err != nil {
		return 0, err
	}
	logx.OrNop(p.log).Debug("uploaded", zap.String("key", key), zap.Int64("bytes", fi.Size()))
	return fi.Size(), nil
}

type minioStore struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

func newMinioStore(cfg Config) (*minioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &minioStore{client: client, bucket: bucket, region: region}, nil
}

func (s *minioStore) EnsureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *minioStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentTypePDF,
	})
	return err
}
