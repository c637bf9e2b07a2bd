package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
)

// ArchiveWriter 命令输出归档
type ArchiveWriter interface {
	Write(ctx context.Context, meta ArchiveMeta, name string, content string) (StoredObject, error)
}

// ArchiveMeta 归档路径信息：<prefix>/<host>/<yyyymmdd_hhmmss>/<request_id>/<name>
type ArchiveMeta struct {
	RequestID string
	Host      string
	StartTime time.Time
}

// StoredObject 已写入的对象
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

const archiveContentType = "text/plain; charset=utf-8"

// NewArchiveWriter 按 storage.backend 创建归档写入器，none 时返回 nil
func NewArchiveWriter(cfg config.StorageConfig) ArchiveWriter {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "local":
		return &LocalArchiveWriter{cfg: cfg}
	case "minio":
		return &DelegatingArchiveWriter{local: &LocalArchiveWriter{cfg: cfg}, minio: newMinioArchiveWriter(cfg)}
	default:
		return nil
	}
}

func (m ArchiveMeta) parts(prefix string) []string {
	var parts []string
	if p := strings.TrimSpace(prefix); p != "" {
		parts = append(parts, p)
	}
	start := m.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	parts = append(parts, slug(m.Host), start.Format("20060102_150405"))
	if id := strings.TrimSpace(m.RequestID); id != "" {
		parts = append(parts, slug(id))
	}
	return parts
}

func objectFile(name string) string {
	base := slug(name)
	if !strings.Contains(base, ".") {
		base += ".txt"
	}
	return base
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DelegatingArchiveWriter 优先写 MinIO，失败时回退到本地目录
type DelegatingArchiveWriter struct {
	local *LocalArchiveWriter
	minio *MinioArchiveWriter
}

// Write 回退成功时返回本地对象，同时返回说明原因的错误，调用方记录后继续
func (w *DelegatingArchiveWriter) Write(ctx context.Context, meta ArchiveMeta, name string, content string) (StoredObject, error) {
	if w.minio == nil {
		logger.Warnf("MinIO archive selected but client not initialized; falling back to local")
		obj, lerr := w.local.Write(ctx, meta, name, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", lerr)
		}
		return obj, fmt.Errorf("minio client not initialized; wrote to local instead")
	}
	obj, err := w.minio.Write(ctx, meta, name, content)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("MinIO write failed; falling back to local")
		objLocal, lerr := w.local.Write(ctx, meta, name, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
		}
		return objLocal, fmt.Errorf("minio write failed: %w; fell back to local successfully", err)
	}
	return obj, nil
}

// LocalArchiveWriter 本地文件归档
type LocalArchiveWriter struct {
	cfg config.StorageConfig
}

func (w *LocalArchiveWriter) Write(ctx context.Context, meta ArchiveMeta, name string, content string) (StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return StoredObject{}, err
	}
	baseDir := strings.TrimSpace(w.cfg.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/executions"
	}
	dirPath := filepath.Join(append([]string{baseDir}, meta.parts(w.cfg.Prefix)...)...)
	if w.cfg.Local.MkdirIfMissing {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}

	fullPath := filepath.Join(dirPath, objectFile(name))
	data := []byte(content)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return StoredObject{
		URI:         "file://" + fullPath,
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: archiveContentType,
	}, nil
}

// MinioArchiveWriter MinIO 对象存储归档
type MinioArchiveWriter struct {
	cfg           config.StorageConfig
	client        *minio.Client
	endpoint      string
	mu            sync.Mutex
	bucketEnsured bool
}

// newMinioArchiveWriter 初始化失败时返回 nil，由委派写入器回退到本地
func newMinioArchiveWriter(cfg config.StorageConfig) *MinioArchiveWriter {
	host := strings.TrimSpace(cfg.Minio.Host)
	if host == "" || cfg.Minio.Port <= 0 {
		logger.Warnf("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := net.JoinHostPort(host, fmt.Sprint(cfg.Minio.Port))

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   32,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure:    cfg.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.Errorf("MinIO client initialization failed: %v", err)
		return nil
	}
	return &MinioArchiveWriter{cfg: cfg, client: client, endpoint: endpoint}
}

// Write 将内容写入 MinIO
func (w *MinioArchiveWriter) Write(ctx context.Context, meta ArchiveMeta, name string, content string) (StoredObject, error) {
	bucket := strings.TrimSpace(w.cfg.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}
	objectName := path.Join(append(meta.parts(w.cfg.Prefix), objectFile(name))...)
	data := []byte(content)

	w.mu.Lock()
	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, bucket); err != nil {
			w.mu.Unlock()
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed on %s: %w", w.endpoint, err)
		}
		w.bucketEnsured = true
	}
	w.mu.Unlock()

	var lastErr error
	for _, wait := range []time.Duration{time.Second, 2 * time.Second} {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := w.client.PutObject(attemptCtx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: archiveContentType})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return StoredObject{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}

	return StoredObject{
		URI:         "minio://" + path.Join(bucket, objectName),
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: archiveContentType,
	}, nil
}

// ensureBucket 校验并创建 bucket
func (w *MinioArchiveWriter) ensureBucket(parent context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	exists, err := w.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return w.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	s = strings.Trim(s, ".")
	if s == "" {
		s = "unknown"
	}
	return s
}
