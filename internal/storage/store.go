package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/fiftyfive/backend-go/internal/config"
)

// ArtifactStore 生成产物存储抽象（图片/音频文件）
// ref 为存储内部引用，由 Save 返回并保存在任务记录的 artifact_ref 字段
type ArtifactStore interface {
	Save(ctx context.Context, ref string, contentType string, r io.Reader, size int64) error
	Delete(ctx context.Context, ref string) error
	Exists(ctx context.Context, ref string) (bool, error)
}

// NewArtifactStore 按配置选择存储后端
func NewArtifactStore(cfg config.ObjectStorageConfig) (ArtifactStore, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return NewMinIOStore(cfg)
	case "local", "":
		return NewLocalStore(cfg.BasePath)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}
