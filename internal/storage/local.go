package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore 本地文件系统存储后端
type LocalStore struct {
	basePath string
}

// NewLocalStore 创建本地存储，确保根目录存在
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		basePath = "./data/artifacts"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// path 将ref映射到basePath下的安全路径，拒绝目录穿越
func (s *LocalStore) path(ref string) (string, error) {
	clean := filepath.Clean("/" + ref)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid artifact ref: %s", ref)
	}
	return filepath.Join(s.basePath, clean), nil
}

func (s *LocalStore) Save(ctx context.Context, ref string, contentType string, r io.Reader, size int64) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(p)
		return err
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, ref string) (bool, error) {
	p, err := s.path(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
