package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore хранит готовые публичные артефакты по строковому ключу.
// Удаление префикса идемпотентно: отсутствие ключей не является ошибкой.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// FSStore реализует ArtifactStore поверх локальной файловой системы.
type FSStore struct {
	root string
}

// NewFSStore создаёт файловое хранилище артефактов в каталоге root.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put записывает артефакт по ключу, создавая промежуточные каталоги.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}

	return nil
}

// DeletePrefix удаляет все артефакты с указанным префиксом.
func (s *FSStore) DeletePrefix(_ context.Context, prefix string) error {
	path, err := s.path(prefix)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove artifacts %s: %w", prefix, err)
	}

	return nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key: %s", key)
	}
	return filepath.Join(s.root, clean), nil
}
