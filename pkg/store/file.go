package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileIndex 基于单个 JSON 文件的 NameIndex
// 每次写入都先写临时文件再 rename，进程中途退出也不会留下半个文件
type FileIndex struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// OpenFileIndex 打开 (或创建) 索引文件；文件损坏时从空表开始并覆盖
func OpenFileIndex(path string) (*FileIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	idx := &FileIndex{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return idx, nil
	case err != nil:
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &idx.entries); err != nil {
			idx.entries = make(map[string]string)
		}
	}
	return idx, nil
}

func (f *FileIndex) GetName(_ context.Context, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name, ok := f.entries[hash]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (f *FileIndex) PutName(_ context.Context, hash, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[hash] = name
	return f.flushLocked()
}

func (f *FileIndex) DeleteName(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[hash]; !ok {
		return nil
	}
	delete(f.entries, hash)
	return f.flushLocked()
}

func (f *FileIndex) flushLocked() error {
	data, err := json.Marshal(f.entries)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
