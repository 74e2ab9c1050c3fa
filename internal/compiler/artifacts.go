package compiler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ContentHash 源文件字节的 BLAKE3 摘要 (hex)
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ArtifactStore 上传目录 + 产物目录
// 产物文件存在即代表编译完成，与内存状态无关
type ArtifactStore struct {
	uploadDir string
	outputDir string
}

func NewArtifactStore(uploadDir, outputDir string) (*ArtifactStore, error) {
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &ArtifactStore{uploadDir: uploadDir, outputDir: outputDir}, nil
}

// SourcePath src_<hash><原始后缀>
func (s *ArtifactStore) SourcePath(hash, name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".py"
	}
	return filepath.Join(s.uploadDir, "src_"+hash+ext)
}

// ArtifactPath obj_<hash>.so
func (s *ArtifactStore) ArtifactPath(hash string) string {
	return filepath.Join(s.outputDir, "obj_"+hash+".so")
}

func (s *ArtifactStore) HasArtifact(hash string) bool {
	info, err := os.Stat(s.ArtifactPath(hash))
	return err == nil && info.Mode().IsRegular()
}

// SaveSource 原子写入上传的源文件
func (s *ArtifactStore) SaveSource(hash, name string, data []byte) (string, error) {
	dst := s.SourcePath(hash, name)
	if err := writeAtomic(s.uploadDir, dst, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// Install 把临时目录中的产物移动到产物目录
// 先复制到同目录的临时文件再 rename，读者永远看不到半个文件
func (s *ArtifactStore) Install(hash, built string) (string, error) {
	src, err := os.Open(built)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := s.ArtifactPath(hash)
	if err := writeAtomic(s.outputDir, dst, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// Remove 删除源文件和产物，返回是否删除了任何文件
func (s *ArtifactStore) Remove(hash string) (bool, error) {
	removed := false
	var errs []error

	candidates := []string{s.ArtifactPath(hash)}
	sources, _ := filepath.Glob(filepath.Join(s.uploadDir, "src_"+hash+"*"))
	candidates = append(candidates, sources...)

	for _, file := range candidates {
		err := os.Remove(file)
		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, os.ErrNotExist):
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func writeAtomic(dir, dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
