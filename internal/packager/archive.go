package packager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

// ManifestName 清单文件在包内的名称
const ManifestName = "manifest.json"

// Manifest manifest.json 的结构
type Manifest struct {
	Package  string       `json:"package"`
	Level    string       `json:"level"`
	UUID     string       `json:"uuid"`
	Keys     string       `json:"keys"`
	Manifest ManifestBody `json:"manifest"`
}

type ManifestBody struct {
	Info  ManifestInfo      `json:"info"`
	Path  []string          `json:"path"`
	File  []string          `json:"file"`
	CRC32 map[string]uint32 `json:"crc32"`
}

type ManifestInfo struct {
	SN string `json:"sn"`
	HW string `json:"hw"`
}

// ArchiveWriter 顺序写入压缩包，并记录写入过的目录、文件和 CRC32
type ArchiveWriter struct {
	zw       *zip.Writer
	modified time.Time

	names map[string]bool
	dirs  []string
	files []string
	crc   map[string]uint32
}

func NewArchiveWriter(w io.Writer) *ArchiveWriter {
	return &ArchiveWriter{
		zw:       zip.NewWriter(w),
		modified: time.Now(),
		names:    make(map[string]bool),
		crc:      make(map[string]uint32),
	}
}

// Has 是否已经写入该条目
func (a *ArchiveWriter) Has(name string) bool {
	return a.names[cleanEntry(name)]
}

// AddDir 目录条目以 / 结尾
func (a *ArchiveWriter) AddDir(name string) error {
	name = strings.TrimSuffix(cleanEntry(name), "/") + "/"
	if a.names[name] {
		return nil
	}
	if _, err := a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: a.modified}); err != nil {
		return fmt.Errorf("add dir %s: %w", name, err)
	}
	a.names[name] = true
	a.dirs = append(a.dirs, name)
	return nil
}

// AddFile 写入一个文件条目，同名条目只写第一次
func (a *ArchiveWriter) AddFile(name string, r io.Reader) error {
	name = cleanEntry(name)
	if a.names[name] {
		return fmt.Errorf("duplicate entry %s", name)
	}

	w, err := a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: a.modified})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	sum := crc32.NewIEEE()
	if _, err := io.Copy(io.MultiWriter(w, sum), r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	a.names[name] = true
	a.files = append(a.files, name)
	a.crc[name] = sum.Sum32()
	return nil
}

func (a *ArchiveWriter) AddBytes(name string, data []byte) error {
	return a.AddFile(name, bytes.NewReader(data))
}

// AddLocalFile 把本地文件写入包内的 name
func (a *ArchiveWriter) AddLocalFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.AddFile(name, f)
}

// CopyFrom 复制已有压缩包中的条目，keep 返回 false 的条目被跳过
// 条目重新压缩写入，保证 CRC32 由本次写入计算
func (a *ArchiveWriter) CopyFrom(path string, keep func(name string) bool) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := cleanEntry(f.Name)
		if name == "" || !keep(name) {
			continue
		}
		if strings.HasSuffix(name, "/") || f.FileInfo().IsDir() {
			if err := a.AddDir(name); err != nil {
				return err
			}
			continue
		}
		if err := a.copyEntry(name, f); err != nil {
			return err
		}
	}
	return nil
}

func (a *ArchiveWriter) copyEntry(name string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	defer rc.Close()
	return a.AddFile(name, rc)
}

// WriteManifest 清单覆盖此前写入的全部条目，清单自身不计入
func (a *ArchiveWriter) WriteManifest(info ManifestInfo) (*Manifest, error) {
	m := &Manifest{
		Package: "ipk",
		Level:   "full",
		UUID:    hexUUID(),
		Keys:    hexUUID(),
		Manifest: ManifestBody{
			Info:  info,
			Path:  append([]string{}, a.dirs...),
			File:  append([]string{}, a.files...),
			CRC32: make(map[string]uint32, len(a.crc)),
		},
	}
	for name, sum := range a.crc {
		m.Manifest.CRC32[name] = sum
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := a.AddBytes(ManifestName, data); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *ArchiveWriter) Close() error {
	return a.zw.Close()
}

func cleanEntry(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimLeft(name, "/")
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
