package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/gifreel/internal/infra/fsx"
)

// Store 提供 <dir>/cache/ 下的文件缓存读写。
//
// 约束：
// - dry-run：只允许读（ReadOnly=true）
// - 正常抓取：允许写（ReadOnly=false）
// - 缓存损坏等价于未命中，调用方重新抓取即可
type Store struct {
	Root     string // 图集下载目录
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// PageEntry 记录一次“图片详情页 -> 原图地址”的解析结果。
type PageEntry struct {
	Provider string `json:"provider"`
	PageURL  string `json:"page_url"`
	ImageURL string `json:"image_url"`
}

// PagePath 返回详情页缓存的绝对路径：<root>/cache/pages/<sha1(pageURL)>.json。
func (s Store) PagePath(pageURL string) (string, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return "", fmt.Errorf("pageURL 不能为空")
	}
	return filepath.Join(s.Root, "cache", "pages", pageKey(pageURL)+".json"), nil
}

// ReadPage 读取 pageURL 的缓存；未命中（含坏缓存）返回 ok=false。
func (s Store) ReadPage(pageURL string) (PageEntry, bool, error) {
	path, err := s.PagePath(pageURL)
	if err != nil {
		return PageEntry{}, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PageEntry{}, false, nil
		}
		return PageEntry{}, false, err
	}
	var e PageEntry
	if err := json.Unmarshal(b, &e); err != nil || e.PageURL != strings.TrimSpace(pageURL) || e.ImageURL == "" {
		return PageEntry{}, false, nil
	}
	return e, true, nil
}

func (s Store) WritePage(e PageEntry) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	e.PageURL = strings.TrimSpace(e.PageURL)
	if e.ImageURL == "" {
		return fmt.Errorf("image_url 不能为空")
	}
	path, err := s.PagePath(e.PageURL)
	if err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}

func pageKey(pageURL string) string {
	sum := sha1.Sum([]byte(pageURL))
	return hex.EncodeToString(sum[:])
}
