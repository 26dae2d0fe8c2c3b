package gallery

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	providerx "github.com/John-Robertt/gifreel/internal/provider"
)

// Provider 解析“缩略图索引页 -> 图片详情页 -> 原图”两级结构的图集。
//
// 约束：
// - 索引页：<gallery>?p=N，缩略图链接位于 div#gdt > a[href]
// - 详情页：原图为 img#img[src]
// - 站点在配额耗尽时会用 509 占位图替换原图，视为 BlockedError
type Provider struct{}

func (Provider) Name() string { return "gallery" }

func (Provider) IndexURL(gallery string, page int) string {
	return providerx.WithPageQuery(gallery, page)
}

func (Provider) ParseIndex(html []byte, pageURL string) ([]string, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 40)
	doc.Find("div#gdt > a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		out = append(out, providerx.ResolveURL(pageURL, href))
	})
	return dedupe(out), nil
}

func (Provider) ParseImage(html []byte, pageURL string) (string, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return "", err
	}
	src, ok := doc.Find("img#img").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("详情页中未找到 img#img：%s", pageURL)
	}
	u := providerx.ResolveURL(pageURL, src)
	if path.Base(u) == "509.gif" {
		return "", &providerx.BlockedError{URL: u, Reason: "bandwidth-limit"}
	}
	return u, nil
}

// Direct 把索引页中的每个 img[src] 直接视为一帧（单级结构的图集/相册页）。
type Direct struct{}

func (Direct) Name() string { return "direct" }

func (Direct) IndexURL(gallery string, page int) string {
	return providerx.WithPageQuery(gallery, page)
}

func (Direct) ParseIndex(html []byte, pageURL string) ([]string, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}
	var out []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if strings.HasPrefix(strings.TrimSpace(src), "data:") {
			return
		}
		if u := providerx.ResolveURL(pageURL, src); u != "" {
			out = append(out, u)
		}
	})
	return dedupe(out), nil
}

func (Direct) ParseImage([]byte, string) (string, error) { return "", nil }

func (Direct) LinkIsImage() bool { return true }

// Registry 返回内置 provider 的注册表。
func Registry() providerx.Registry {
	reg, err := providerx.NewRegistry(Provider{}, Direct{})
	if err != nil {
		// 内置 provider 名称固定，不会冲突。
		panic(err)
	}
	return reg
}

func parseDoc(html []byte) (*goquery.Document, error) {
	if len(html) == 0 {
		return nil, errors.New("html 为空")
	}
	return goquery.NewDocumentFromReader(bytes.NewReader(html))
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
