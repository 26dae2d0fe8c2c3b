package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Error 是 provider 阶段的可追溯错误。
// 上层据此把失败归类为 fetch_failed / parse_failed，并写入 report。
type Error struct {
	Provider string // provider name（小写）
	Stage    string // "fetch" 或 "parse"
	URL      string
	Err      error
}

func (e *Error) Error() string {
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Sprintf("provider=%s stage=%s: %v", e.Provider, e.Stage, e.Err)
	}
	return fmt.Sprintf("provider=%s stage=%s url=%s: %v", e.Provider, e.Stage, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEmptyBody 表示站点返回了 2xx 但响应体为空。
var ErrEmptyBody = errors.New("响应体为空")

// FetchPage 以 GET 抓取 u 并返回完整响应体。
//
// - 非 2xx => *HTTPStatusError
// - 空响应体 => ErrEmptyBody（避免把空内容当成页面/图片落盘）
// - referer 非空时附带 Referer 头（部分图床要求）
func FetchPage(ctx context.Context, c *http.Client, u, referer string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(referer) != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrEmptyBody
	}
	return b, nil
}

// ResolveURL 把页面中的相对链接解析为绝对地址；无法解析时原样返回。
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		scheme := "https"
		if bu, err := url.Parse(base); err == nil && bu.Scheme != "" {
			scheme = bu.Scheme
		}
		return scheme + ":" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

// WithPageQuery 在 gallery 地址上设置 p=<page> 查询参数，保留其它参数。
func WithPageQuery(gallery string, page int) string {
	u, err := url.Parse(strings.TrimSpace(gallery))
	if err != nil {
		return fmt.Sprintf("%s?p=%d", gallery, page)
	}
	q := u.Query()
	q.Set("p", fmt.Sprint(page))
	u.RawQuery = q.Encode()
	return u.String()
}
