package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/infra/cache"
	"github.com/John-Robertt/gifreel/internal/infra/fsx"
	"github.com/John-Robertt/gifreel/internal/infra/httpx"
	"github.com/John-Robertt/gifreel/internal/provider"
)

// Fetcher 把在线图集下载到本地目录，作为后续编码的帧来源。
//
// 约束：
// - 逐页、逐图串行抓取，页间/图间按配置延时（对站点友好）
// - 幂等：目标文件已存在则跳过且不发网络请求；写入走临时文件 + rename，不会留下半截文件
// - 单张图片失败只计数并记录日志，不会中断整个图集
// - DryRun：只解析并统计，不写图片也不写缓存
type Fetcher struct {
	Provider    provider.Provider
	PageClient  *http.Client
	ImageClient *http.Client

	PageDelay  time.Duration
	ImageDelay time.Duration
	DryRun     bool

	Logger *slog.Logger
	// OnImage 在每张图片处理完成后调用（done 从 1 开始）。
	OnImage func(done, total int)
}

// New 按最终配置构造 Fetcher。
func New(eff config.EffectiveFetch, reg provider.Registry) (*Fetcher, error) {
	p, ok := reg.Get(eff.Provider)
	if !ok {
		return nil, fmt.Errorf("未知 provider：%q（可选：%s）", eff.Provider, strings.Join(reg.Names(), ", "))
	}
	pc, err := httpx.NewPageClient(eff.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy_url 无效：%w", err)
	}
	ic, err := httpx.NewImageClient(eff.ProxyURL, eff.ImageProxy)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		Provider:    p,
		PageClient:  pc,
		ImageClient: ic,
		PageDelay:   eff.PageDelay,
		ImageDelay:  eff.ImageDelay,
		DryRun:      eff.DryRun,
	}, nil
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Run 抓取 gallery 的前 maxPages 页索引，并把每一张原图保存到 dir。
//
// 第一页索引就失败时返回 *provider.Error；之后的翻页失败或空页只会提前结束翻页。
// ctx 取消时返回 ctx.Err()，已完成的统计仍然有效。
func (f *Fetcher) Run(ctx context.Context, gallery string, maxPages int, dir string) (domain.FetchSummary, error) {
	sum := domain.FetchSummary{DryRun: f.DryRun}
	if maxPages < 1 {
		return sum, fmt.Errorf("page_limit 必须 >= 1，实际 %d", maxPages)
	}
	if f.Provider == nil {
		return sum, errors.New("provider 不能为空")
	}
	log := f.logger().With("provider", f.Provider.Name(), "gallery", gallery)

	links, pages, err := f.collect(ctx, gallery, maxPages, log)
	sum.Pages = pages
	sum.Found = len(links)
	if err != nil {
		return sum, err
	}
	log.Info("索引解析完成", "pages", pages, "found", len(links))

	store := cache.New(dir, f.DryRun)
	if !f.DryRun {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sum, err
		}
	}

	names := newNamer()
	for i, link := range links {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		outcome, err := f.one(ctx, store, link, dir, names, log)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.Failed++
			log.Warn("图片下载失败", "page", link, tint.Err(err))
		case outcome == outcomeExisting:
			sum.Existing++
		default:
			sum.Downloaded++
		}
		if f.OnImage != nil {
			f.OnImage(i+1, len(links))
		}

		if outcome == outcomeDownloaded && !f.DryRun && i < len(links)-1 {
			if err := sleep(ctx, f.ImageDelay); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

func (f *Fetcher) collect(ctx context.Context, gallery string, maxPages int, log *slog.Logger) ([]string, int, error) {
	var links []string
	seen := make(map[string]struct{})
	pages := 0

	for page := 0; page < maxPages; page++ {
		pageURL := f.Provider.IndexURL(gallery, page)
		html, err := provider.FetchPage(ctx, f.PageClient, pageURL, "")
		if err != nil {
			if ctx.Err() != nil {
				return links, pages, ctx.Err()
			}
			if page == 0 {
				return links, pages, &provider.Error{Provider: f.Provider.Name(), Stage: "fetch", URL: pageURL, Err: err}
			}
			log.Warn("索引页加载失败，停止翻页", "page", page, "url", pageURL, tint.Err(err))
			break
		}

		got, err := f.Provider.ParseIndex(html, pageURL)
		if err != nil {
			if page == 0 {
				return links, pages, &provider.Error{Provider: f.Provider.Name(), Stage: "parse", URL: pageURL, Err: err}
			}
			log.Warn("索引页解析失败，停止翻页", "page", page, tint.Err(err))
			break
		}
		pages++
		if len(got) == 0 {
			log.Info("索引页没有缩略图，停止翻页", "page", page)
			break
		}

		added := 0
		for _, l := range got {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			links = append(links, l)
			added++
		}
		log.Debug("索引页已解析", "page", page, "links", len(got))
		// 站点在越界页码上会重复返回最后一页。
		if added == 0 {
			break
		}

		if page < maxPages-1 {
			if err := sleep(ctx, f.PageDelay); err != nil {
				return links, pages, err
			}
		}
	}
	return links, pages, nil
}

type outcome int

const (
	outcomeDownloaded outcome = iota
	outcomeExisting
)

func (f *Fetcher) one(ctx context.Context, store cache.Store, link, dir string, names *namer, log *slog.Logger) (outcome, error) {
	imgURL, err := f.resolve(ctx, store, link)
	if err != nil {
		return outcomeDownloaded, err
	}

	name := names.assign(imgURL)
	dst := filepath.Join(dir, name)
	if fi, err := os.Stat(dst); err == nil && fi.Mode().IsRegular() {
		if fi.Size() > 0 {
			log.Debug("已存在，跳过", "file", dst)
			return outcomeExisting, nil
		}
		// 空文件视为未下载。
		if !f.DryRun {
			_ = os.Remove(dst)
		}
	}

	if f.DryRun {
		log.Info("[dry-run] 将下载", "url", imgURL, "file", dst)
		return outcomeDownloaded, nil
	}

	b, err := provider.FetchPage(ctx, f.ImageClient, imgURL, link)
	if err != nil {
		return outcomeDownloaded, &provider.Error{Provider: f.Provider.Name(), Stage: "fetch", URL: imgURL, Err: err}
	}
	if err := fsx.WriteFileAtomicNoOverwrite(dir, name, b); err != nil {
		if errors.Is(err, os.ErrExist) {
			return outcomeExisting, nil
		}
		return outcomeDownloaded, err
	}
	log.Debug("已保存", "file", dst, "bytes", len(b))
	return outcomeDownloaded, nil
}

// resolve 把索引链接解析为原图地址：先查缓存，再抓详情页。
func (f *Fetcher) resolve(ctx context.Context, store cache.Store, link string) (string, error) {
	if li, ok := f.Provider.(provider.LinkIsImage); ok && li.LinkIsImage() {
		return link, nil
	}
	if e, ok, err := store.ReadPage(link); err == nil && ok {
		return e.ImageURL, nil
	}

	html, err := provider.FetchPage(ctx, f.PageClient, link, "")
	if err != nil {
		return "", &provider.Error{Provider: f.Provider.Name(), Stage: "fetch", URL: link, Err: err}
	}
	imgURL, err := f.Provider.ParseImage(html, link)
	if err != nil {
		return "", &provider.Error{Provider: f.Provider.Name(), Stage: "parse", URL: link, Err: err}
	}
	if imgURL == "" {
		return link, nil
	}
	if !store.ReadOnly {
		_ = store.WritePage(cache.PageEntry{Provider: f.Provider.Name(), PageURL: link, ImageURL: imgURL})
	}
	return imgURL, nil
}

// namer 从图片 URL 派生文件名，并在一次运行内消除重名。
type namer struct {
	byURL map[string]string
	used  map[string]int
}

func newNamer() *namer {
	return &namer{byURL: map[string]string{}, used: map[string]int{}}
}

func (n *namer) assign(imgURL string) string {
	if name, ok := n.byURL[imgURL]; ok {
		return name
	}
	base := FileName(imgURL, len(n.byURL)+1)
	name := base
	if k := n.used[base]; k > 0 {
		ext := filepath.Ext(base)
		name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), k+1, ext)
	}
	n.used[base]++
	n.byURL[imgURL] = name
	return name
}

// FileName 取图片 URL 路径的最后一段作为文件名；无法得到安全文件名时用序号兜底。
func FileName(imgURL string, seq int) string {
	u, err := url.Parse(imgURL)
	if err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" && !strings.HasPrefix(base, ".") && !strings.ContainsAny(base, `\:*?"<>|`) {
			return base
		}
	}
	return fmt.Sprintf("img_%04d.jpg", seq)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
