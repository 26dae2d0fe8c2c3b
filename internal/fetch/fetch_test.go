package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/provider"
	"github.com/John-Robertt/gifreel/internal/provider/gallery"
)

// site 模拟一个两页（每页 2 张）的图集站点，第三页为空。
type site struct {
	srv *httptest.Server

	mu   sync.Mutex
	hits map[string]int

	brokenImage string // 该图片返回 500
	emptyImage  string // 该图片返回空响应体
	missingRoot bool   // 索引页返回 404
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{hits: map[string]int{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/g/1/":
		if s.missingRoot {
			http.NotFound(w, r)
			return
		}
		var links string
		switch r.URL.Query().Get("p") {
		case "0":
			links = `<a href="/s/1"></a><a href="/s/2"></a>`
		case "1":
			links = `<a href="/s/3"></a><a href="/s/4"></a>`
		}
		fmt.Fprintf(w, `<html><body><div id="gdt">%s</div></body></html>`, links)
	case strings.HasPrefix(r.URL.Path, "/s/"):
		n := strings.TrimPrefix(r.URL.Path, "/s/")
		fmt.Fprintf(w, `<html><body><img id="img" src="/img/%s.jpg"></body></html>`, n)
	case strings.HasPrefix(r.URL.Path, "/img/"):
		name := strings.TrimPrefix(r.URL.Path, "/img/")
		if r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch name {
		case s.brokenImage:
			w.WriteHeader(http.StatusInternalServerError)
		case s.emptyImage:
			w.WriteHeader(http.StatusOK)
		default:
			_, _ = w.Write([]byte("jpeg:" + name))
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *site) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p, c := range s.hits {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

func (s *site) fetcher() *Fetcher {
	return &Fetcher{
		Provider:    gallery.Provider{},
		PageClient:  s.srv.Client(),
		ImageClient: s.srv.Client(),
	}
}

func TestRun_DownloadsAllPagesThenIdempotent(t *testing.T) {
	s := newSite(t)
	dir := filepath.Join(t.TempDir(), "album")

	var progress []int
	f := s.fetcher()
	f.OnImage = func(done, total int) { progress = append(progress, done*10+total) }

	sum, err := f.Run(context.Background(), s.srv.URL+"/g/1/", 5, dir)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if sum.Pages != 3 || sum.Found != 4 || sum.Downloaded != 4 || sum.Existing != 0 || sum.Failed != 0 {
		t.Fatalf("统计不符合预期：%+v", sum)
	}
	for i := 1; i <= 4; i++ {
		b, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%d.jpg", i)))
		if err != nil || string(b) != fmt.Sprintf("jpeg:%d.jpg", i) {
			t.Fatalf("第 %d 张图片内容不符合预期：%q %v", i, b, err)
		}
	}
	if len(progress) != 4 || progress[3] != 44 {
		t.Fatalf("OnImage 回调不符合预期：%v", progress)
	}

	// 第二次运行：文件已存在，不再请求详情页与图片。
	pagesBefore, imagesBefore := s.count("/s/"), s.count("/img/")
	sum, err = s.fetcher().Run(context.Background(), s.srv.URL+"/g/1/", 5, dir)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if sum.Existing != 4 || sum.Downloaded != 0 {
		t.Fatalf("重复运行应全部跳过：%+v", sum)
	}
	if s.count("/s/") != pagesBefore || s.count("/img/") != imagesBefore {
		t.Fatalf("重复运行不应再请求详情页/图片")
	}
}

func TestRun_PageLimit(t *testing.T) {
	s := newSite(t)
	dir := t.TempDir()

	sum, err := s.fetcher().Run(context.Background(), s.srv.URL+"/g/1/", 1, dir)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if sum.Pages != 1 || sum.Found != 2 || sum.Downloaded != 2 {
		t.Fatalf("只应解析第一页：%+v", sum)
	}
	if _, err := os.Stat(filepath.Join(dir, "3.jpg")); !os.IsNotExist(err) {
		t.Fatalf("不应下载第二页的图片")
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	s := newSite(t)
	dir := filepath.Join(t.TempDir(), "album")

	f := s.fetcher()
	f.DryRun = true
	sum, err := f.Run(context.Background(), s.srv.URL+"/g/1/", 5, dir)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !sum.DryRun || sum.Found != 4 || sum.Downloaded != 4 {
		t.Fatalf("dry-run 统计不符合预期：%+v", sum)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建目录：%v", err)
	}
	if s.count("/img/") != 0 {
		t.Fatalf("dry-run 不应下载图片")
	}
}

func TestRun_SingleImageFailureIsCounted(t *testing.T) {
	s := newSite(t)
	s.brokenImage = "2.jpg"
	s.emptyImage = "3.jpg"
	dir := t.TempDir()

	sum, err := s.fetcher().Run(context.Background(), s.srv.URL+"/g/1/", 5, dir)
	if err != nil {
		t.Fatalf("单张失败不应中断：%v", err)
	}
	if sum.Downloaded != 2 || sum.Failed != 2 {
		t.Fatalf("统计不符合预期：%+v", sum)
	}
	for _, n := range []string{"2.jpg", "3.jpg"} {
		if _, err := os.Stat(filepath.Join(dir, n)); !os.IsNotExist(err) {
			t.Fatalf("失败的图片不应留下文件：%s", n)
		}
	}
}

func TestRun_FirstIndexPageFails(t *testing.T) {
	s := newSite(t)
	s.missingRoot = true

	_, err := s.fetcher().Run(context.Background(), s.srv.URL+"/g/1/", 3, t.TempDir())
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Stage != "fetch" {
		t.Fatalf("期望 fetch 阶段错误，实际 %v", err)
	}
	var hs *provider.HTTPStatusError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusNotFound {
		t.Fatalf("期望携带 HTTP 404，实际 %v", err)
	}
}

func TestRun_InvalidPageLimit(t *testing.T) {
	s := newSite(t)
	if _, err := s.fetcher().Run(context.Background(), s.srv.URL+"/g/1/", 0, t.TempDir()); err == nil {
		t.Fatalf("page_limit=0 应报错")
	}
}

func TestRun_Canceled(t *testing.T) {
	s := newSite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.fetcher().Run(ctx, s.srv.URL+"/g/1/", 3, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(config.EffectiveFetch{Provider: "nope"}, gallery.Registry())
	if err == nil || !strings.Contains(err.Error(), "gallery") {
		t.Fatalf("期望列出可选 provider 的错误，实际 %v", err)
	}

	f, err := New(config.EffectiveFetch{Provider: "direct", DryRun: true}, gallery.Registry())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if f.Provider.Name() != "direct" || !f.DryRun || f.PageClient == nil || f.ImageClient == nil {
		t.Fatalf("New 构造结果不符合预期：%+v", f)
	}
}

func TestFileName(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://cdn.test/h/abc/001.jpg", "001.jpg"},
		{"https://cdn.test/h/abc/002.png?x=1", "002.png"},
		{"https://cdn.test/", "img_0007.jpg"},
		{"https://cdn.test/.hidden", "img_0007.jpg"},
	}
	for _, tc := range cases {
		if got := FileName(tc.url, 7); got != tc.want {
			t.Fatalf("FileName(%q)=%q，期望 %q", tc.url, got, tc.want)
		}
	}
}

func TestNamer_Collisions(t *testing.T) {
	n := newNamer()
	a := n.assign("https://a.test/x/1.jpg")
	b := n.assign("https://b.test/y/1.jpg")
	again := n.assign("https://a.test/x/1.jpg")
	if a != "1.jpg" || b != "1_2.jpg" || again != a {
		t.Fatalf("重名处理不符合预期：%q %q %q", a, b, again)
	}
}
