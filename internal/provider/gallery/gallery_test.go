package gallery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	providerx "github.com/John-Robertt/gifreel/internal/provider"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	return b
}

func TestProvider_ParseIndex(t *testing.T) {
	got, err := Provider{}.ParseIndex(readFixture(t, "index.html"), "https://example.test/g/100/abc/?p=0")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := []string{
		"https://example.test/s/aaa111/100-1",
		"https://example.test/s/bbb222/100-2",
		"https://example.test/s/ccc333/100-3",
	}
	if len(got) != len(want) {
		t.Fatalf("期望 %v，实际 %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 项期望 %q，实际 %q", i, want[i], got[i])
		}
	}
}

func TestProvider_ParseIndexEmptyPage(t *testing.T) {
	got, err := Provider{}.ParseIndex(readFixture(t, "index_empty.html"), "https://example.test/g/100/abc/?p=9")
	if err != nil {
		t.Fatalf("空页面不应报错：%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("期望空结果，实际 %v", got)
	}
}

func TestProvider_ParseImage(t *testing.T) {
	u, err := Provider{}.ParseImage(readFixture(t, "image.html"), "https://example.test/s/bbb222/100-2")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if u != "https://cdn.example.test/h/abc/keystamp/002.jpg" {
		t.Fatalf("原图地址不符合预期：%q", u)
	}

	if _, err := (Provider{}).ParseImage(readFixture(t, "index.html"), "https://example.test/"); err == nil {
		t.Fatalf("没有 img#img 时应报错")
	}
}

func TestProvider_ParseImageBandwidthLimit(t *testing.T) {
	_, err := Provider{}.ParseImage(readFixture(t, "image_509.html"), "https://example.test/s/x/1")
	var be *providerx.BlockedError
	if !errors.As(err, &be) || be.Reason != "bandwidth-limit" {
		t.Fatalf("期望 BlockedError，实际 %v", err)
	}
}

func TestDirect_ParseIndex(t *testing.T) {
	got, err := Direct{}.ParseIndex(readFixture(t, "album.html"), "https://example.test/album/7")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 2 || got[0] != "https://example.test/media/01.jpg" || got[1] != "https://cdn.example.test/media/02.png" {
		t.Fatalf("direct 解析结果不符合预期：%v", got)
	}
	if u, err := (Direct{}).ParseImage(nil, got[0]); u != "" || err != nil {
		t.Fatalf("direct 不应有详情页：%q %v", u, err)
	}
}

func TestIndexURL(t *testing.T) {
	if got := (Provider{}).IndexURL("https://example.test/g/100/abc/", 3); got != "https://example.test/g/100/abc/?p=3" {
		t.Fatalf("IndexURL 不符合预期：%q", got)
	}
	if got := (Direct{}).IndexURL("https://example.test/album?sort=asc&p=1", 0); got != "https://example.test/album?p=0&sort=asc" {
		t.Fatalf("IndexURL 应覆盖已有 p 参数：%q", got)
	}
}

func TestRegistry(t *testing.T) {
	reg := Registry()
	for _, n := range []string{"gallery", "DIRECT"} {
		if _, ok := reg.Get(n); !ok {
			t.Fatalf("期望注册 %q", n)
		}
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "direct" {
		t.Fatalf("Names 不符合预期：%v", names)
	}
}
