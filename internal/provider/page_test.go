package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("Referer") != "https://example.test/g/1" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte("<html/>"))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/moved":
			w.Header().Set("Location", "/elsewhere")
			w.WriteHeader(http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := srv.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	ctx := context.Background()

	b, err := FetchPage(ctx, c, srv.URL+"/ok", "https://example.test/g/1")
	if err != nil || string(b) != "<html/>" {
		t.Fatalf("期望成功，实际 %q %v", b, err)
	}

	if _, err := FetchPage(ctx, c, srv.URL+"/empty", ""); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("期望 ErrEmptyBody，实际 %v", err)
	}

	_, err = FetchPage(ctx, c, srv.URL+"/missing", "")
	var hs *HTTPStatusError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 HTTP 404，实际 %v", err)
	}

	_, err = FetchPage(ctx, c, srv.URL+"/moved", "")
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusFound || hs.Location != "/elsewhere" {
		t.Fatalf("期望带 Location 的 302，实际 %v", err)
	}

	if _, err := FetchPage(ctx, nil, srv.URL+"/ok", ""); err == nil {
		t.Fatalf("nil client 应报错")
	}
}

func TestResolveURL(t *testing.T) {
	cases := []struct{ base, href, want string }{
		{"https://example.test/g/1/", "/s/2", "https://example.test/s/2"},
		{"https://example.test/g/1/", "s/2", "https://example.test/g/1/s/2"},
		{"http://example.test/", "//cdn.test/a.jpg", "http://cdn.test/a.jpg"},
		{"https://example.test/", "https://other.test/x", "https://other.test/x"},
		{"https://example.test/", "  ", ""},
	}
	for _, tc := range cases {
		if got := ResolveURL(tc.base, tc.href); got != tc.want {
			t.Fatalf("ResolveURL(%q,%q)=%q，期望 %q", tc.base, tc.href, got, tc.want)
		}
	}
}

func TestWithPageQuery(t *testing.T) {
	if got := WithPageQuery("https://example.test/g/1/", 0); got != "https://example.test/g/1/?p=0" {
		t.Fatalf("WithPageQuery 不符合预期：%q", got)
	}
}

type namedStub string

func (n namedStub) Name() string { return string(n) }
func (namedStub) IndexURL(string, int) string { return "" }
func (namedStub) ParseIndex([]byte, string) ([]string, error) { return nil, nil }
func (namedStub) ParseImage([]byte, string) (string, error) { return "", nil }

func TestNewRegistry(t *testing.T) {
	if _, err := NewRegistry(namedStub("a"), namedStub("A")); err == nil {
		t.Fatalf("重复名称应报错")
	}
	if _, err := NewRegistry(namedStub(" ")); err == nil {
		t.Fatalf("空名称应报错")
	}
	reg, err := NewRegistry(namedStub("one"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, ok := reg.Get(" ONE "); !ok {
		t.Fatalf("Get 应忽略大小写与空白")
	}
	if _, ok := (Registry{}).Get("one"); ok {
		t.Fatalf("零值 Registry 不应命中")
	}
}
