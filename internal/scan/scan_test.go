package scan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Robertt/gifreel/internal/domain"
)

func TestLoadFrames_FilterAndLexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.jpg"))
	touch(t, filepath.Join(dir, "a.PNG"))
	touch(t, filepath.Join(dir, "c.jpeg"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "._a.png"))
	touch(t, filepath.Join(dir, ".x.png.tmp-123"))
	touch(t, filepath.Join(dir, "sub", "d.jpg")) // 不递归
	if err := os.WriteFile(filepath.Join(dir, "empty.jpg"), nil, 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}

	got, err := LoadFrames(dir, DefaultExtensions, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	names := namesOf(got)
	want := []string{"a.PNG", "b.jpg", "c.jpeg"}
	if len(names) != len(want) {
		t.Fatalf("期望 %v，实际 %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("期望 %v，实际 %v", want, names)
		}
	}
	if got[0].Ext != ".png" {
		t.Fatalf("扩展名应小写化，实际 %q", got[0].Ext)
	}
	if got[0].Path != filepath.Join(dir, "a.PNG") {
		t.Fatalf("路径应基于 dir：%q", got[0].Path)
	}
}

func TestLoadFrames_EmptyInput(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "readme.md"))

	_, err := LoadFrames(dir, nil, nil)
	if !errors.Is(err, domain.ErrEmptyInput) {
		t.Fatalf("期望 ErrEmptyInput，实际 %v", err)
	}
}

func TestLoadFrames_Deterministic(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"10.jpg", "2.jpg", "1.jpg", "x.png"} {
		touch(t, filepath.Join(dir, n))
	}

	first, err := LoadFrames(dir, nil, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := LoadFrames(dir, nil, nil)
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		a, b := namesOf(first), namesOf(again)
		for k := range a {
			if a[k] != b[k] {
				t.Fatalf("两次扫描顺序不一致：%v vs %v", a, b)
			}
		}
	}
}

func TestLoadFrames_NaturalAndCustomOrder(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"img10.jpg", "img2.jpg", "img1.jpg"} {
		touch(t, filepath.Join(dir, n))
	}

	less, err := LessFor(OrderNatural)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	got, err := LoadFrames(dir, nil, less)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if n := namesOf(got); n[0] != "img1.jpg" || n[1] != "img2.jpg" || n[2] != "img10.jpg" {
		t.Fatalf("natural 顺序不符合预期：%v", n)
	}

	// 自定义比较器完全决定顺序（这里是倒序）。
	rev := func(a, b domain.FrameSource) bool { return a.Name > b.Name }
	got, err = LoadFrames(dir, nil, rev)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if n := namesOf(got); n[0] != "img2.jpg" || n[2] != "img1.jpg" {
		t.Fatalf("自定义顺序不符合预期：%v", n)
	}
}

func TestLoadFrames_MtimeOrder(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, n := range []string{"c.jpg", "a.jpg", "b.jpg"} {
		p := filepath.Join(dir, n)
		touch(t, p)
		mt := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatalf("设置 mtime 失败：%v", err)
		}
	}

	less, _ := LessFor("MTIME")
	got, err := LoadFrames(dir, nil, less)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if n := namesOf(got); n[0] != "c.jpg" || n[1] != "a.jpg" || n[2] != "b.jpg" {
		t.Fatalf("mtime 顺序不符合预期：%v", n)
	}
}

func TestLoadFrames_CustomExtensions(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.gif"))
	touch(t, filepath.Join(dir, "b.jpg"))

	got, err := LoadFrames(dir, []string{"GIF"}, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got) != 1 || got[0].Name != "a.gif" {
		t.Fatalf("扩展名白名单未生效：%v", namesOf(got))
	}
}

func TestLessFor_Unknown(t *testing.T) {
	if _, err := LessFor("random"); err == nil {
		t.Fatalf("期望未知排序报错")
	}
}

func TestNaturalLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"2.jpg", "10.jpg", true},
		{"10.jpg", "2.jpg", false},
		{"a1.jpg", "b0.jpg", true},
		{"x01.jpg", "x1.jpg", true}, // 数值相同：退回字节序
		{"abc", "abd", true},
	}
	for _, tc := range cases {
		if got := naturalLess(tc.a, tc.b); got != tc.want {
			t.Fatalf("naturalLess(%q,%q)=%v，期望 %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func namesOf(fs []domain.FrameSource) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Name)
	}
	return out
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
