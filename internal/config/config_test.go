package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/infra/imgx"
)

func TestLoadEffective_DefaultsWithoutFile(t *testing.T) {
	cwd := t.TempDir()

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != "" {
		t.Fatalf("未读取配置文件时 ConfigPath 应为空，实际 %q", eff.ConfigPath)
	}
	if eff.Box == nil || *eff.Box != (domain.Box{W: 512, H: 512}) {
		t.Fatalf("默认 box 应为 512x512，实际 %v", eff.Box)
	}
	if eff.FPS != 1 || eff.ChunkSize != 180 || eff.Padding != (domain.RGB{}) {
		t.Fatalf("默认值不符合预期：fps=%v chunk=%d pad=%v", eff.FPS, eff.ChunkSize, eff.Padding)
	}
	if eff.DecodePolicy != PolicySkip || eff.Filter != imgx.FilterLanczos || eff.SortOrder != "lexicographic" {
		t.Fatalf("默认策略不符合预期：%+v", eff)
	}
	if len(eff.Extensions) != 3 || eff.Concurrency != DefaultConcurrency || eff.FrameWorkers < 1 {
		t.Fatalf("默认值不符合预期：%+v", eff)
	}
	if eff.Fetch.Provider != "gallery" || eff.Fetch.PageDelay != 500*time.Millisecond || eff.Fetch.ImageDelay != time.Second {
		t.Fatalf("默认抓取配置不符合预期：%+v", eff.Fetch)
	}
}

func TestLoadEffective_ExplicitConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "missing.yaml"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_FileThenCLIOverride(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`
target_box: 320x240
fps: 5
chunk_size: 60
padding_color: "#ff8000"
decode_policy: abort
extensions: [png, .JPG]
loop_count: 3
fetch:
  provider: direct
  page_delay: 0s
`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != filepath.Join(cwd, FileName) {
		t.Fatalf("ConfigPath 不符合预期：%q", eff.ConfigPath)
	}
	if *eff.Box != (domain.Box{W: 320, H: 240}) || eff.FPS != 5 || eff.ChunkSize != 60 {
		t.Fatalf("配置文件未生效：%+v", eff)
	}
	if eff.Padding != (domain.RGB{R: 255, G: 128, B: 0}) {
		t.Fatalf("padding 解析不符合预期：%v", eff.Padding)
	}
	if eff.DecodePolicy != PolicyAbort || eff.LoopCount != 3 {
		t.Fatalf("policy/loop 不符合预期：%q %d", eff.DecodePolicy, eff.LoopCount)
	}
	if len(eff.Extensions) != 2 || eff.Extensions[0] != ".png" || eff.Extensions[1] != ".jpg" {
		t.Fatalf("extensions 应规范化为小写带点：%v", eff.Extensions)
	}
	if eff.Fetch.Provider != "direct" || eff.Fetch.PageDelay != 0 {
		t.Fatalf("fetch 配置不符合预期：%+v", eff.Fetch)
	}

	// CLI 显式指定则覆盖配置文件（包括与默认值相同的取值）。
	box := "none"
	policy := "skip"
	chunk := 180
	eff2, err := LoadEffective(cwd, CLIArgs{Box: &box, DecodePolicy: &policy, ChunkSize: &chunk})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff2.Box != nil {
		t.Fatalf("--box none 应关闭缩放，实际 %v", eff2.Box)
	}
	if eff2.DecodePolicy != PolicySkip || eff2.ChunkSize != 180 {
		t.Fatalf("CLI 覆盖未生效：policy=%q chunk=%d", eff2.DecodePolicy, eff2.ChunkSize)
	}
}

func TestLoadEffective_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"fps 为负":        "fps: -1\n",
		"chunk_size 为负":  "chunk_size: -5\n",
		"未知 policy":      "decode_policy: retry\n",
		"未知 filter":      "filter: nearest\n",
		"未知 sort":        "sort_order: random\n",
		"padding 越界":     "padding_color: 1,2,300\n",
		"box 格式错误":       "target_box: big\n",
		"loop 为负":        "loop_count: -1\n",
		"image_proxy 无代理": "fetch:\n  image_proxy: true\n",
		"未知 provider":    "fetch:\n  provider: nope\n",
		"非法 delay":       "fetch:\n  page_delay: soon\n",
		"yaml 语法错误":      "fps: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, FileName), []byte(body))
			_, err := LoadEffective(cwd, CLIArgs{})
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_ExplicitZeroInFileIsRejected(t *testing.T) {
	for _, body := range []string{"fps: 0\n", "chunk_size: 0\n", "fps: 0\nchunk_size: 0\n"} {
		cwd := t.TempDir()
		writeFile(t, filepath.Join(cwd, FileName), []byte(body))
		eff, err := LoadEffective(cwd, CLIArgs{})
		if Code(err) != ErrCodeInvalid {
			t.Fatalf("%q 应返回 %q，实际 err=%v chunk=%d fps=%v", body, ErrCodeInvalid, err, eff.ChunkSize, eff.FPS)
		}
	}
}

func TestLoadEffective_ExplicitZeroWorkersInFileClamped(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("concurrency: 0\nframe_workers: 0\n"))
	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != 1 || eff.FrameWorkers != 1 {
		t.Fatalf("显式 0 应截断为 1 而不是回落默认值：%d %d", eff.Concurrency, eff.FrameWorkers)
	}
}

func TestLoadEffective_WorkersClamped(t *testing.T) {
	cwd := t.TempDir()
	big := 100
	zero := -3
	eff, err := LoadEffective(cwd, CLIArgs{Concurrency: &big, FrameWorkers: &zero})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != 32 || eff.FrameWorkers != 1 {
		t.Fatalf("workers 应截断到 [1,32]：%d %d", eff.Concurrency, eff.FrameWorkers)
	}
}

func TestParseBoxAndColor(t *testing.T) {
	b, err := ParseBox("640X480")
	if err != nil || *b != (domain.Box{W: 640, H: 480}) {
		t.Fatalf("ParseBox 失败：%v %v", b, err)
	}
	if b, err := ParseBox("NONE"); err != nil || b != nil {
		t.Fatalf("none 应返回 nil box：%v %v", b, err)
	}
	if _, err := ParseBox("0x10"); err == nil {
		t.Fatalf("宽为 0 应报错")
	}

	c, err := ParseColor(" 10, 20 ,30 ")
	if err != nil || c != (domain.RGB{R: 10, G: 20, B: 30}) {
		t.Fatalf("ParseColor 失败：%v %v", c, err)
	}
	if _, err := ParseColor("#12345"); err == nil {
		t.Fatalf("短 hex 应报错")
	}
}

func TestDefault(t *testing.T) {
	eff := Default()
	if eff.ChunkSize != DefaultChunkSize || eff.Box == nil {
		t.Fatalf("Default 不符合预期：%+v", eff)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
