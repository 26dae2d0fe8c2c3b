package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/infra/imgx"
	"github.com/John-Robertt/gifreel/internal/scan"
)

const (
	// ErrCodeNotFound 表示 --config 指定的配置文件不存在。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
)

// FileName 是 cwd 下自动发现的配置文件名（可选）。
const FileName = "gifreel.yaml"

const (
	PolicySkip  = "skip"
	PolicyAbort = "abort"
)

const (
	DefaultBox          = "512x512"
	DefaultFPS          = 1.0
	DefaultChunkSize    = 180
	DefaultPadding      = "0,0,0"
	DefaultSortOrder    = scan.OrderLexicographic
	DefaultDecodePolicy = PolicySkip
	DefaultFilter       = imgx.FilterLanczos
	DefaultConcurrency  = 2
	DefaultProvider     = "gallery"
	DefaultPageDelay    = 500 * time.Millisecond
	DefaultImageDelay   = time.Second

	maxFPS     = 100
	maxWorkers = 32
)

// CLIArgs 是 CLI 暴露的覆盖项。指针为 nil 表示“未显式指定”，
// 这样 --policy=skip 之类的显式值也能覆盖配置文件中的不同取值。
type CLIArgs struct {
	ConfigPath string

	Box          *string
	FPS          *float64
	ChunkSize    *int
	Padding      *string
	SortOrder    *string
	DecodePolicy *string
	Filter       *string
	Concurrency  *int
	FrameWorkers *int

	Provider *string
	DryRun   *bool
}

// FileConfig 对应 gifreel.yaml 的解析结构。字符串零值表示“未配置”；
// 数值字段用指针，显式写出的 0 也参与校验。
type FileConfig struct {
	TargetBox    string      `yaml:"target_box"`
	FPS          *float64    `yaml:"fps"`
	ChunkSize    *int        `yaml:"chunk_size"`
	PaddingColor string      `yaml:"padding_color"`
	SortOrder    string      `yaml:"sort_order"`
	Extensions   []string    `yaml:"extensions"`
	DecodePolicy string      `yaml:"decode_policy"`
	Filter       string      `yaml:"filter"`
	Concurrency  *int        `yaml:"concurrency"`
	FrameWorkers *int        `yaml:"frame_workers"`
	LoopCount    *int        `yaml:"loop_count"`
	Fetch        FetchConfig `yaml:"fetch"`
}

// FetchConfig 是图集抓取相关的配置（gifreel.yaml 的 fetch 段）。
type FetchConfig struct {
	Provider   string `yaml:"provider"`
	ProxyURL   string `yaml:"proxy_url"`
	ImageProxy bool   `yaml:"image_proxy"`
	PageDelay  string `yaml:"page_delay"`
	ImageDelay string `yaml:"image_delay"`
	DryRun     *bool  `yaml:"dry_run"`
}

// EffectiveConfig 是合并并校验后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigPath 是实际读取的配置文件；未读取任何文件时为空。
	ConfigPath string

	// Box 为 nil 表示不缩放（所有帧必须同尺寸）。
	Box          *domain.Box
	FPS          float64
	ChunkSize    int
	Padding      domain.RGB
	SortOrder    string
	Extensions   []string
	DecodePolicy string
	Filter       imgx.Filter
	Concurrency  int
	FrameWorkers int
	LoopCount    int

	Fetch EffectiveFetch
}

type EffectiveFetch struct {
	Provider   string
	ProxyURL   string
	ImageProxy bool
	PageDelay  time.Duration
	ImageDelay time.Duration
	DryRun     bool
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Path == "" {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在，否则 config_not_found
// 2) 否则尝试 <cwd>/gifreel.yaml（可选）
//
// 覆盖优先级（固定）：CLI 显式值 > 配置文件 > 内置默认。
// 所有校验都在任何 I/O（扫描/抓取/编码）之前完成。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)

	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, FileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			cfgPath = ""
		}
	}

	eff, err := merge(cli, fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.ConfigPath = cfgPath
	return eff, nil
}

// Default 返回纯内置默认值（不读文件、不看 CLI）。
func Default() EffectiveConfig {
	eff, err := merge(CLIArgs{}, FileConfig{})
	if err != nil {
		panic(err)
	}
	return eff
}

func merge(cli CLIArgs, fc FileConfig) (EffectiveConfig, error) {
	var eff EffectiveConfig

	boxRaw := pickString(cli.Box, fc.TargetBox, DefaultBox)
	box, err := ParseBox(boxRaw)
	if err != nil {
		return EffectiveConfig{}, err
	}
	eff.Box = box

	eff.FPS = DefaultFPS
	if cli.FPS != nil {
		eff.FPS = *cli.FPS
	} else if fc.FPS != nil {
		eff.FPS = *fc.FPS
	}
	if !(eff.FPS > 0) || eff.FPS > maxFPS {
		return EffectiveConfig{}, fmt.Errorf("fps 必须在 (0, %d] 之间，实际是 %v", maxFPS, eff.FPS)
	}

	eff.ChunkSize = pickInt(cli.ChunkSize, fc.ChunkSize, DefaultChunkSize)
	if eff.ChunkSize < 1 {
		return EffectiveConfig{}, fmt.Errorf("chunk_size 必须 >= 1，实际是 %d", eff.ChunkSize)
	}

	pad, err := ParseColor(pickString(cli.Padding, fc.PaddingColor, DefaultPadding))
	if err != nil {
		return EffectiveConfig{}, err
	}
	eff.Padding = pad

	eff.SortOrder = strings.ToLower(pickString(cli.SortOrder, fc.SortOrder, DefaultSortOrder))
	if _, err := scan.LessFor(eff.SortOrder); err != nil {
		return EffectiveConfig{}, err
	}

	eff.Extensions = normExtensions(fc.Extensions)
	if len(eff.Extensions) == 0 {
		eff.Extensions = append([]string(nil), scan.DefaultExtensions...)
	}

	eff.DecodePolicy = strings.ToLower(pickString(cli.DecodePolicy, fc.DecodePolicy, DefaultDecodePolicy))
	switch eff.DecodePolicy {
	case PolicySkip, PolicyAbort:
	default:
		return EffectiveConfig{}, fmt.Errorf("decode_policy 只能是 skip 或 abort，实际是 %q", eff.DecodePolicy)
	}

	filter, err := imgx.ParseFilter(pickString(cli.Filter, fc.Filter, string(DefaultFilter)))
	if err != nil {
		return EffectiveConfig{}, err
	}
	eff.Filter = filter

	// 范围 [1, 32]；超出截断。
	eff.Concurrency = clampWorkers(pickInt(cli.Concurrency, fc.Concurrency, DefaultConcurrency))
	eff.FrameWorkers = clampWorkers(pickInt(cli.FrameWorkers, fc.FrameWorkers, defaultFrameWorkers()))

	eff.LoopCount = 0
	if fc.LoopCount != nil {
		eff.LoopCount = *fc.LoopCount
	}
	if eff.LoopCount < 0 {
		return EffectiveConfig{}, fmt.Errorf("loop_count 必须 >= 0，实际是 %d", eff.LoopCount)
	}

	fetch, err := mergeFetch(cli, fc.Fetch)
	if err != nil {
		return EffectiveConfig{}, err
	}
	eff.Fetch = fetch
	return eff, nil
}

func mergeFetch(cli CLIArgs, fc FetchConfig) (EffectiveFetch, error) {
	out := EffectiveFetch{
		Provider:   strings.ToLower(pickString(cli.Provider, fc.Provider, DefaultProvider)),
		ProxyURL:   strings.TrimSpace(fc.ProxyURL),
		ImageProxy: fc.ImageProxy,
		PageDelay:  DefaultPageDelay,
		ImageDelay: DefaultImageDelay,
	}
	if err := validateProvider(out.Provider); err != nil {
		return EffectiveFetch{}, err
	}

	if out.ProxyURL != "" {
		u, err := url.Parse(out.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveFetch{}, fmt.Errorf("fetch.proxy_url 无效：%q", out.ProxyURL)
		}
	}
	if out.ImageProxy && out.ProxyURL == "" {
		return EffectiveFetch{}, errors.New("fetch.image_proxy=true 但 fetch.proxy_url 为空")
	}

	var err error
	if out.PageDelay, err = parseDelay("fetch.page_delay", fc.PageDelay, DefaultPageDelay); err != nil {
		return EffectiveFetch{}, err
	}
	if out.ImageDelay, err = parseDelay("fetch.image_delay", fc.ImageDelay, DefaultImageDelay); err != nil {
		return EffectiveFetch{}, err
	}

	if cli.DryRun != nil {
		out.DryRun = *cli.DryRun
	} else if fc.DryRun != nil {
		out.DryRun = *fc.DryRun
	}
	return out, nil
}

func validateProvider(p string) error {
	switch p {
	case "gallery", "direct":
		return nil
	case "":
		return errors.New("provider 不能为空")
	default:
		return fmt.Errorf("provider 只能是 gallery 或 direct，实际是 %q", p)
	}
}

// ParseBox 解析目标尺寸："WxH"（也接受 "W,H"），或 "none" 表示不缩放（返回 nil）。
func ParseBox(s string) (*domain.Box, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "none" || s == "off" {
		return nil, nil
	}
	sep := "x"
	if strings.Contains(s, ",") {
		sep = ","
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return nil, fmt.Errorf("target_box 格式应为 WxH 或 none，实际是 %q", s)
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("target_box 格式应为 WxH 或 none，实际是 %q", s)
	}
	b := domain.Box{W: w, H: h}
	if !b.Valid() {
		return nil, fmt.Errorf("target_box 宽高都必须 >= 1，实际是 %q", s)
	}
	return &b, nil
}

// ParseColor 解析填充色："r,g,b"（每项 0..255）或 "#rrggbb"。
func ParseColor(s string) (domain.RGB, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") {
		hex := s[1:]
		if len(hex) != 6 {
			return domain.RGB{}, fmt.Errorf("padding_color 格式应为 #rrggbb，实际是 %q", s)
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return domain.RGB{}, fmt.Errorf("padding_color 格式应为 #rrggbb，实际是 %q", s)
		}
		return domain.RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return domain.RGB{}, fmt.Errorf("padding_color 格式应为 r,g,b，实际是 %q", s)
	}
	var ch [3]uint8
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return domain.RGB{}, fmt.Errorf("padding_color 每个分量必须在 [0,255] 之间，实际是 %q", s)
		}
		ch[i] = uint8(n)
	}
	return domain.RGB{R: ch[0], G: ch[1], B: ch[2]}, nil
}

func parseDelay(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s 必须是非负时长（例如 500ms），实际是 %q", field, raw)
	}
	return d, nil
}

func pickString(cli *string, file, def string) string {
	if cli != nil {
		return strings.TrimSpace(*cli)
	}
	if strings.TrimSpace(file) != "" {
		return strings.TrimSpace(file)
	}
	return def
}

func pickInt(cli, file *int, def int) int {
	if cli != nil {
		return *cli
	}
	if file != nil {
		return *file
	}
	return def
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxWorkers {
		return maxWorkers
	}
	return n
}

func defaultFrameWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	return n
}

func normExtensions(xs []string) []string {
	out := make([]string, 0, len(xs))
	seen := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		x = strings.ToLower(strings.TrimSpace(x))
		if x == "" {
			continue
		}
		if !strings.HasPrefix(x, ".") {
			x = "." + x
		}
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
