package imgx

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器
	"math"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp" // extensions 配置了 .bmp/.webp 时可用
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/John-Robertt/gifreel/internal/domain"
)

// Filter 是缩放时使用的重采样核。
type Filter string

const (
	FilterLanczos    Filter = "lanczos"
	FilterCatmullRom Filter = "catmullrom"
	FilterBilinear   Filter = "bilinear"
)

// ParseFilter 解析配置中的 filter 名称（大小写不敏感）。
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case FilterLanczos, FilterCatmullRom, FilterBilinear:
		return f, nil
	case "":
		return FilterLanczos, nil
	default:
		return "", fmt.Errorf("filter 只能是 lanczos、catmullrom 或 bilinear，实际是 %q", s)
	}
}

// DecodeError 表示单张图片无法读取或解码。
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("解码失败：%q：%v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecode 判断 err 是否为 DecodeError。
func IsDecode(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// Decode 读取并解码一张图片（PNG/JPEG）。
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &DecodeError{Path: path, Err: errors.New("图片尺寸无效")}
	}
	return img, nil
}

// DecodeConfig 只读取图片头部（尺寸），不解码像素。
func DecodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, &DecodeError{Path: path, Err: err}
	}
	return cfg, nil
}

// Fit 计算把 ow×oh 等比放进 tw×th 后的尺寸。
//
// ratio = min(tw/ow, th/oh)，放大与缩小对称；结果四舍五入后截断到 [1, t]，
// 因此至少有一条边与外框相等。
func Fit(ow, oh, tw, th int) (nw, nh int) {
	if ow <= 0 || oh <= 0 {
		return tw, th
	}
	ratio := math.Min(float64(tw)/float64(ow), float64(th)/float64(oh))
	nw = clamp(int(math.Round(float64(ow)*ratio)), 1, tw)
	nh = clamp(int(math.Round(float64(oh)*ratio)), 1, th)
	return nw, nh
}

// Offset 返回缩放后图片在画布中的左上角（整除向下取整，奇数余量偏左上）。
func Offset(tw, th, nw, nh int) image.Point {
	return image.Pt((tw-nw)/2, (th-nh)/2)
}

// Normalize 把 src 规范化为一帧不透明的 RGBA 图像。
//
//   - box 非空：等比缩放后居中贴到 box 大小、填充色铺底的画布上（letterbox）
//   - box 为空：保持原始尺寸
//
// 透明像素一律合成到填充色上，输出不含 alpha 信息。
func Normalize(src image.Image, box *domain.Box, pad domain.RGB, f Filter) *image.RGBA {
	sb := src.Bounds()

	if box == nil {
		dst := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
		fill(dst, pad)
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Over)
		return dst
	}

	canvas := image.NewRGBA(image.Rect(0, 0, box.W, box.H))
	fill(canvas, pad)

	nw, nh := Fit(sb.Dx(), sb.Dy(), box.W, box.H)
	off := Offset(box.W, box.H, nw, nh)
	dr := image.Rectangle{Min: off, Max: off.Add(image.Pt(nw, nh))}

	if nw == sb.Dx() && nh == sb.Dy() {
		draw.Draw(canvas, dr, src, sb.Min, draw.Over)
		return canvas
	}

	switch f {
	case FilterCatmullRom:
		draw.CatmullRom.Scale(canvas, dr, src, sb, draw.Over, nil)
	case FilterBilinear:
		draw.BiLinear.Scale(canvas, dr, src, sb, draw.Over, nil)
	default:
		scaled := imaging.Resize(src, nw, nh, imaging.Lanczos)
		draw.Draw(canvas, dr, scaled, scaled.Bounds().Min, draw.Over)
	}
	return canvas
}

func fill(dst *image.RGBA, c domain.RGB) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c.Color()), image.Point{}, draw.Src)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
