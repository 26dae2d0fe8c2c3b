package domain

import (
	"errors"
	"fmt"
	"image/color"
	"time"
)

// ErrEmptyInput 表示帧目录里没有任何符合扩展名白名单的图片。
// 这不是致命错误：上层把它映射为 status=empty，不产出任何 GIF。
var ErrEmptyInput = errors.New("目录中没有可用的图片")

// FrameSource 是一张候选帧图片（在 job 开始时发现，之后只读）。
type FrameSource struct {
	Path    string    // 绝对路径
	Name    string    // 文件名（含扩展名，保留大小写）
	Ext     string    // 小写扩展名，例如 ".jpg"
	Size    int64     // 字节数
	ModTime time.Time // 修改时间（mtime 排序使用）
}

// Box 是目标帧尺寸（letterbox 的外框）。
type Box struct {
	W int
	H int
}

func (b Box) String() string { return fmt.Sprintf("%dx%d", b.W, b.H) }

// Valid 要求宽高都至少为 1。
func (b Box) Valid() bool { return b.W >= 1 && b.H >= 1 }

// RGB 是不透明的填充色。
type RGB struct {
	R uint8
	G uint8
	B uint8
}

func (c RGB) String() string { return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B) }

// Color 返回 alpha=255 的 color.RGBA。
func (c RGB) Color() color.RGBA { return color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff} }

// ChunkPlan 是一个待编码的分片：连续的一段帧 + 它的产物路径。
type ChunkPlan struct {
	Index  int // 从 1 开始
	Total  int // 该 job 的分片总数
	Path   string
	Frames []FrameSource
}
