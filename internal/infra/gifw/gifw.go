package gifw

import (
	"bufio"
	"compress/lzw"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"io"
	"math"

	"github.com/andybons/gogif"
)

// ErrNoFrames 表示 Close 时一帧都没有写入（产物不是合法 GIF）。
var ErrNoFrames = errors.New("gifw: 没有写入任何帧")

// Quantizer 把任意图像量化到 dst 的调色板上，并负责设置 dst.Palette。
// gogif.MedianCutQuantizer 满足该接口。
type Quantizer interface {
	Quantize(dst *image.Paletted, r image.Rectangle, src image.Image, sp image.Point)
}

// SizeMismatchError 表示帧尺寸与逻辑屏幕尺寸不一致。
type SizeMismatchError struct {
	Frame  int
	Width  int
	Height int
	Got    image.Rectangle
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("gifw: 第 %d 帧尺寸 %dx%d 与画布 %dx%d 不一致", e.Frame, e.Got.Dx(), e.Got.Dy(), e.Width, e.Height)
}

// Writer 是流式 GIF 写入器：帧写完即可丢弃，内存占用与帧数无关。
//
// 约束：
// - 所有帧尺寸必须与 NewWriter 的 width/height 一致
// - 每帧使用局部调色板（最多 256 色），不写全局调色板
// - 任意一次写入失败后，Writer 进入错误状态，后续调用都返回同一个错误
type Writer struct {
	bw     *bufio.Writer
	width  int
	height int
	q      Quantizer

	frames int
	err    error
	closed bool
}

// NewWriter 写出文件头、逻辑屏幕描述符与循环扩展。
//
// loop：0 表示无限循环；>0 表示循环次数；<0 表示不写循环扩展（只播放一次）。
// q 为空时使用 gogif 的中位切分量化（256 色）。
func NewWriter(w io.Writer, width, height, loop int, q Quantizer) (*Writer, error) {
	if width < 1 || height < 1 || width > math.MaxUint16 || height > math.MaxUint16 {
		return nil, fmt.Errorf("gifw: 画布尺寸无效：%dx%d", width, height)
	}
	if q == nil {
		q = &gogif.MedianCutQuantizer{NumColor: 256}
	}

	gw := &Writer{
		bw:     bufio.NewWriter(w),
		width:  width,
		height: height,
		q:      q,
	}

	gw.write([]byte("GIF89a"))
	gw.writeUint16(width)
	gw.writeUint16(height)
	// packed=0：无全局调色板；背景色索引与像素宽高比都为 0。
	gw.write([]byte{0x00, 0x00, 0x00})

	if loop >= 0 {
		if loop > math.MaxUint16 {
			loop = math.MaxUint16
		}
		gw.write([]byte{0x21, 0xff, 0x0b})
		gw.write([]byte("NETSCAPE2.0"))
		gw.write([]byte{0x03, 0x01})
		gw.writeUint16(loop)
		gw.write([]byte{0x00})
	}

	if gw.err != nil {
		return nil, gw.err
	}
	return gw, nil
}

// Frames 返回已写入的帧数。
func (w *Writer) Frames() int { return w.frames }

// WriteFrame 量化并追加一帧。delay 单位为 1/100 秒。
func (w *Writer) WriteFrame(img image.Image, delay int) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return errors.New("gifw: writer 已关闭")
	}
	b := img.Bounds()
	if b.Dx() != w.width || b.Dy() != w.height {
		return &SizeMismatchError{Frame: w.frames + 1, Width: w.width, Height: w.height, Got: b}
	}
	if delay < 0 {
		delay = 0
	}
	if delay > math.MaxUint16 {
		delay = math.MaxUint16
	}

	pm := w.paletted(img)
	bits := paletteBits(len(pm.Palette))

	// Graphic Control Extension：disposal=1（保留），无透明色。
	w.write([]byte{0x21, 0xf9, 0x04, 0x01 << 2})
	w.writeUint16(delay)
	w.write([]byte{0x00, 0x00})

	// Image Descriptor + 局部调色板。
	w.write([]byte{0x2c})
	w.writeUint16(0)
	w.writeUint16(0)
	w.writeUint16(w.width)
	w.writeUint16(w.height)
	w.write([]byte{0x80 | byte(bits-1)})
	w.writeColorTable(pm.Palette, bits)

	litWidth := bits
	if litWidth < 2 {
		litWidth = 2
	}
	w.write([]byte{byte(litWidth)})

	bl := &blockWriter{w: w}
	lw := lzw.NewWriter(bl, lzw.LSB, litWidth)
	if pm.Stride == w.width {
		if _, err := lw.Write(pm.Pix[:w.width*w.height]); err != nil {
			w.setErr(err)
		}
	} else {
		for y := 0; y < w.height && w.err == nil; y++ {
			row := pm.Pix[y*pm.Stride : y*pm.Stride+w.width]
			if _, err := lw.Write(row); err != nil {
				w.setErr(err)
			}
		}
	}
	if err := lw.Close(); err != nil {
		w.setErr(err)
	}
	bl.flush()
	w.write([]byte{0x00})

	if w.err != nil {
		return w.err
	}
	w.frames++
	return nil
}

// Close 写出文件尾并刷新缓冲。
// 若一帧都没有写入，仍会写出文件尾，但返回 ErrNoFrames（调用方应丢弃该产物）。
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.write([]byte{0x3b})
	if w.err == nil {
		w.setErr(w.bw.Flush())
	}
	if w.err != nil {
		return w.err
	}
	if w.frames == 0 {
		return ErrNoFrames
	}
	return nil
}

func (w *Writer) paletted(img image.Image) *image.Paletted {
	if pm, ok := img.(*image.Paletted); ok && len(pm.Palette) > 0 && len(pm.Palette) <= 256 && pm.Rect.Min == (image.Point{}) {
		return pm
	}

	b := img.Bounds()
	pm := image.NewPaletted(image.Rect(0, 0, w.width, w.height), nil)
	w.q.Quantize(pm, pm.Bounds(), img, b.Min)
	if len(pm.Palette) == 0 || len(pm.Palette) > 256 {
		// 量化器未给出可用调色板：退回固定调色板 + 误差扩散。
		pm.Palette = palette.Plan9
		draw.FloydSteinberg.Draw(pm, pm.Bounds(), img, b.Min)
	}
	return pm
}

func (w *Writer) writeColorTable(p color.Palette, bits int) {
	n := 1 << bits
	table := make([]byte, 3*n)
	for i, c := range p {
		r, g, b, _ := c.RGBA()
		table[3*i+0] = byte(r >> 8)
		table[3*i+1] = byte(g >> 8)
		table[3*i+2] = byte(b >> 8)
	}
	w.write(table)
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	_, err := w.bw.Write(b)
	w.setErr(err)
}

func (w *Writer) writeUint16(v int) {
	w.write([]byte{byte(v), byte(v >> 8)})
}

func (w *Writer) setErr(err error) {
	if err != nil && w.err == nil {
		w.err = err
	}
}

// paletteBits 返回能容纳 n 个颜色的最小位数（至少为 1，最多为 8）。
func paletteBits(n int) int {
	bits := 1
	for 1<<bits < n && bits < 8 {
		bits++
	}
	return bits
}

// blockWriter 把 LZW 输出切分为最长 255 字节的数据子块。
type blockWriter struct {
	w   *Writer
	buf [256]byte
	n   int
}

func (b *blockWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		m := copy(b.buf[1+b.n:], p)
		b.n += m
		p = p[m:]
		written += m
		if b.n == 255 {
			b.flush()
		}
		if b.w.err != nil {
			return written, b.w.err
		}
	}
	return written, nil
}

func (b *blockWriter) flush() {
	if b.n == 0 {
		return
	}
	b.buf[0] = byte(b.n)
	b.w.write(b.buf[:1+b.n])
	b.n = 0
}

// DelayFromFPS 把帧率换算为 GIF 的帧延迟（1/100 秒，至少为 1）。
func DelayFromFPS(fps float64) int {
	if fps <= 0 {
		return 100
	}
	d := int(math.Round(100 / fps))
	if d < 1 {
		d = 1
	}
	return d
}
