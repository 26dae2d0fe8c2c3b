package encode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/infra/fsx"
	"github.com/John-Robertt/gifreel/internal/infra/gifw"
	"github.com/John-Robertt/gifreel/internal/infra/imgx"
)

// Options 是编码单个分片所需的全部参数（由 EffectiveConfig 派生，调用方只读）。
type Options struct {
	Box          *domain.Box
	Padding      domain.RGB
	Filter       imgx.Filter
	FPS          float64
	LoopCount    int
	DecodePolicy string
	Workers      int

	JobID  string
	Logger *slog.Logger

	// OnFrame 在每帧被写入或跳过后调用（可能来自多个分片的 goroutine）。
	OnFrame func()

	// Quantizer 为空时使用 gifw 的默认量化器。
	Quantizer gifw.Quantizer
}

// OptionsFrom 把最终配置映射为编码参数。
func OptionsFrom(eff config.EffectiveConfig) Options {
	return Options{
		Box:          eff.Box,
		Padding:      eff.Padding,
		Filter:       eff.Filter,
		FPS:          eff.FPS,
		LoopCount:    eff.LoopCount,
		DecodePolicy: eff.DecodePolicy,
		Workers:      eff.FrameWorkers,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Chunk 把一个分片流式编码为 GIF。
//
// 约束：
// - 帧按分片内顺序写入；解码/缩放由 Workers 个 goroutine 并行完成，再按序汇合
// - 同时驻留内存的规范化帧不超过 2*Workers，与分片大小无关
// - 产物先写同目录临时文件，成功后 rename；失败时不会留下截断的 GIF
// - 解码失败：skip 策略下跳过并记录；abort 策略下放弃整个分片
//
// 返回的 ArtifactResult 总是可直接写入 report；失败时 Status=failed。
func Chunk(ctx context.Context, plan domain.ChunkPlan, opts Options) domain.ArtifactResult {
	res := domain.ArtifactResult{
		Index:   plan.Index,
		Path:    plan.Path,
		Frames:  len(plan.Frames),
		Status:  domain.ArtifactStatusFailed,
		Skipped: []domain.FrameSkip{},
	}
	log := opts.logger().With("job", opts.JobID, "chunk", plan.Index, "path", plan.Path)

	if len(plan.Frames) == 0 {
		res.ErrorCode = domain.ErrCodeNoFrames
		res.ErrorMsg = "分片为空"
		return res
	}

	out, err := fsx.CreateAtomic(plan.Path)
	if err != nil {
		res.ErrorCode = domain.ErrCodeEncodeFailed
		res.ErrorMsg = fmt.Sprintf("创建产物失败：%v", err)
		log.Error("创建产物失败", tint.Err(err))
		return res
	}
	// Commit 之后 Abort 为 no-op。
	defer out.Abort()

	var gw *gifw.Writer
	delay := gifw.DelayFromFPS(opts.FPS)

	err = normalizeOrdered(ctx, plan.Frames, opts, func(f domain.FrameSource, r frameResult) error {
		defer func() {
			if opts.OnFrame != nil {
				opts.OnFrame()
			}
		}()

		if r.err != nil {
			if imgx.IsDecode(r.err) && opts.DecodePolicy != config.PolicyAbort {
				log.Warn("跳过无法解码的帧", "frame", f.Path, tint.Err(r.err))
				res.Skipped = append(res.Skipped, domain.FrameSkip{
					Path:      f.Path,
					ErrorCode: domain.ErrCodeDecodeFailed,
					ErrorMsg:  r.err.Error(),
				})
				return nil
			}
			return r.err
		}

		if gw == nil {
			b := r.img.Bounds()
			w, err := gifw.NewWriter(out, b.Dx(), b.Dy(), opts.LoopCount, opts.Quantizer)
			if err != nil {
				return &writeError{err: err}
			}
			gw = w
		}
		if err := gw.WriteFrame(r.img, delay); err != nil {
			var se *gifw.SizeMismatchError
			if errors.As(err, &se) {
				return err
			}
			return &writeError{err: err}
		}
		res.Written++
		return nil
	})
	if err != nil {
		res.ErrorCode, res.ErrorMsg = classify(err)
		log.Error("分片编码失败", "error_code", res.ErrorCode, tint.Err(err))
		return res
	}

	if gw == nil {
		res.ErrorCode = domain.ErrCodeNoFrames
		res.ErrorMsg = fmt.Sprintf("分片内 %d 帧全部无法解码", len(plan.Frames))
		log.Error("分片没有可用帧", "skipped", len(res.Skipped))
		return res
	}
	if err := gw.Close(); err != nil {
		res.ErrorCode = domain.ErrCodeEncodeFailed
		res.ErrorMsg = fmt.Sprintf("写入 GIF 失败：%v", err)
		log.Error("写入 GIF 失败", tint.Err(err))
		return res
	}
	if err := out.Commit(); err != nil {
		res.ErrorCode = domain.ErrCodeEncodeFailed
		res.ErrorMsg = fmt.Sprintf("提交产物失败：%v", err)
		log.Error("提交产物失败", tint.Err(err))
		return res
	}

	res.Status = domain.ArtifactStatusWritten
	log.Info("分片已写入", "frames", res.Written, "skipped", len(res.Skipped))
	return res
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func classify(err error) (code, msg string) {
	var se *gifw.SizeMismatchError
	var we *writeError
	switch {
	case imgx.IsDecode(err):
		return domain.ErrCodeDecodeFailed, err.Error()
	case errors.As(err, &se):
		return domain.ErrCodeDimensionMismatch, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCodeEncodeFailed, "已取消：" + err.Error()
	case errors.As(err, &we):
		return domain.ErrCodeEncodeFailed, fmt.Sprintf("写入 GIF 失败：%v", we.err)
	default:
		return domain.ErrCodeEncodeFailed, err.Error()
	}
}

type frameResult struct {
	img *image.RGBA
	err error
}

// normalizeOrdered 并行解码 + 规范化，再严格按 frames 顺序交给 sink。
//
// 每个下标有独立的结果通道（容量 1），worker 写完即走；
// tokens 限制“已派发但尚未被 sink 消费”的帧数，从而限制内存。
// sink 返回错误时立即停止派发，并等待在途 worker 退出后返回该错误。
func normalizeOrdered(ctx context.Context, frames []domain.FrameSource, opts Options, sink func(domain.FrameSource, frameResult) error) error {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resChs := make([]chan frameResult, len(frames))
	for i := range resChs {
		resChs[i] = make(chan frameResult, 1)
	}
	tokens := make(chan struct{}, 2*workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i := range frames {
			select {
			case tokens <- struct{}{}:
			case <-gctx.Done():
				return
			}
			idx := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					resChs[idx] <- frameResult{err: err}
					return nil
				}
				img, err := imgx.Decode(frames[idx].Path)
				if err != nil {
					resChs[idx] <- frameResult{err: err}
					return nil
				}
				resChs[idx] <- frameResult{img: imgx.Normalize(img, opts.Box, opts.Padding, opts.Filter)}
				return nil
			})
		}
	}()

	var err error
	for i := range frames {
		var r frameResult
		select {
		case r = <-resChs[i]:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
		<-tokens
		if err = sink(frames[i], r); err != nil {
			break
		}
	}

	cancel()
	<-dispatched
	_ = g.Wait()
	return err
}
