package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"github.com/John-Robertt/gifreel/internal/app/encode"
	"github.com/John-Robertt/gifreel/internal/app/planner"
	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/infra/imgx"
	"github.com/John-Robertt/gifreel/internal/scan"
)

// Progress 把单个 job 的进度事件从核心流程中解耦出来。
//
// 约束：实现必须并发安全；OnFrameDone/OnChunkDone 可能来自多个 goroutine。
type Progress interface {
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnFramesPlanned 在分片规划完成后调用一次，total 为本 job 的帧总数。
	OnFramesPlanned(jobID string, total int)
	OnFrameDone(jobID string)
	OnChunkDone(jobID string, res domain.ArtifactResult, dur time.Duration)
}

// Options 是一个 job 的全部执行参数。
type Options struct {
	Encode      encode.Options
	ChunkSize   int
	Extensions  []string
	Less        scan.Less
	Concurrency int
	// DryRun 只扫描与规划分片，不解码也不写 GIF。
	DryRun bool

	Logger   *slog.Logger
	Progress Progress
}

// OptionsFrom 从最终配置构造 Options；SortOrder 在配置层已校验过。
func OptionsFrom(eff config.EffectiveConfig) (Options, error) {
	less, err := scan.LessFor(eff.SortOrder)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Encode:      encode.OptionsFrom(eff),
		ChunkSize:   eff.ChunkSize,
		Extensions:  eff.Extensions,
		Less:        less,
		Concurrency: eff.Concurrency,
		DryRun:      eff.Fetch.DryRun,
	}, nil
}

// Run 把 job.Folder 中的图片编码为 job.Output（或其 _pN 分片）。
// 错误都会降级为 JobResult 中的状态与错误码，不会向上返回。
func Run(ctx context.Context, job domain.Job, opts Options) domain.JobResult {
	jr := domain.JobResult{
		Index:     job.Index,
		ID:        job.ID,
		Source:    job.Source,
		Folder:    job.Folder,
		Output:    job.Output,
		Artifacts: []domain.ArtifactResult{},
	}
	log := opts.logger().With("job", job.ID)

	loadStarted := time.Now()
	frames, err := scan.LoadFrames(job.Folder, opts.Extensions, opts.Less)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyInput) {
			jr.Status = domain.StatusEmpty
			jr.ErrorCode = domain.ErrCodeEmptyInput
			jr.ErrorMsg = fmt.Sprintf("目录中没有可用图片：%s", job.Folder)
			log.Warn("目录中没有可用图片", "folder", job.Folder)
			return jr
		}
		jr.Status = domain.StatusFailed
		jr.ErrorCode = domain.ErrCodeIOFailed
		jr.ErrorMsg = fmt.Sprintf("读取目录失败：%v", err)
		return jr
	}
	jr.Frames = len(frames)
	opts.phase("load", map[string]any{"job": job.ID, "frames": len(frames)}, time.Since(loadStarted))

	if opts.Encode.Box == nil {
		checkStarted := time.Now()
		if err := checkUniformSize(frames); err != nil {
			jr.Status = domain.StatusFailed
			jr.ErrorCode = domain.ErrCodeDimensionMismatch
			jr.ErrorMsg = err.Error()
			log.Error("未指定 box 且帧尺寸不一致", tint.Err(err))
			return jr
		}
		opts.phase("check", map[string]any{"job": job.ID}, time.Since(checkStarted))
	}

	plans := planner.PlanChunks(job.Output, frames, opts.ChunkSize)
	opts.phase("plan", map[string]any{"job": job.ID, "chunks": len(plans), "chunk_size": opts.ChunkSize}, 0)
	if opts.Progress != nil {
		opts.Progress.OnFramesPlanned(job.ID, len(frames))
	}

	if opts.DryRun {
		for _, p := range plans {
			jr.Artifacts = append(jr.Artifacts, domain.ArtifactResult{
				Index:   p.Index,
				Path:    p.Path,
				Frames:  len(p.Frames),
				Status:  domain.ArtifactStatusPlanned,
				Skipped: []domain.FrameSkip{},
			})
		}
		jr.Status = domain.StatusSuccess
		return jr
	}

	jr.Artifacts = encodeChunks(ctx, job, plans, opts)
	jr.Settle()
	log.Info("job 完成", "status", jr.Status, "artifacts", len(jr.Artifacts))
	return jr
}

// encodeChunks 用 worker pool 并发编码分片；结果按分片序号排列。
func encodeChunks(ctx context.Context, job domain.Job, plans []domain.ChunkPlan, opts Options) []domain.ArtifactResult {
	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(plans) {
		workers = len(plans)
	}

	eo := opts.Encode
	eo.JobID = job.ID
	eo.Logger = opts.logger()
	if opts.Progress != nil {
		p := opts.Progress
		eo.OnFrame = func() { p.OnFrameDone(job.ID) }
	}

	type chunkResult struct {
		slot int
		res  domain.ArtifactResult
	}

	jobs := make(chan int)
	results := make(chan chunkResult, len(plans))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range jobs {
				started := time.Now()
				r := encode.Chunk(ctx, plans[slot], eo)
				if opts.Progress != nil {
					opts.Progress.OnChunkDone(job.ID, r, time.Since(started))
				}
				results <- chunkResult{slot: slot, res: r}
			}
		}()
	}

	go func() {
		for i := range plans {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make([]domain.ArtifactResult, len(plans))
	for r := range results {
		out[r.slot] = r.res
	}
	return out
}

// checkUniformSize 只读取文件头；无法读取头部的帧留给编码阶段按解码策略处理。
func checkUniformSize(frames []domain.FrameSource) error {
	var first image.Point
	var firstPath string
	for _, f := range frames {
		cfg, err := imgx.DecodeConfig(f.Path)
		if err != nil {
			continue
		}
		sz := image.Pt(cfg.Width, cfg.Height)
		if firstPath == "" {
			first, firstPath = sz, f.Path
			continue
		}
		if sz != first {
			return fmt.Errorf("帧尺寸不一致：%s 为 %dx%d，%s 为 %dx%d；请指定 --box",
				firstPath, first.X, first.Y, f.Path, sz.X, sz.Y)
		}
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) phase(name string, fields map[string]any, dur time.Duration) {
	if o.Progress != nil {
		o.Progress.OnPhaseDone(name, fields, dur)
	}
}
