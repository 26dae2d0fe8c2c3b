package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/John-Robertt/gifreel/internal/app/pipeline"
	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/fetch"
	"github.com/John-Robertt/gifreel/internal/manifest"
	"github.com/John-Robertt/gifreel/internal/provider"
)

// Options 控制一次 run 的执行方式。
type Options struct {
	Registry provider.Registry
	// FetchOnly 只抓取图集，不编码（gifreel fetch）。
	FetchOnly bool
	Logger    *slog.Logger
}

// Execute 依次执行清单中的 job，并返回对外稳定的 RunReport。
// 单个 job 的失败（包括 panic）只会体现在该 job 的结果中，不影响其他 job。
func Execute(ctx context.Context, eff config.EffectiveConfig, entries []manifest.Entry, opts Options) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, entries, opts, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, entries []manifest.Entry, opts Options, obs Observer) domain.RunReport {
	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Jobs:      make([]domain.JobResult, 0, len(entries)),
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("run", rr.RunID)

	if obs != nil {
		obs.OnStart(eff, len(entries))
	}

	popts, err := pipeline.OptionsFrom(eff)
	if err != nil {
		for _, e := range entries {
			rr.Jobs = append(rr.Jobs, failedJob(e.Job, domain.ErrCodeConfigInvalid, err.Error()))
		}
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}
	popts.Logger = log
	if obs != nil {
		popts.Progress = obs
	}

	r := &runner{eff: eff, opts: opts, popts: popts, obs: obs, log: log}

	total := len(entries)
	for i, e := range entries {
		started := time.Now()
		if obs != nil {
			obs.OnJobStart(i+1, total, e.Job)
		}

		var jr domain.JobResult
		if ctx.Err() != nil {
			jr = failedJob(e.Job, domain.ErrCodeInternal, "已取消："+ctx.Err().Error())
		} else {
			jr = r.one(ctx, e)
		}
		rr.Jobs = append(rr.Jobs, jr)

		if obs != nil {
			obs.OnJobDone(i+1, total, jr, time.Since(started))
		}
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

type runner struct {
	eff   config.EffectiveConfig
	opts  Options
	popts pipeline.Options
	obs   Observer
	log   *slog.Logger

	fetcher    *fetch.Fetcher
	fetcherErr error
}

// one 执行单个 job：清单校验 -> 抓取（远程图集） -> 编码。
func (r *runner) one(ctx context.Context, e manifest.Entry) (jr domain.JobResult) {
	job := e.Job
	log := r.log.With("job", job.ID)

	defer func() {
		if p := recover(); p != nil {
			log.Error("job 崩溃", "panic", p, "stack", string(debug.Stack()))
			jr = failedJob(job, domain.ErrCodeInternal, fmt.Sprintf("内部错误：%v", p))
		}
	}()

	if e.Err != nil {
		log.Error("清单行无效", "line", e.Line, tint.Err(e.Err))
		return failedJob(job, domain.ErrCodeManifestInvalid, fmt.Sprintf("第 %d 行：%v", e.Line, e.Err))
	}

	var sum *domain.FetchSummary
	if job.Remote() {
		f, err := r.getFetcher()
		if err != nil {
			return failedJob(job, domain.ErrCodeConfigInvalid, err.Error())
		}

		if r.obs != nil {
			obs, id := r.obs, job.ID
			f.OnImage = func(done, total int) { obs.OnImageFetched(id, done, total) }
		}
		started := time.Now()
		s, err := f.Run(ctx, job.Source, job.PageLimit, job.Folder)
		sum = &s
		if r.obs != nil {
			r.obs.OnPhaseDone("fetch", map[string]any{
				"job":        job.ID,
				"pages":      s.Pages,
				"found":      s.Found,
				"downloaded": s.Downloaded,
				"existing":   s.Existing,
				"failed":     s.Failed,
			}, time.Since(started))
		}
		if err != nil {
			code, msg := describeFetchError(err)
			jr = failedJob(job, code, msg)
			jr.Fetch = sum
			log.Error("图集抓取失败", "error_code", code, tint.Err(err))
			return jr
		}
	}

	if r.opts.FetchOnly || (job.Remote() && r.eff.Fetch.DryRun) {
		jr = domain.JobResult{
			Index:     job.Index,
			ID:        job.ID,
			Source:    job.Source,
			Folder:    job.Folder,
			Output:    job.Output,
			Status:    domain.StatusSuccess,
			Fetch:     sum,
			Artifacts: []domain.ArtifactResult{},
		}
		if sum != nil && sum.Found > 0 && sum.Failed == sum.Found {
			jr.Status = domain.StatusFailed
			jr.ErrorCode = domain.ErrCodeFetchFailed
			jr.ErrorMsg = fmt.Sprintf("%d 张图片全部下载失败", sum.Failed)
		} else if sum != nil && sum.Failed > 0 {
			jr.Status = domain.StatusPartial
		}
		return jr
	}

	jr = pipeline.Run(ctx, job, r.popts)
	jr.Fetch = sum
	if sum != nil && sum.Failed > 0 && jr.Status == domain.StatusSuccess {
		jr.Status = domain.StatusPartial
	}
	return jr
}

func (r *runner) getFetcher() (*fetch.Fetcher, error) {
	if r.fetcher != nil || r.fetcherErr != nil {
		return r.fetcher, r.fetcherErr
	}
	f, err := fetch.New(r.eff.Fetch, r.opts.Registry)
	if err != nil {
		r.fetcherErr = err
		return nil, err
	}
	f.Logger = r.log
	r.fetcher = f
	return f, nil
}

func failedJob(job domain.Job, code, msg string) domain.JobResult {
	return domain.JobResult{
		Index:     job.Index,
		ID:        job.ID,
		Source:    job.Source,
		Folder:    job.Folder,
		Output:    job.Output,
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
		Artifacts: []domain.ArtifactResult{},
	}
}

// describeFetchError 把抓取错误归类为 error_code，并生成可操作的 error_msg。
func describeFetchError(err error) (string, string) {
	if errors.Is(err, context.Canceled) {
		return domain.ErrCodeFetchFailed, "抓取已取消"
	}

	var pe *provider.Error
	if !errors.As(err, &pe) {
		return domain.ErrCodeFetchFailed, fmt.Sprintf("抓取失败：%v", err)
	}
	if pe.Stage == "parse" {
		return domain.ErrCodeParseFailed, fmt.Sprintf("%s 解析失败（站点结构可能变化或返回了非图集页面）：%v", pe.Provider, pe.Err)
	}

	var hs *provider.HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return domain.ErrCodeFetchFailed, fmt.Sprintf("%s 返回 HTTP %d（可能触发反爬/限流）。建议调大 page_delay 或配置 proxy_url。", pe.Provider, hs.StatusCode)
		case 404:
			return domain.ErrCodeFetchFailed, fmt.Sprintf("%s 返回 HTTP 404（图集不存在或已下架）：%s", pe.Provider, pe.URL)
		default:
			return domain.ErrCodeFetchFailed, fmt.Sprintf("%s 返回 HTTP %d：%s", pe.Provider, hs.StatusCode, pe.URL)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return domain.ErrCodeFetchFailed, fmt.Sprintf("%s 抓取超时。建议检查网络/代理后重试。", pe.Provider)
	}
	return domain.ErrCodeFetchFailed, fmt.Sprintf("%s 抓取失败：%v", pe.Provider, pe.Err)
}
