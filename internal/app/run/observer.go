package run

import (
	"time"

	"github.com/John-Robertt/gifreel/internal/app/pipeline"
	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
)

// Observer 用于把“运行进度/阶段/job 结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：帧/分片事件可能来自多个 goroutine。
type Observer interface {
	pipeline.Progress

	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig, jobs int)
	// OnJobStart 在每个 job 开始时调用；idx 从 1 开始。
	OnJobStart(idx, total int, job domain.Job)
	// OnImageFetched 在抓取阶段每处理完一张图片时调用。
	OnImageFetched(jobID string, done, total int)
	// OnJobDone 在每个 job 结束时调用（用于每条结果的一行输出）。
	OnJobDone(idx, total int, res domain.JobResult, dur time.Duration)
}
