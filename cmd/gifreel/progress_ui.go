package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/John-Robertt/gifreel/internal/app/run"
	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的进度输出。
//
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - 下载与编码各用一根进度条，阶段/分片/job 结果以整行输出
type progressUI struct {
	w io.Writer

	mu        sync.Mutex
	startedAt time.Time

	bar     *progressbar.ProgressBar
	barKind string

	ok, partial, empty, fail int
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig, jobs int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "encode"
	if eff.Fetch.DryRun {
		mode = "dry-run (不下载/不写 GIF)"
	}

	fmt.Fprintf(p.w, "[%s] gifreel (%s) jobs=%d\n", now.Format("15:04:05"), mode, jobs)
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigPath != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	}
	fmt.Fprintf(p.w, "  box: %s\n", formatBox(eff.Box))
	fmt.Fprintf(p.w, "  fps: %g  chunk: %d  pad: %s\n", eff.FPS, eff.ChunkSize, eff.Padding)
	fmt.Fprintf(p.w, "  sort: %s  policy: %s  filter: %s\n", eff.SortOrder, eff.DecodePolicy, eff.Filter)
	fmt.Fprintf(p.w, "  workers: %d  frame_workers: %d\n", eff.Concurrency, eff.FrameWorkers)
	fmt.Fprintf(p.w, "  provider: %s  proxy: %s  image_proxy: %s\n",
		eff.Fetch.Provider, formatProxy(eff.Fetch.ProxyURL), onOff(eff.Fetch.ImageProxy),
	)
	fmt.Fprintln(p.w)
}

func (p *progressUI) OnJobStart(idx, total int, job domain.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finishBarLocked()
	src := job.Source
	if src == "" {
		src = job.Folder
	}
	fmt.Fprintf(p.w, "[%d/%d] %s <- %s\n", idx, total, job.ID, truncate(src, 120))
}

func (p *progressUI) OnImageFetched(jobID string, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.barKind != "fetch" {
		p.newBarLocked("fetch", total, "下载")
	}
	_ = p.bar.Set(done)
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "fetch":
		p.finishBarLocked()
		fmt.Fprintf(p.w, "  抓取: pages=%d found=%d downloaded=%d existing=%d failed=%d (%s)\n",
			intField(fields, "pages"),
			intField(fields, "found"),
			intField(fields, "downloaded"),
			intField(fields, "existing"),
			intField(fields, "failed"),
			formatShortDuration(dur),
		)
	case "load":
		fmt.Fprintf(p.w, "  扫描: frames=%d (%s)\n", intField(fields, "frames"), formatShortDuration(dur))
	case "check":
		fmt.Fprintf(p.w, "  尺寸检查 (%s)\n", formatShortDuration(dur))
	case "plan":
		fmt.Fprintf(p.w, "  规划: chunks=%d chunk_size=%d\n", intField(fields, "chunks"), intField(fields, "chunk_size"))
	default:
		fmt.Fprintf(p.w, "  %s (%s)\n", name, formatShortDuration(dur))
	}
}

func (p *progressUI) OnFramesPlanned(jobID string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.newBarLocked("encode", total, "编码")
}

func (p *progressUI) OnFrameDone(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *progressUI) OnChunkDone(jobID string, res domain.ArtifactResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Clear()
	}
	switch res.Status {
	case domain.ArtifactStatusFailed:
		fmt.Fprintf(p.w, "  分片 %d FAIL %s: %s (%s)\n",
			res.Index, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "  分片 %d %s frames=%d skipped=%d (%s)\n",
			res.Index, truncate(res.Path, 120), res.Written, len(res.Skipped), formatShortDuration(dur),
		)
	}
}

func (p *progressUI) OnJobDone(idx, total int, res domain.JobResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finishBarLocked()

	switch res.Status {
	case domain.StatusSuccess:
		p.ok++
	case domain.StatusPartial:
		p.partial++
	case domain.StatusEmpty:
		p.empty++
	case domain.StatusFailed:
		p.fail++
	}

	status := statusLabel(res.Status)
	switch res.Status {
	case domain.StatusFailed:
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s: %s (%s)\n",
			idx, total, res.ID, status, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	case domain.StatusEmpty:
		fmt.Fprintf(p.w, "[%d/%d] %s %s (目录中没有可用图片) (%s)\n", idx, total, res.ID, status, formatShortDuration(dur))
	default:
		fmt.Fprintf(p.w, "[%d/%d] %s %s gifs=%d frames=%d%s (%s)\n",
			idx, total, res.ID, status, len(res.Artifacts), res.Frames, fetchNote(res.Fetch), formatShortDuration(dur),
		)
	}

	if idx == total {
		fmt.Fprintf(p.w, "进度: ok=%d partial=%d empty=%d fail=%d elapsed=%s\n",
			p.ok, p.partial, p.empty, p.fail, formatElapsed(time.Since(p.startedAt)),
		)
	}
}

func (p *progressUI) newBarLocked(kind string, max int, desc string) {
	p.finishBarLocked()
	p.barKind = kind
	p.bar = progressbar.NewOptions(max,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("  "+desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (p *progressUI) finishBarLocked() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
	p.barKind = ""
}

func statusLabel(s string) string {
	switch s {
	case domain.StatusSuccess:
		return "OK"
	case domain.StatusPartial:
		return "PARTIAL"
	case domain.StatusEmpty:
		return "EMPTY"
	case domain.StatusFailed:
		return "FAIL"
	default:
		return strings.ToUpper(s)
	}
}

func fetchNote(f *domain.FetchSummary) string {
	if f == nil {
		return ""
	}
	s := fmt.Sprintf(" fetched=%d/%d", f.Downloaded+f.Existing, f.Found)
	if f.Failed > 0 {
		s += fmt.Sprintf(" fetch_failed=%d", f.Failed)
	}
	if f.DryRun {
		s += " (dry-run)"
	}
	return s
}

func formatBox(b *domain.Box) string {
	if b == nil {
		return "none (保持原尺寸)"
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
