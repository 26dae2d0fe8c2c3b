package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusEmpty   = "empty"
	StatusFailed  = "failed"
)

const (
	ArtifactStatusPlanned = "planned" // dry-run：只规划不编码
	ArtifactStatusWritten = "written"
	ArtifactStatusFailed  = "failed"
)

const (
	ErrCodeEmptyInput        = "empty_input"
	ErrCodeDecodeFailed      = "decode_failed"
	ErrCodeEncodeFailed      = "encode_failed"
	ErrCodeNoFrames          = "no_frames"
	ErrCodeDimensionMismatch = "dimension_mismatch"
	ErrCodeFetchFailed       = "fetch_failed"
	ErrCodeParseFailed       = "parse_failed"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeManifestInvalid   = "manifest_invalid"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeInternal          = "internal_error"
)

// RunReport 是对外稳定输出（--report 文件 / stdout JSON）的结构。
type RunReport struct {
	RunID string `json:"run_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Jobs    []JobResult   `json:"jobs"`
}

type ReportSummary struct {
	Success int `json:"success"`
	Partial int `json:"partial"`
	Empty   int `json:"empty"`
	Failed  int `json:"failed"`

	Artifacts int `json:"artifacts"`
	Frames    int `json:"frames"`
	Skipped   int `json:"skipped"`
}

type JobResult struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Source string `json:"source"`
	Folder string `json:"folder"`
	Output string `json:"output"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Frames    int              `json:"frames"`
	Fetch     *FetchSummary    `json:"fetch,omitempty"`
	Artifacts []ArtifactResult `json:"artifacts"`
}

type ArtifactResult struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Frames  int    `json:"frames"`  // 计划写入的帧数
	Written int    `json:"written"` // 实际写入的帧数

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Skipped []FrameSkip `json:"skipped"`
}

// FrameSkip 记录一张因解码失败被跳过的帧。
type FrameSkip struct {
	Path      string `json:"path"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// FetchSummary 是图集抓取阶段的统计。
type FetchSummary struct {
	Pages      int  `json:"pages"`
	Found      int  `json:"found"`
	Downloaded int  `json:"downloaded"`
	Existing   int  `json:"existing"`
	Failed     int  `json:"failed"`
	DryRun     bool `json:"dry_run"`
}

// Settle 根据 artifacts 推导 job 状态。
// 已被上层直接判定为 failed/empty 的 job 保持不变。
func (j *JobResult) Settle() {
	if j.Artifacts == nil {
		j.Artifacts = []ArtifactResult{}
	}
	if j.Status == StatusFailed || j.Status == StatusEmpty {
		return
	}

	var ok, fail, skipped int
	var firstFail *ArtifactResult
	for i := range j.Artifacts {
		a := &j.Artifacts[i]
		if a.Skipped == nil {
			a.Skipped = []FrameSkip{}
		}
		skipped += len(a.Skipped)
		if a.Status == ArtifactStatusWritten {
			ok++
			continue
		}
		fail++
		if firstFail == nil {
			firstFail = a
		}
	}

	switch {
	case ok == 0:
		j.Status = StatusFailed
		if j.ErrorCode == "" && firstFail != nil {
			j.ErrorCode = firstFail.ErrorCode
			j.ErrorMsg = firstFail.ErrorMsg
		}
		if j.ErrorCode == "" {
			j.ErrorCode = ErrCodeEncodeFailed
			j.ErrorMsg = "没有产出任何 GIF"
		}
	case fail > 0 || skipped > 0:
		j.Status = StatusPartial
	default:
		j.Status = StatusSuccess
	}
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) jobs 按清单顺序稳定排序
// 3) summary 由 jobs 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Jobs == nil {
		r.Jobs = []JobResult{}
	}
	sort.SliceStable(r.Jobs, func(i, j int) bool { return r.Jobs[i].Index < r.Jobs[j].Index })

	var s ReportSummary
	for i := range r.Jobs {
		jr := &r.Jobs[i]
		if jr.Artifacts == nil {
			jr.Artifacts = []ArtifactResult{}
		}
		switch jr.Status {
		case StatusSuccess:
			s.Success++
		case StatusPartial:
			s.Partial++
		case StatusEmpty:
			s.Empty++
		case StatusFailed:
			s.Failed++
		}
		for _, a := range jr.Artifacts {
			if a.Status == ArtifactStatusWritten {
				s.Artifacts++
			}
			s.Frames += a.Written
			s.Skipped += len(a.Skipped)
		}
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
// 当前只是透传 encoding/json 的默认行为。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
