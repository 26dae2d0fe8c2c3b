package planner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/gifreel/internal/domain"
)

// Partition 把有序帧列表切成连续分片：第 i 片为 [i*size, min((i+1)*size, total))。
//
// 纯函数：不复制 FrameSource，只返回原切片的子切片。
// total==0 时返回空；size<1 属于调用方错误（配置校验应已拦截），返回 nil。
func Partition(frames []domain.FrameSource, size int) [][]domain.FrameSource {
	if size < 1 {
		return nil
	}
	total := len(frames)
	if total == 0 {
		return [][]domain.FrameSource{}
	}

	n := (total + size - 1) / size
	chunks := make([][]domain.FrameSource, 0, n)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		chunks = append(chunks, frames[start:end:end])
	}
	return chunks
}

// ArtifactPath 按分片数派生产物路径：
// - total==1：原样返回 base
// - total>1：base 的扩展名前插入 _p<idx>（idx 从 1 开始）
func ArtifactPath(base string, idx, total int) string {
	if total <= 1 {
		return base
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_p%d%s", stem, idx, ext)
}

// PlanChunks 把分片与产物路径配对，得到可直接交给编码器的计划。
func PlanChunks(base string, frames []domain.FrameSource, size int) []domain.ChunkPlan {
	chunks := Partition(frames, size)
	plans := make([]domain.ChunkPlan, 0, len(chunks))
	for i, c := range chunks {
		plans = append(plans, domain.ChunkPlan{
			Index:  i + 1,
			Total:  len(chunks),
			Path:   ArtifactPath(base, i+1, len(chunks)),
			Frames: c,
		})
	}
	return plans
}
