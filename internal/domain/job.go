package domain

import "strings"

// Job 是一次“目录 -> GIF”转换任务（清单中的一行，或 make 命令的一次调用）。
type Job struct {
	Index int    // 在清单中的顺序（从 0 开始），report 按它排序
	ID    string // 日志与 report 中的定位锚点，通常取输出文件名

	// Source 是帧来源：本地目录，或 http(s) 图集地址（需要先抓取到 Folder）。
	Source    string
	PageLimit int

	Folder string // 帧目录（绝对路径）
	Output string // 基础输出路径；分片时派生 _p1/_p2...
}

// Remote 判断 Source 是否是需要抓取的图集地址。
func (j Job) Remote() bool {
	s := strings.ToLower(strings.TrimSpace(j.Source))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
