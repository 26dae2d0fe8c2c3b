package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/John-Robertt/gifreel/internal/domain"
)

// Entry 是清单中的一行解析结果。
// Err 非空表示该行无效：上层应把它记为 failed（manifest_invalid），其余行照常执行。
type Entry struct {
	Line int
	Job  domain.Job
	Err  error
}

// Load 读取并解析清单文件；相对路径相对于清单所在目录解析。
func Load(path string) ([]Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, filepath.Dir(abs))
}

// Parse 解析 CSV 清单：每行 source,page_limit,output_name。
//
// 规则：
// - 空行、# 开头的注释行、字段少于 3 个的行被忽略
// - 字段两端空白被去除；多余字段被忽略
// - source 为 http(s) 地址时，图片先抓取到 output_name 去掉扩展名后的目录
// - source 为本地目录时，page_limit 可为空或 0
// - output_name 没有扩展名时补 .gif
// - 字段内的裸引号按字面处理；仍无法解析的行记为无效行，不影响其余行
func Parse(r io.Reader, baseDir string) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var out []Entry
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			out = append(out, Entry{
				Line: pe.Line,
				Job:  domain.Job{Index: len(out), ID: fmt.Sprintf("第 %d 行", pe.Line)},
				Err:  fmt.Errorf("CSV 语法错误：%w", err),
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("读取清单失败：%w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < 3 {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if rec[0] == "" && rec[1] == "" && rec[2] == "" {
			continue
		}

		e := Entry{Line: line}
		e.Job, e.Err = NewJob(len(out), rec[0], rec[1], rec[2], baseDir)
		out = append(out, e)
	}
	return out, nil
}

// NewJob 按清单行的规则构造一个 job（make 命令复用）。
func NewJob(idx int, source, pages, output, baseDir string) (domain.Job, error) {
	job := domain.Job{Index: idx, Source: source, ID: output}
	if source == "" {
		return job, errors.New("source 不能为空")
	}
	if output == "" {
		return job, errors.New("output_name 不能为空")
	}
	if filepath.Ext(output) == "" {
		output += ".gif"
	}
	job.Output = resolve(baseDir, output)

	if pages != "" {
		n, err := strconv.Atoi(pages)
		if err != nil || n < 0 {
			return job, fmt.Errorf("page_limit 无效：%q", pages)
		}
		job.PageLimit = n
	}

	if job.Remote() {
		if job.PageLimit < 1 {
			return job, fmt.Errorf("图集地址需要 page_limit >= 1，实际 %q", pages)
		}
		job.Folder = strings.TrimSuffix(job.Output, filepath.Ext(job.Output))
		return job, nil
	}
	job.Folder = resolve(baseDir, source)
	return job, nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}
