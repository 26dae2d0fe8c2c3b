package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/John-Robertt/gifreel/internal/domain"
)

const (
	OrderLexicographic = "lexicographic"
	OrderNatural       = "natural"
	OrderMtime         = "mtime"
)

// DefaultExtensions 是默认的帧扩展名白名单（小写，含点号）。
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

// Less 决定帧的播放顺序。它必须是严格弱序，且只依赖 FrameSource 本身。
type Less func(a, b domain.FrameSource) bool

// LoadFrames 列出 dir 下（不递归）的候选帧，并按 less 排序。
//
// 规则：
// - 子目录、非白名单扩展名一律忽略（扩展名大小写不敏感）
// - 以 . 开头的文件忽略（原子写入的临时文件、._xxx 之类的系统文件）
// - 0 字节文件忽略
// - less 为空时按文件名字典序
// - 没有任何候选帧时返回 domain.ErrEmptyInput
//
// 注意：只做 ReadDir + stat，不读文件内容。
func LoadFrames(dir string, exts []string, less Less) ([]domain.FrameSource, error) {
	dir = filepath.Clean(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	allow := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		allow[normExt(e)] = struct{}{}
	}
	if len(allow) == 0 {
		for _, e := range DefaultExtensions {
			allow[e] = struct{}{}
		}
	}

	frames := make([]domain.FrameSource, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := allow[ext]; !ok {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}

		frames = append(frames, domain.FrameSource{
			Path:    filepath.Join(dir, name),
			Name:    name,
			Ext:     ext,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w：%s", domain.ErrEmptyInput, dir)
	}

	if less == nil {
		less = ByName
	}
	sort.SliceStable(frames, func(i, j int) bool { return less(frames[i], frames[j]) })
	return frames, nil
}

// LessFor 把配置中的排序名映射为比较器。
func LessFor(order string) (Less, error) {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", OrderLexicographic:
		return ByName, nil
	case OrderNatural:
		return ByNaturalName, nil
	case OrderMtime:
		return ByModTime, nil
	default:
		return nil, fmt.Errorf("sort_order 只能是 lexicographic、natural 或 mtime，实际是 %q", order)
	}
}

// ByName 按文件名逐字节字典序。
func ByName(a, b domain.FrameSource) bool { return a.Name < b.Name }

// ByModTime 按修改时间，时间相同再按文件名。
func ByModTime(a, b domain.FrameSource) bool {
	if !a.ModTime.Equal(b.ModTime) {
		return a.ModTime.Before(b.ModTime)
	}
	return a.Name < b.Name
}

// ByNaturalName 把文件名中的数字段按整数比较：2.jpg < 10.jpg。
func ByNaturalName(a, b domain.FrameSource) bool { return naturalLess(a.Name, b.Name) }

var reNum = regexp.MustCompile(`\d+`)

func naturalLess(a, b string) bool {
	aa := reNum.FindAllStringIndex(a, -1)
	bb := reNum.FindAllStringIndex(b, -1)
	pa, pb := 0, 0
	for i := 0; i < len(aa) && i < len(bb); i++ {
		// 先比较数字段之前的文本。
		if a[pa:aa[i][0]] != b[pb:bb[i][0]] {
			return a[pa:aa[i][0]] < b[pb:bb[i][0]]
		}
		na, errA := strconv.ParseUint(a[aa[i][0]:aa[i][1]], 10, 64)
		nb, errB := strconv.ParseUint(b[bb[i][0]:bb[i][1]], 10, 64)
		if errA == nil && errB == nil && na != nb {
			return na < nb
		}
		pa, pb = aa[i][1], bb[i][1]
	}
	return a < b
}

func normExt(e string) string {
	e = strings.ToLower(strings.TrimSpace(e))
	if e != "" && !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}
