package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli"

	"github.com/John-Robertt/gifreel/internal/app/run"
	"github.com/John-Robertt/gifreel/internal/config"
	"github.com/John-Robertt/gifreel/internal/domain"
	"github.com/John-Robertt/gifreel/internal/infra/fsx"
	"github.com/John-Robertt/gifreel/internal/manifest"
	"github.com/John-Robertt/gifreel/internal/provider/gallery"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

func main() {
	env := cliEnv{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		stdoutTTY: isTTY(os.Stdout),
		stderrTTY: isTTY(os.Stderr),
	}
	os.Exit(runCLI(os.Args, env))
}

// cliEnv 描述 CLI 的输出端；测试用 buffer 替换。
type cliEnv struct {
	stdout    io.Writer
	stderr    io.Writer
	stdoutTTY bool
	stderrTTY bool

	// cwd 为空时取进程工作目录。
	cwd string
}

func runCLI(args []string, env cliEnv) int {
	app := newApp(env)
	err := app.Run(args)
	if err == nil {
		return exitOK
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := ec.Error(); msg != "" {
			fmt.Fprintln(env.stderr, msg)
		}
		return ec.ExitCode()
	}
	fmt.Fprintf(env.stderr, "参数错误：%v\n", err)
	return exitInvalid
}

func newApp(env cliEnv) *cli.App {
	app := cli.NewApp()
	app.Name = "gifreel"
	app.Usage = "把图片目录（或在线图集）转成分片、留边的动画 GIF"
	app.UsageText = "gifreel <command> [options] <args>"
	app.HideVersion = true
	app.Writer = env.stdout
	app.ErrWriter = env.stderr
	// 退出码由 runCLI 统一决定，不让 cli 包直接 os.Exit。
	app.ExitErrHandler = func(*cli.Context, error) {}

	app.Commands = []cli.Command{
		{
			Name:      "make",
			Usage:     "把一个图片目录编码为 GIF",
			ArgsUsage: "<folder|gallery-url>",
			Flags: concatFlags(
				[]cli.Flag{
					cli.StringFlag{Name: "output, o", Usage: "输出 GIF 路径（分片时派生 _p1/_p2...）"},
					cli.IntFlag{Name: "pages", Usage: "source 为图集地址时抓取的索引页数"},
				},
				pipelineFlags(),
				fetchFlags(),
				commonFlags(),
			),
			Action: func(c *cli.Context) error { return makeCmd(c, env) },
		},
		{
			Name:      "batch",
			Usage:     "按清单（source,page_limit,output_name）依次执行",
			ArgsUsage: "<manifest.csv>",
			Flags:     concatFlags(pipelineFlags(), fetchFlags(), commonFlags()),
			Action:    func(c *cli.Context) error { return batchCmd(c, env) },
		},
		{
			Name:      "fetch",
			Usage:     "只下载图集，不编码",
			ArgsUsage: "<gallery-url>",
			Flags: concatFlags(
				[]cli.Flag{
					cli.IntFlag{Name: "pages", Value: 1, Usage: "抓取的索引页数"},
					cli.StringFlag{Name: "dir", Usage: "下载目录"},
				},
				fetchFlags(),
				commonFlags(),
			),
			Action: func(c *cli.Context) error { return fetchCmd(c, env) },
		},
	}
	return app
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "box", Usage: "目标画布 WxH，none 表示不缩放（默认 " + config.DefaultBox + "）"},
		cli.Float64Flag{Name: "fps", Usage: "每秒帧数（默认 1）"},
		cli.IntFlag{Name: "chunk", Usage: "单个 GIF 的最大帧数（默认 " + strconv.Itoa(config.DefaultChunkSize) + "）"},
		cli.StringFlag{Name: "pad", Usage: "留边颜色 r,g,b 或 #rrggbb（默认 " + config.DefaultPadding + "）"},
		cli.StringFlag{Name: "sort", Usage: "帧排序：lexicographic|natural|mtime"},
		cli.StringFlag{Name: "policy", Usage: "坏帧策略：skip|abort"},
		cli.StringFlag{Name: "filter", Usage: "缩放滤镜：lanczos|catmullrom|bilinear"},
		cli.IntFlag{Name: "workers", Usage: "并行编码的分片数"},
		cli.IntFlag{Name: "frame-workers", Usage: "分片内并行解码的帧数"},
	}
}

func fetchFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "provider", Usage: "图集站点解析器（默认 " + config.DefaultProvider + "）"},
		cli.BoolFlag{Name: "dry-run", Usage: "只解析与规划，不写任何文件"},
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "配置文件路径（默认读取 ./" + config.FileName + "，不存在则忽略）"},
		cli.StringFlag{Name: "report", Usage: "把 RunReport JSON 写入该文件"},
		cli.BoolFlag{Name: "verbose", Usage: "输出 debug 日志"},
	}
}

func concatFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func makeCmd(c *cli.Context, env cliEnv) error {
	if c.NArg() != 1 {
		return usageError(c, "make 需要且只需要一个 <folder|gallery-url>")
	}
	out := strings.TrimSpace(c.String("output"))
	if out == "" {
		return usageError(c, "make 需要 -o <out.gif>")
	}
	cwd, err := env.workDir()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("读取当前目录失败：%v", err), exitFailed)
	}

	pages := ""
	if c.IsSet("pages") {
		pages = strconv.Itoa(c.Int("pages"))
	}
	job, err := manifest.NewJob(0, c.Args().First(), pages, out, cwd)
	if err != nil {
		return usageError(c, err.Error())
	}
	return execute(c, env, []manifest.Entry{{Job: job}}, false)
}

func batchCmd(c *cli.Context, env cliEnv) error {
	if c.NArg() != 1 {
		return usageError(c, "batch 需要且只需要一个 <manifest.csv>")
	}
	cwd, err := env.workDir()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("读取当前目录失败：%v", err), exitFailed)
	}
	path := c.Args().First()
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	entries, err := manifest.Load(path)
	if err != nil {
		return cli.NewExitError(err.Error(), exitInvalid)
	}
	return execute(c, env, entries, false)
}

func fetchCmd(c *cli.Context, env cliEnv) error {
	if c.NArg() != 1 {
		return usageError(c, "fetch 需要且只需要一个 <gallery-url>")
	}
	src := strings.TrimSpace(c.Args().First())
	dir := strings.TrimSpace(c.String("dir"))
	if dir == "" {
		return usageError(c, "fetch 需要 --dir <目录>")
	}
	pages := c.Int("pages")
	if pages < 1 {
		return usageError(c, fmt.Sprintf("--pages 必须 >= 1，实际是 %d", pages))
	}
	cwd, err := env.workDir()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("读取当前目录失败：%v", err), exitFailed)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dir)
	}

	job := domain.Job{ID: src, Source: src, PageLimit: pages, Folder: filepath.Clean(dir)}
	if !job.Remote() {
		return usageError(c, fmt.Sprintf("fetch 需要 http(s) 图集地址，实际是 %q", src))
	}
	return execute(c, env, []manifest.Entry{{Job: job}}, true)
}

// execute 加载配置、执行 job 并输出报告；返回值决定退出码。
func execute(c *cli.Context, env cliEnv, entries []manifest.Entry, fetchOnly bool) error {
	cwd, err := env.workDir()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("读取当前目录失败：%v", err), exitFailed)
	}
	eff, err := config.LoadEffective(cwd, cliArgs(c))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("配置错误：%v", err), exitInvalid)
	}

	log := newLogger(env.stderr, c.Bool("verbose"), env.stderrTTY)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var obs run.Observer
	progressW, interactive := pickProgressWriter(env)
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(ctx, eff, entries, run.Options{
		Registry:  gallery.Registry(),
		FetchOnly: fetchOnly,
		Logger:    log,
	}, obs)

	if p := strings.TrimSpace(c.String("report")); p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		if err := writeReportFile(p, rr); err != nil {
			emitReport(env, rr)
			return cli.NewExitError(fmt.Sprintf("写入报告失败：%v", err), exitFailed)
		}
		if interactive {
			fmt.Fprintf(progressW, "report: %s\n", p)
		}
	}

	emitReport(env, rr)
	if rr.Summary.Failed > 0 {
		return cli.NewExitError("", exitFailed)
	}
	return nil
}

// cliArgs 只收集显式给出的 flag，未给出的保持 nil，交给配置文件与默认值。
func cliArgs(c *cli.Context) config.CLIArgs {
	a := config.CLIArgs{
		ConfigPath:   c.String("config"),
		Box:          stringFlag(c, "box"),
		Padding:      stringFlag(c, "pad"),
		SortOrder:    stringFlag(c, "sort"),
		DecodePolicy: stringFlag(c, "policy"),
		Filter:       stringFlag(c, "filter"),
		ChunkSize:    intFlag(c, "chunk"),
		Concurrency:  intFlag(c, "workers"),
		FrameWorkers: intFlag(c, "frame-workers"),
		Provider:     stringFlag(c, "provider"),
	}
	if c.IsSet("fps") {
		v := c.Float64("fps")
		a.FPS = &v
	}
	if c.IsSet("dry-run") {
		v := c.Bool("dry-run")
		a.DryRun = &v
	}
	return a
}

func stringFlag(c *cli.Context, name string) *string {
	if !c.IsSet(name) {
		return nil
	}
	v := c.String(name)
	return &v
}

func intFlag(c *cli.Context, name string) *int {
	if !c.IsSet(name) {
		return nil
	}
	v := c.Int(name)
	return &v
}

func usageError(c *cli.Context, msg string) error {
	return cli.NewExitError(fmt.Sprintf("参数错误：%s\n使用 \"gifreel %s --help\" 查看详细说明。", msg, c.Command.Name), exitInvalid)
}

func newLogger(w io.Writer, verbose, color bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		NoColor:    !color,
	}))
}

func emitReport(env cliEnv, rr domain.RunReport) {
	s := rr.Summary
	line := fmt.Sprintf("完成：success=%d partial=%d empty=%d failed=%d artifacts=%d frames=%d skipped=%d",
		s.Success, s.Partial, s.Empty, s.Failed, s.Artifacts, s.Frames, s.Skipped,
	)

	if env.stdoutTTY {
		fmt.Fprintln(env.stdout, line)
		for _, jr := range rr.Jobs {
			if jr.Status != domain.StatusFailed && jr.Status != domain.StatusPartial {
				continue
			}
			key := jr.ID
			if key == "" {
				key = jr.Source
			}
			if key == "" {
				key = "<unknown>"
			}
			if jr.Status == domain.StatusFailed {
				fmt.Fprintf(env.stderr, "%s %s: %s\n", key, jr.ErrorCode, jr.ErrorMsg)
				continue
			}
			for _, a := range jr.Artifacts {
				for _, sk := range a.Skipped {
					fmt.Fprintf(env.stderr, "%s 跳过 %s: %s\n", key, sk.Path, sk.ErrorMsg)
				}
				if a.Status == domain.ArtifactStatusFailed {
					fmt.Fprintf(env.stderr, "%s %s %s: %s\n", key, a.Path, a.ErrorCode, a.ErrorMsg)
				}
			}
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(env.stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(env.stderr, line)
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}

func (e cliEnv) workDir() (string, error) {
	if e.cwd != "" {
		return filepath.Abs(e.cwd)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Abs(cwd)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter(env cliEnv) (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if env.stderrTTY {
		return env.stderr, true
	}
	if env.stdoutTTY {
		return env.stdout, true
	}
	return nil, false
}
