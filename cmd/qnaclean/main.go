package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"qnaclean/internal/batch"
	cfgpkg "qnaclean/internal/config"
	"qnaclean/internal/converge"
	"qnaclean/internal/diag"
	"qnaclean/internal/export"
	"qnaclean/pkg/contract"
	wfs "qnaclean/plugins/writer/filesystem"
)

// 退出码：0 成功；1 运行期失败；2 未收敛/仍有无效行；3 配置错误。
const (
	exitOK          = 0
	exitRuntime     = 1
	exitNotResolved = 2
	exitConfig      = 3
)

// exitError 携带退出码的命令错误。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

// app: 一次进程运行的共享状态（旗标、输出流、日志）。
type app struct {
	stdout io.Writer
	stderr io.Writer

	flagConfig          string
	flagLLM             string
	flagLogLevel        string
	flagStatus          bool
	flagCheckpointEvery int
	flagMaxIterations   int

	corrID string
	start  time.Time
	logger *diag.Logger
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行 CLI 并返回退出码。
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = cfgpkg.LoadDotEnv(".env")

	a := &app{stdout: stdout, stderr: stderr, corrID: uuid.NewString(), start: time.Now()}
	defer func() { _ = a.logger.Close() }()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && !errors.Is(ee.err, context.Canceled) {
			fprintf(stderr, "%v\n", ee.err)
		}
		return ee.code
	}
	// cobra 旗标/参数错误
	fprintf(stderr, "%v\n", err)
	return exitConfig
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qnaclean",
		Short:         "Reformulate and categorize question/answer datasets with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flagConfig, "config", "", "配置文件路径（JSON/YAML）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	pf.StringVar(&a.flagLLM, "llm", "", "provider 名称（覆盖配置）")
	pf.StringVar(&a.flagLogLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	pf.BoolVar(&a.flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	// -1 表示未覆盖；0 具有语义（仅结束时写入）。
	pf.IntVar(&a.flagCheckpointEvery, "checkpoint-every", -1, "每 N 条结果写一次检查点（覆盖配置；0 表示仅结束时写入）")
	pf.IntVar(&a.flagMaxIterations, "max-iterations", 0, "收敛循环最多重处理轮数（覆盖配置）")

	root.AddCommand(a.runCmd(), a.convergeCmd(), a.checkCmd(), a.exportCmd(), a.initCmd())
	return root
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [dataset]",
		Short: "Process every dataset record not yet in the result table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.process(cmd.Context(), args, false)
		},
	}
}

func (a *app) convergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "converge [dataset]",
		Short: "Process pending records, then reprocess invalid rows until every category is valid",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.process(cmd.Context(), args, true)
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report rows whose category is not a valid number (exit 2 if any)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return fail(exitConfig, err)
			}
			tb, err := cfgpkg.OpenTable(cfg)
			if err != nil {
				return fail(exitConfig, err)
			}
			defer tb.Close()
			recs, err := tb.Load(cmd.Context())
			if err != nil {
				a.logger.Error("check", string(diag.Classify(err)), "load table", &a.start)
				return fail(exitRuntime, err)
			}
			invalid := contract.Invalid(recs)
			pct := 0.0
			if len(recs) > 0 {
				pct = float64(len(invalid)) * 100 / float64(len(recs))
			}
			fprintf(a.stdout, "rows %s | invalid %s (%.2f%%)\n",
				humanize.Comma(int64(len(recs))), humanize.Comma(int64(len(invalid))), pct)
			if len(invalid) > 0 {
				ids := make([]string, 0, len(invalid))
				for _, id := range invalid {
					ids = append(ids, fmt.Sprint(int64(id)))
				}
				a.logger.Warn("check", "invalid rows", map[string]string{"ids": strings.Join(ids, ",")})
				return fail(exitNotResolved, nil)
			}
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var (
		out       string
		format    string
		validOnly bool
		answerMD  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the result table as JSONL or Markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return fail(exitConfig, err)
			}
			if strings.TrimSpace(out) == "" {
				return fail(exitConfig, fmt.Errorf("export: --out required: %w", contract.ErrPathInvalid))
			}
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return fail(exitConfig, err)
			}
			tb, err := cfgpkg.OpenTable(cfg)
			if err != nil {
				return fail(exitConfig, err)
			}
			defer tb.Close()
			ctx := cmd.Context()
			recs, err := tb.Load(ctx)
			if err != nil {
				return fail(exitRuntime, err)
			}
			opts := export.Options{Format: f, ValidOnly: validOnly, AnswerMarkdown: answerMD}
			ex := export.New()
			t := a.logger.Start("export", "render")
			var n int
			if out == "-" {
				n, err = ex.Render(a.stdout, recs, opts)
			} else {
				w, id, werr := wfs.ForFile(out, wfs.Options{})
				if werr != nil {
					return fail(exitConfig, werr)
				}
				n, err = ex.ToArtifact(ctx, w, id, recs, opts)
			}
			if err != nil {
				a.logger.Error("export", string(diag.Classify(err)), "render", &a.start)
				return fail(exitRuntime, err)
			}
			t.Finish("render", int64(n))
			if out != "-" {
				fprintf(a.stderr, "exported %s rows to %s\n", humanize.Comma(int64(n)), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "输出文件路径（\"-\" 表示 stdout）")
	cmd.Flags().StringVar(&format, "format", "jsonl", "输出格式 jsonl|markdown")
	cmd.Flags().BoolVar(&validOnly, "valid-only", false, "仅导出类别有效的行")
	cmd.Flags().BoolVar(&answerMD, "answer-markdown", false, "JSONL 行附加 answer_markdown 字段")
	return cmd
}

func (a *app) initCmd() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write config and .env templates (never overwrites)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			p, err := cfgpkg.WriteTemplates(cmd.Context(), dir, asYAML)
			if err != nil {
				return fail(exitConfig, fmt.Errorf("生成默认配置失败: %w", err))
			}
			fprintf(a.stdout, "%s\n", p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "生成 config.yaml 而非 config.json")
	return cmd
}

// process: run / converge 的公共流程（装配、读数据集、续跑待处理记录、可选收敛循环）。
func (a *app) process(ctx context.Context, args []string, loop bool) error {
	cfg, err := a.loadConfig(args)
	if err != nil {
		return fail(exitConfig, err)
	}
	if strings.TrimSpace(cfg.Dataset) == "" {
		return fail(exitConfig, fmt.Errorf("dataset not set: %w", contract.ErrPathInvalid))
	}
	asm, err := cfgpkg.Assemble(cfg)
	if err != nil {
		_ = dumpConfig(a.stderr, cfg)
		a.logger.Error("config", string(diag.Classify(err)), "assemble", &a.start)
		return fail(exitConfig, err)
	}
	defer asm.Table.Close()

	if ep := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); ep != "" {
		shutdown, err := diag.SetupOTLP(ctx, ep, time.Duration(cfg.Telemetry.IntervalSeconds)*time.Second)
		if err != nil {
			a.logger.Warn("telemetry", "otlp disabled", map[string]string{"error": err.Error()})
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	term := diag.NewTerminal(a.stderr, a.flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.LLM)
	a.logEffective(cfg)

	records, err := asm.Dataset.Read(ctx, cfg.Dataset)
	if err != nil {
		return a.runtimeFailure(term, "dataset", err, diag.Summary{})
	}
	existing, err := asm.Table.Load(ctx)
	if err != nil {
		return a.runtimeFailure(term, "table", err, diag.Summary{})
	}
	pending := batch.Pending(records, contract.NewRows(existing))
	a.logger.DebugStart("batch", "resume", "", "run", map[string]string{
		"dataset": fmt.Sprint(len(records)), "done": fmt.Sprint(len(existing)), "pending": fmt.Sprint(len(pending)),
	})

	set := asm.Settings
	set.Pass = "run"
	_, total, err := batch.Run(ctx, asm.Batch, set, pending, a.logger)
	if err != nil {
		return a.runtimeFailure(term, "batch", err, a.summary(ctx, asm.Table, total, ""))
	}

	if !loop {
		s := a.summary(ctx, asm.Table, total, "")
		a.finish(term, true, s)
		return nil
	}

	proc := func(ctx context.Context, pass int, recs []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error) {
		ps := asm.Settings
		ps.Pass = fmt.Sprintf("pass %d", pass)
		return batch.Run(ctx, asm.Batch, ps, recs, a.logger)
	}
	rep, err := converge.Run(ctx, proc, records, asm.Table, asm.Converge, a.logger)
	total = total.Add(rep.Metrics)
	if err != nil {
		return a.runtimeFailure(term, "converge", err, a.summary(ctx, asm.Table, total, string(rep.Outcome)))
	}
	s := a.summary(ctx, asm.Table, total, string(rep.Outcome))
	if rerr := rep.Err(); rerr != nil {
		a.logger.ErrorWithKV("converge", string(diag.Classify(rerr)), rerr.Error(), &a.start, "", fmt.Sprint(rep.Passes),
			map[string]string{"unresolved": fmt.Sprint(len(rep.Unresolved))})
		a.finish(term, false, s)
		return fail(exitNotResolved, rerr)
	}
	a.finish(term, true, s)
	return nil
}

// runtimeFailure 记录首个运行期错误并返回退出码 1（取消时同样为 1，但不打印错误）。
func (a *app) runtimeFailure(term *diag.Terminal, comp string, err error, s diag.Summary) error {
	code := diag.Classify(err)
	a.logger.Error(comp, string(code), "first error", &a.start)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	a.finish(term, false, s)
	return fail(exitRuntime, err)
}

func (a *app) finish(term *diag.Terminal, ok bool, s diag.Summary) {
	s.Duration = time.Since(a.start)
	if ok {
		diag.IncOp("cli", "finish", "success")
		diag.ObserveDuration("cli", "finish", s.Duration.Milliseconds())
	}
	term.RunFinish(ok, s)
}

// summary 读取结果表的最终状态（加载失败时仅填充计量）。
func (a *app) summary(ctx context.Context, tb contract.Table, m contract.RunMetrics, outcome string) diag.Summary {
	s := diag.Summary{Tokens: m.TotalTokens, Cost: m.TotalCost, Outcome: outcome}
	recs, err := tb.Load(context.WithoutCancel(ctx))
	if err != nil {
		return s
	}
	s.Rows = len(recs)
	s.Invalid = len(contract.Invalid(recs))
	return s
}

// loadConfig 合并 defaults → 配置文件/JSON → ENV → CLI，并按最终等级重建 logger。
func (a *app) loadConfig(args []string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := a.flagConfig
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		over, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, over)
	}
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		over, err := cfgpkg.LoadJSON("", []byte(s))
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, over)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	overCLI := cfgpkg.Config{CheckpointEvery: a.flagCheckpointEvery}
	overCLI.LLM = a.flagLLM
	overCLI.Logging.Level = a.flagLogLevel
	overCLI.Converge.MaxIterations = a.flagMaxIterations
	if len(args) > 0 {
		overCLI.Dataset = args[0]
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	a.logger = diag.New(diag.Options{
		CorrID:  a.corrID,
		Level:   cfg.Logging.Level,
		Dir:     cfg.Logging.Dir,
		Console: cfg.Logging.Console,
	})
	return cfg, nil
}

// logEffective: debug 级输出运行时配置（不含密钥）。
func (a *app) logEffective(cfg cfgpkg.Config) {
	kv := map[string]string{
		"dataset":           cfg.Dataset,
		"model":             cfg.Model,
		"max_output_tokens": fmt.Sprint(cfg.MaxOutputTokens),
		"checkpoint_every":  fmt.Sprint(cfg.CheckpointEvery),
		"llm":               cfg.LLM,
		"dataset_reader":    cfg.Components.Dataset,
		"prompt_builder":    cfg.Components.PromptBuilder,
		"decoder":           cfg.Components.Decoder,
		"table":             cfg.Components.Table,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["provider_model"] = s.Model
		}
	}
	a.logger.DebugStart("config", "effective", "", "", kv)
}

func fprintf(w io.Writer, format string, args ...any) { _, _ = fmt.Fprintf(w, format, args...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = io.WriteString(w, "有效配置:\n")
	_, _ = w.Write(append(b, '\n'))
	return nil
}
