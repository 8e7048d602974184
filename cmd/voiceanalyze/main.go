package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sekoia29/vose/internal/analysis"
	"github.com/sekoia29/vose/internal/config"
	"github.com/sekoia29/vose/internal/logger"
	"github.com/sekoia29/vose/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/vose.yaml", "配置文件路径")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "vose.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开本地存储失败: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "本地存储迁移失败: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		cmdRun(cfg, st, args[1:])
	case "list":
		cmdList(st, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "VOSE 音源时序分析工具")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "用法: voiceanalyze [-config <path>] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "命令:")
	fmt.Fprintln(os.Stderr, "  run [音源名 [样本目录]]  分析目录下全部 wav 样本并写入缓存")
	fmt.Fprintln(os.Stderr, "                          （缺省时取配置 engine.voice_name / voice_path）")
	fmt.Fprintln(os.Stderr, "  list <音源名>            查看缓存的分析结果")
}

func cmdRun(cfg *config.Config, st *store.Store, args []string) {
	voice := cfg.Engine.VoiceName
	dir := cfg.Engine.VoicePath
	if len(args) > 0 {
		voice = args[0]
	}
	if len(args) > 1 {
		dir = args[1]
	}
	if voice == "" || dir == "" {
		fmt.Fprintln(os.Stderr, "未指定音源名或样本目录（也可在配置中设置 engine.voice_name / voice_path）")
		os.Exit(1)
	}

	// VAD 模型可选：没有模型时退化为纯包络分析
	var detector *analysis.Detector
	if cfg.Analysis.VADModelPath != "" {
		var err error
		detector, err = analysis.NewDetector(cfg.Analysis.VADModelPath,
			cfg.Analysis.Threshold, cfg.Analysis.MinSilenceMs)
		if err != nil {
			log.Printf("[main] VAD 初始化失败，仅用包络分析: %v", err)
		} else {
			defer detector.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] 收到信号 %v，正在停止...", sig)
		cancel()
	}()

	analyzer := analysis.New(detector, st, cfg.Analysis.WindowMs)

	start := time.Now()
	analyzed, err := analyzer.Run(ctx, voice, dir, func(percent int, filename string) {
		fmt.Printf("\r分析中 %3d%% (%s)  ", percent, filename)
	})
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "分析中止: %v（已完成 %d 个）\n", err, analyzed)
		os.Exit(1)
	}
	log.Printf("[main] 分析完成: %d 个样本，用时 %v", analyzed, time.Since(start).Round(time.Millisecond))
}

func cmdList(st *store.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "用法: voiceanalyze list <音源名>")
		os.Exit(1)
	}

	results, err := st.ListAnalyses(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询分析结果失败: %v\n", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Printf("音源 %q 还没有分析结果。\n", args[0])
		return
	}

	fmt.Printf("音源 %q 的 %d 条分析结果:\n", args[0], len(results))
	fmt.Println("  音素        起音(s)  先行(s)  交叠(s)")
	for _, r := range results {
		fmt.Printf("  %-10s  %7.3f  %7.3f  %7.3f\n", r.Phoneme, r.Onset, r.PreUtterance, r.Overlap)
	}
}
