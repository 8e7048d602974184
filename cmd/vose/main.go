package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sekoia29/vose/internal/audio"
	"github.com/sekoia29/vose/internal/config"
	"github.com/sekoia29/vose/internal/engine"
	"github.com/sekoia29/vose/internal/logger"
	"github.com/sekoia29/vose/internal/render"
	"github.com/sekoia29/vose/internal/score"
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

	switch args[0] {
	case "export":
		cmdExport(cfg, args[1:])
	case "play":
		cmdPlay(cfg, args[1:])
	case "devices":
		cmdDevices(cfg)
	case "history":
		cmdHistory(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "VOSE 歌声合成工具")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "用法: vose [-config <path>] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "命令:")
	fmt.Fprintln(os.Stderr, "  export <工程文件> <输出wav>  离线渲染整首歌并写入 WAV")
	fmt.Fprintln(os.Stderr, "  play <工程文件>             实时试听（Ctrl-C 停止）")
	fmt.Fprintln(os.Stderr, "  devices                     列出可用的播放设备")
	fmt.Fprintln(os.Stderr, "  history [条数]              查看最近的渲染记录")
}

// watchSignals 在收到 SIGINT/SIGTERM 时取消 ctx。
func watchSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] 收到信号 %v，正在关闭...", sig)
		cancel()
	}()
}

// buildBridge 根据配置选择合成后端、创建桥接并加载音源。
func buildBridge(ctx context.Context, cfg *config.Config) (*engine.Bridge, error) {
	var (
		backend engine.Backend
		err     error
	)
	switch cfg.Engine.Backend {
	case "vse":
		backend, err = engine.NewVSEBackend()
		if err != nil {
			return nil, err
		}
	case "sine":
		backend = engine.NewSineBackend(cfg.Engine.TailSeconds)
	default:
		return nil, fmt.Errorf("未知的合成后端: %s", cfg.Engine.Backend)
	}

	bridge := engine.New(backend)
	if err := bridge.LoadVoice(ctx, cfg.Engine.VoiceName, cfg.Engine.VoicePath); err != nil {
		bridge.Close()
		return nil, fmt.Errorf("加载音源 %q 失败: %w", cfg.Engine.VoiceName, err)
	}
	return bridge, nil
}

// renderRate 以工程采样率为准，与配置不一致时提示一次。
func renderRate(cfg *config.Config, project *score.Project) int {
	if cfg.Audio.SampleRate != 0 && cfg.Audio.SampleRate != project.SampleRate {
		log.Printf("[main] 配置采样率 %d 与工程采样率 %d 不一致，以工程为准",
			cfg.Audio.SampleRate, project.SampleRate)
	}
	return project.SampleRate
}

// openHistory 打开本地存储。失败只降级为不记录历史，不阻止导出。
func openHistory(cfg *config.Config) *store.Store {
	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "vose.db"))
	if err != nil {
		log.Printf("[main] 打开本地存储失败（历史记录已禁用）: %v", err)
		return nil
	}
	if err := st.Migrate(); err != nil {
		log.Printf("[main] 本地存储迁移失败（历史记录已禁用）: %v", err)
		st.Close()
		return nil
	}
	return st
}

func cmdExport(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "用法: vose export <工程文件> <输出wav>")
		os.Exit(1)
	}
	projectPath, outPath := args[0], args[1]

	project, err := score.Load(projectPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载工程失败: %v\n", err)
		os.Exit(1)
	}
	notes := project.Snapshot()
	if len(notes) == 0 {
		fmt.Fprintln(os.Stderr, "工程中没有可渲染的歌声轨道")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(cancel)

	bridge, err := buildBridge(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化合成引擎失败: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Close()

	history := openHistory(cfg)
	if history != nil {
		defer history.Close()
	}

	exporter := render.NewExporter(bridge, renderRate(cfg, project), history)

	log.Printf("[main] 开始导出 %s（%d 个音符）", projectPath, len(notes))
	start := time.Now()
	err = exporter.Export(ctx, notes, outPath, func(percent int, label string) {
		fmt.Printf("\r渲染中 %3d%% (%s)  ", percent, label)
	})
	fmt.Println()
	if err != nil {
		if errors.Is(err, render.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "导出已取消")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "导出失败: %v\n", err)
		os.Exit(1)
	}
	log.Printf("[main] 已写入 %s，用时 %v", outPath, time.Since(start).Round(time.Millisecond))
}

func cmdPlay(cfg *config.Config, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "用法: vose play <工程文件>")
		os.Exit(1)
	}

	project, err := score.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载工程失败: %v\n", err)
		os.Exit(1)
	}
	notes := project.Snapshot()
	if len(notes) == 0 {
		fmt.Fprintln(os.Stderr, "工程中没有可渲染的歌声轨道")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(cancel)

	sampleRate := renderRate(cfg, project)

	bridge, err := buildBridge(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化合成引擎失败: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Close()

	sink, err := audio.NewSink(audio.SinkConfig{
		SampleRate:     sampleRate,
		Channels:       cfg.Audio.Channels,
		PeriodFrames:   cfg.Audio.PeriodFrames,
		RingFrames:     cfg.Audio.RingFrames,
		DevicePriority: cfg.Audio.DevicePriority,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化音频输出失败: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()

	preview := render.NewPreview(bridge, sink, render.PreviewConfig{
		SampleRate:       sampleRate,
		LookaheadSeconds: cfg.Render.LookaheadSeconds,
		DebounceMs:       cfg.Render.PreviewDebounceMs,
	})
	defer preview.Close()

	preview.SetBackingTracks(project.WaveTracks())

	if err := preview.Play(notes); err != nil {
		fmt.Fprintf(os.Stderr, "启动试听失败: %v\n", err)
		os.Exit(1)
	}
	log.Printf("[main] 正在播放 %s（Ctrl-C 停止）", project.Name)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			preview.Stop()
			log.Println("[main] 播放已停止")
			return
		case <-ticker.C:
			if !preview.IsPlaying() {
				log.Printf("[main] 播放完毕（%.1fs，欠载 %d 次）",
					preview.Position(), sink.Underruns())
				return
			}
		}
	}
}

func cmdDevices(cfg *config.Config) {
	devices, err := audio.ListPlaybackDevices(cfg.Audio.DevicePriority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "枚举播放设备失败: %v\n", err)
		os.Exit(1)
	}

	if len(cfg.Audio.DevicePriority) > 0 {
		fmt.Printf("后端优先级: %v\n", cfg.Audio.DevicePriority)
	} else {
		fmt.Println("后端优先级: 平台默认")
	}

	if len(devices) == 0 {
		fmt.Println("未发现播放设备。")
		return
	}
	fmt.Printf("发现 %d 个播放设备:\n", len(devices))
	for i, d := range devices {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Printf("  %s %d: %s\n", mark, i, d.Name)
	}
}

func cmdHistory(cfg *config.Config, args []string) {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "无效的条数: %s\n", args[0])
			os.Exit(1)
		}
		limit = n
	}

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

	records, err := st.RecentRenders(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询渲染历史失败: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("还没有渲染记录。")
		return
	}

	fmt.Printf("最近 %d 次渲染:\n", len(records))
	for _, r := range records {
		line := fmt.Sprintf("  %s  %-9s  %d 个音符",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.NoteCount)
		if r.OutputPath != "" {
			line += "  → " + r.OutputPath
		}
		if r.Detail != "" {
			line += "（" + r.Detail + "）"
		}
		fmt.Println(line)
	}
}
