// Douyutap CLI entry point.
//
// This tool de-frames the Douyu records carried in a browser plugin's network
// buffers and mirrors their text to the log, a Redis pub/sub channel and the
// page's script callbacks.
//
// It runs as a Chrome native-messaging host (-mode native) or replays a
// recorded capture (-mode replay). Without -mode it asks interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/douyutap/internal/app"
	"github.com/1ureka/douyutap/internal/config"
	"github.com/1ureka/douyutap/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	mode := flag.String("mode", "", "Mode: native or replay")
	configPath := flag.String("config", "", "Optional TOML config file (environment overrides it)")
	replayPath := flag.String("replay", "", "Capture file to replay (replay only)")
	recordPath := flag.String("record", "", "Append every received buffer to this capture file (native only)")
	instance := flag.String("instance", "", "Instance id for replayed buffers (default: random)")
	listen := flag.String("listen", "127.0.0.1:0", "Script bridge address for replay; empty discards callbacks")
	wait := flag.Bool("wait", true, "Hold the replay until a page connects to the bridge")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	switch *mode {
	case "":
		// No -mode flag → interactive mode.
		printBanner()
		runInteractive(ctx, cfg, *listen)

	case "native":
		// stdout carries the native-messaging stream.
		util.SetOutput(os.Stderr)
		runNative(ctx, cfg, *recordPath)

	case "replay":
		if *replayPath == "" {
			util.LogError("missing -replay for replay mode")
			os.Exit(1)
		}
		printBanner()
		runReplay(ctx, cfg, app.ReplayOptions{
			Instance:    *instance,
			Listen:      *listen,
			WaitForPage: *wait && *listen != "",
		}, *replayPath)

	default:
		util.LogError("invalid -mode: must be 'native' or 'replay'")
		os.Exit(1)
	}
}

func printBanner() {
	pterm.Info.Println(fmt.Sprintf("Douyutap — v%s", version))
	pterm.Println()
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for a capture to replay when no -mode flag is given.
// Native mode is never interactive: the browser starts it.
func runInteractive(ctx context.Context, cfg config.Config, listen string) {
	path := askPath("Capture file to replay")

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Bridge  — Serve callbacks to a page", "Offline — Log and publish only"}).
		WithDefaultText("Select callback delivery").
		Show()
	pterm.Println()

	opts := app.ReplayOptions{}
	if strings.HasPrefix(choice, "Bridge") {
		opts.Listen = listen
		opts.WaitForPage = true
	}
	runReplay(ctx, cfg, opts, path)
}

func runNative(ctx context.Context, cfg config.Config, recordPath string) {
	var record io.Writer
	if recordPath != "" {
		f, err := os.OpenFile(recordPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			util.LogError("failed to open capture file: %v", err)
			os.Exit(1)
		}
		defer f.Close()
		record = f
	}

	util.StartStatsReporter(ctx)

	err := app.RunNative(ctx, cfg, app.NativeOptions{In: os.Stdin, Out: os.Stdout, Record: record})
	if err != nil {
		util.LogError("native host stopped: %v", err)
		os.Exit(1)
	}
}

func runReplay(ctx context.Context, cfg config.Config, opts app.ReplayOptions, path string) {
	f, err := os.Open(path)
	if err != nil {
		util.LogError("failed to open capture: %v", err)
		os.Exit(1)
	}
	defer f.Close()
	opts.Capture = f

	util.StartStatsReporter(ctx)

	if err := app.RunReplay(ctx, cfg, opts); err != nil {
		util.LogError("replay failed: %v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askPath prompts until an existing file path is entered.
func askPath(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		path := strings.TrimSpace(raw)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			pterm.Println()
			return path
		}

		util.LogWarning("no such file: %s", path)
		pterm.Println()
	}
}
