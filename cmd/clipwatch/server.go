package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/clipwatch/internal/api"
	"github.com/kalambet/clipwatch/internal/backend"
	"github.com/kalambet/clipwatch/internal/benchmark"
	"github.com/kalambet/clipwatch/internal/capture"
	"github.com/kalambet/clipwatch/internal/clock"
	"github.com/kalambet/clipwatch/internal/config"
	"github.com/kalambet/clipwatch/internal/connectivity"
	"github.com/kalambet/clipwatch/internal/recorder"
	"github.com/kalambet/clipwatch/internal/scoring"
	"github.com/kalambet/clipwatch/internal/session"
	"github.com/kalambet/clipwatch/internal/storage"
	"github.com/kalambet/clipwatch/internal/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the clipwatch daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		autostart, _ := cmd.Flags().GetBool("session")
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(autostart, mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running clipwatch daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clipwatch status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("session", false, "begin a monitoring session immediately")
	startCmd.Flags().Bool("mcp", false, "serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "clipwatch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func sessionSettings(cfg config.Config) session.Settings {
	threshold := cfg.Recording.MotionEventThreshold
	return session.Settings{
		ClipDuration:         cfg.Recording.ClipDuration,
		MotionEventThreshold: &threshold,
		Thresholds: benchmark.Thresholds{
			MotionDelta:          cfg.Thresholds.MotionDelta,
			MotionAbsolute:       cfg.Thresholds.MotionAbsolute,
			AudioDeltaEnabled:    cfg.Thresholds.AudioDeltaEnabled,
			AudioDelta:           cfg.Thresholds.AudioDelta,
			AudioAbsoluteEnabled: cfg.Thresholds.AudioAbsoluteEnabled,
			AudioAbsolute:        cfg.Thresholds.AudioAbsolute,
		},
	}
}

// captureStack is the clip producer plus the analyzer fed by its taps.
type captureStack struct {
	producer recorder.ClipProducer
	analyzer *capture.Analyzer
}

func analyzerConfig(c config.CaptureConfig) capture.AnalyzerConfig {
	ac := capture.AnalyzerConfig{
		Width:  c.Width,
		Height: c.Height,
		Gates: scoring.MotionGates{
			MaxBrightnessDelta: c.MaxBrightnessDelta,
			MinScore:           c.MinMotionScore,
		},
		DiffThreshold: c.DiffThreshold,
		MotionTrigger: c.MotionTrigger,
		AudioTrigger:  c.AudioTrigger,
	}
	if c.RegionWidth > 0 && c.RegionHeight > 0 {
		ac.Region = &scoring.Region{X: c.RegionX, Y: c.RegionY, Width: c.RegionWidth, Height: c.RegionHeight}
	}
	return ac
}

func buildCapture(cfg config.Config, logger *slog.Logger, onTrigger func(capture.Trigger)) captureStack {
	analyzer := capture.NewAnalyzer(analyzerConfig(cfg.Capture), capture.WithOnTrigger(onTrigger))

	if cfg.Capture.Source == config.SourceSynthetic {
		return captureStack{producer: &capture.SyntheticProducer{}, analyzer: analyzer}
	}

	// One ffmpeg per clip owns the devices and tees the analysis streams.
	video := strings.Fields(cfg.Capture.VideoInput)
	audio := strings.Fields(cfg.Capture.AudioInput)
	return captureStack{
		producer: &capture.FFmpegProducer{
			Binary:    cfg.Capture.FFmpegPath,
			InputArgs: append(append([]string{}, video...), audio...),
			Analysis: &capture.Analysis{
				Analyzer: analyzer,
				Video:    len(video) > 0,
				Audio:    len(audio) > 0,
				Width:    cfg.Capture.Width,
				Height:   cfg.Capture.Height,
				FPS:      cfg.Capture.FPS,
			},
			Logger: logger,
		},
		analyzer: analyzer,
	}
}

func runServer(autostart, serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "clipwatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
	logger := slog.Default()

	// Refuse to start twice: the health endpoint answers if a daemon is up.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("clipwatch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("clipwatch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	hub := api.NewHub(logger)
	defer hub.Close()

	// Backend and connectivity. Without a backend URL clips stay local.
	var (
		be         *backend.Client
		sessionsBE session.Backend
		uploadBE   upload.Backend
		online     connectivity.Signal = connectivity.Static(false)
		monitor    *connectivity.Monitor
	)
	if cfg.Backend.URL != "" {
		be = backend.NewClient(cfg.Backend.URL, cfg.Backend.Token)
		sessionsBE, uploadBE = be, be
		monitor = connectivity.NewMonitor(be, cfg.Connectivity.CheckInterval, logger)
		online = monitor
	} else {
		logger.Warn("backend.url not set, clips will be kept locally")
	}

	pipeline := upload.NewPipeline(store, uploadBE, online,
		upload.WithBackoff(upload.Backoff{Base: cfg.Upload.BackoffBase, Max: cfg.Upload.BackoffMax}),
		upload.WithInPassRetry(cfg.Upload.Retries, cfg.Upload.RetryDelay),
		upload.WithOnOutcome(hub.PublishUpload),
		upload.WithLogger(logger),
	)
	var onlineEvents <-chan struct{}
	if monitor != nil {
		onlineEvents = monitor.OnlineEvents()
	}
	worker := upload.NewWorker(pipeline, cfg.Upload.PollInterval, onlineEvents)

	cs := buildCapture(cfg, logger, hub.PublishTrigger)
	settings := sessionSettings(cfg)
	recCfg := recorder.Config{
		ClipDuration:         cfg.Recording.ClipDuration,
		SamplingInterval:     cfg.Recording.SamplingInterval,
		MotionEventThreshold: settings.MotionEventThreshold,
	}

	var uploader session.Uploader
	if be != nil {
		uploader = worker
	}
	mgr := session.NewManager(session.Config{
		Store:   store,
		Backend: sessionsBE,
		NewRecorder: func(onClip func(recorder.ClipCompleteData), onError func(error)) session.Recorder {
			return recorder.New(cs.producer, clock.Real(), cs.analyzer.MotionScore, cs.analyzer.AudioScore, recCfg,
				recorder.WithOnClipComplete(onClip),
				recorder.WithOnError(onError),
				recorder.WithLogger(logger),
			)
		},
		Uploader:   uploader,
		Settings:   settings,
		DeviceName: cfg.Backend.DeviceName,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		OnEvent:    hub.PublishSession,
		Logger:     logger,
	})

	handler := api.NewAppHandler(api.AppDeps{
		Sessions: mgr,
		Clips:    store,
		Uploads:  pipeline,
		History:  store,
		Online:   online,
		Events:   hub,
		Token:    cfg.Server.APIToken,
	})
	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token not set, local API is unauthenticated")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "clipwatch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if monitor != nil {
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		err := config.Watch(gctx, logger, func(next config.Config) {
			mgr.ApplySettings(sessionSettings(next))
		})
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		}
		return nil
	})

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Sessions: mgr, Clips: store, Uploads: pipeline})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	if autostart {
		if _, err := mgr.Start(ctx); err != nil {
			logger.Error("starting session", "error", err)
		}
	}

	<-gctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down...")

	// Flush the partial clip of a running session before exiting.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := mgr.Stop(stopCtx); err != nil && !errors.Is(err, session.ErrNotActive) {
		logger.Error("stopping session on shutdown", "error", err)
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("clipwatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop clipwatch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to clipwatch (PID %d)", pid)
	return nil
}

type statusResponse struct {
	Active  bool `json:"active"`
	Online  bool `json:"online"`
	Session *struct {
		SessionID string    `json:"session_id"`
		Remote    bool      `json:"remote"`
		StartedAt time.Time `json:"started_at"`
	} `json:"session"`
	Recorder  string `json:"recorder"`
	ClipIndex int    `json:"clip_index"`
	QueueSize int    `json:"queue_size"`
	Clips     struct {
		Total    int `json:"total"`
		Pending  int `json:"pending"`
		Failing  int `json:"failing"`
		Uploaded int `json:"uploaded"`
	} `json:"clips"`
	LastError string `json:"last_error"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	if err := writeStatus(ctx, client); err != nil {
		printStatus("Daemon", "stopped")
	}

	printStatus("Backend", "%s", backendStatus(ctx, cfg.Backend))
	printStatus("Capture", "%s %dx%d@%dfps", cfg.Capture.Source, cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS)
	printStatus("Clip duration", "%s", cfg.Recording.ClipDuration)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// backendStatus reports the normalized backend URL and whether it answers.
func backendStatus(ctx context.Context, bc config.BackendConfig) string {
	if bc.URL == "" {
		return "(not configured)"
	}
	be := backend.NewClient(bc.URL, bc.Token)
	if err := be.Ping(ctx); err != nil {
		return fmt.Sprintf("%s (%s)", be.BaseURL(), colorize(colorRed, "unreachable"))
	}
	return fmt.Sprintf("%s (%s)", be.BaseURL(), colorize(colorGreen, "reachable"))
}

func writeStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st statusResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	printStatus("Daemon", "running at %s", client.baseURL)
	if st.Online {
		printStatus("Connectivity", "%s", colorize(colorGreen, "online"))
	} else {
		printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
	}
	if st.Active && st.Session != nil {
		mode := "local"
		if st.Session.Remote {
			mode = "remote"
		}
		printStatus("Session", "%s (%s, since %s)", st.Session.SessionID, mode, st.Session.StartedAt.Local().Format(time.Kitchen))
		printStatus("Recorder", "%s, clip #%d, %d queued", st.Recorder, st.ClipIndex, st.QueueSize)
	} else {
		printStatus("Session", "none")
	}
	printStatus("Clips", "%d stored, %d pending (%d retrying), %d uploaded",
		st.Clips.Total, st.Clips.Pending, st.Clips.Failing, st.Clips.Uploaded)
	if st.LastError != "" {
		printStatus("Last error", "%s", colorize(colorRed, st.LastError))
	}
	return nil
}
