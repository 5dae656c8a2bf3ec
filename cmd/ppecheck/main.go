package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ayusman/ppecheck/internal/app"
	"github.com/ayusman/ppecheck/internal/config"
	"github.com/ayusman/ppecheck/internal/log"
	"github.com/ayusman/ppecheck/internal/server"
	"github.com/ayusman/ppecheck/internal/server/api"
	"github.com/ayusman/ppecheck/internal/store"
	"github.com/ayusman/ppecheck/internal/tray"
)

func main() {
	if err := run(); err != nil {
		log.Error("ppecheck failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log.Init(cfg.LogLevel)
	log.Info("ppecheck - PPE compliance capture")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	// Environment values are the defaults; stored settings override them.
	defaults := *cfg
	if stored, err := st.Settings().All(); err != nil {
		log.Warn("failed to read stored settings", "error", err)
	} else if err := cfg.ApplySettings(stored); err != nil {
		log.Warn("ignoring invalid stored settings", "error", err)
		*cfg = defaults
	}

	a, err := app.New(app.Config{
		BackendURL: cfg.BackendURL,
		CameraID:   cfg.CameraID,
		FPS:        cfg.FPS,
	})
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer a.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.CheckBackend(pingCtx)
	cancel()

	webDir := cfg.WebDir
	if webDir == "" {
		webDir = findWebDir(cfg.DataDir)
	}
	if webDir != "" {
		log.Info("serving static files", "dir", webDir)
	}

	srv := server.New(server.Config{
		StaticDir:        webDir,
		Store:            st,
		Sequencer:        a.Sequencer(),
		Preview:          a.Gateway(),
		Defaults:         defaults,
		OnSettingsChange: func(s api.Settings) { a.ApplySettings(s) },
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(cfg.Addr); err != nil {
			log.Error("http server failed", "error", err)
		}
		stop()
	}()

	if cfg.Tray {
		runTray(ctx, stop, a, uiURL(cfg.Addr))
	} else {
		<-ctx.Done()
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runTray blocks on the tray loop until quit or ctx is done.
func runTray(ctx context.Context, stop context.CancelFunc, a *app.App, url string) {
	seq := a.Sequencer()
	t := tray.New()

	action := func(name string, fn func() error) func() {
		return func() {
			go func() {
				if err := fn(); err != nil {
					log.Warn("tray action failed", "action", name, "error", err)
				}
			}()
		}
	}
	t.OnStart(action("start", seq.Start))
	t.OnStop(action("stop", seq.Stop))
	t.OnRetake(action("retake", seq.Retake))
	t.OnOpen(func() {
		if err := openBrowser(url); err != nil {
			log.Warn("failed to open browser", "url", url, "error", err)
		}
	})
	t.OnQuit(stop)

	t.SetStatus(seq.Snapshot())
	unsubscribe := seq.Subscribe(t.SetStatus)
	defer unsubscribe()

	go func() {
		<-ctx.Done()
		t.Quit()
	}()
	t.Run()
}

func uiURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	dataWebDir := filepath.Join(dataDir, "web")
	if info, err := os.Stat(dataWebDir); err == nil && info.IsDir() {
		return dataWebDir
	}

	return ""
}
