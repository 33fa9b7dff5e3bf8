package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sessmux/sessmux/internal/admission"
	"github.com/sessmux/sessmux/internal/config"
	"github.com/sessmux/sessmux/internal/database"
	"github.com/sessmux/sessmux/internal/framer"
	"github.com/sessmux/sessmux/internal/governor"
	"github.com/sessmux/sessmux/internal/handlers"
	"github.com/sessmux/sessmux/internal/logbatch"
	"github.com/sessmux/sessmux/internal/logging"
	"github.com/sessmux/sessmux/internal/mux"
	"github.com/sessmux/sessmux/internal/process"
	"github.com/sessmux/sessmux/internal/project"
	"github.com/sessmux/sessmux/internal/session"
	"github.com/sessmux/sessmux/internal/tunnel"
)

// gateFunc lets the registry be built before the governor that backs it.
type gateFunc func(projectID string, global, inProject int) error

func (f gateFunc) AdmitCreate(projectID string, global, inProject int) error {
	return f(projectID, global, inProject)
}

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-project":
			runCLICommand("create-project")
			return
		case "--list-projects":
			runCLICommand("list-projects")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	profiles, err := config.LoadProfiles(config.Cfg.ProfilePath)
	if err != nil {
		log.Fatalf("Profiles: %v", err)
	}
	if len(profiles) > 0 {
		log.Printf("Loaded %d session profiles from %s", len(profiles), config.Cfg.ProfilePath)
	}

	scrollback, err := config.Cfg.ScrollbackBytes()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	highWater, err := config.Cfg.MemoryHighWaterBytes()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	limiter := admission.New(admission.Config{
		CreateRatePerMinute: config.Cfg.CreateRatePerMinute,
		FailureThreshold:    config.Cfg.BreakerFailureThreshold,
		Cooldown:            config.Cfg.BreakerCooldown,
	})

	logStore := database.NewSessionLogStore(database.DB)
	batcher := logbatch.New(logStore, config.Cfg.LogFlushInterval, config.Cfg.LogBatchSize)
	batcher.Start(context.Background())

	var gov *governor.Governor
	registry := session.NewRegistry(session.RegistryConfig{
		ScrollbackBytes: scrollback,
		GracePeriod:     config.Cfg.SpawnGracePeriod,
		TurnMaxWait:     config.Cfg.TurnMaxWait,
		Spawn:           spawnFor(profiles),
		Detector:        detectorFor(profiles),
		Recorder:        batcher,
		Projects:        project.NewDBDirectory(database.DB),
		Admission:       limiter,
		OnRemove:        batcher.Forget,
		Gate: gateFunc(func(projectID string, global, inProject int) error {
			return gov.AdmitCreate(projectID, global, inProject)
		}),
	})

	gov = governor.New(governor.Config{
		MaxSessionsGlobal:     config.Cfg.MaxSessionsGlobal,
		MaxSessionsPerProject: config.Cfg.MaxSessionsPerProject,
		MaxActivePerProject:   config.Cfg.MaxActivePerProject,
		SuspensionTimeout:     config.Cfg.SuspensionTimeout,
		IdleSweepInterval:     config.Cfg.IdleSweepInterval,
		MemoryHighWater:       highWater,
	}, registry)
	if err := gov.Start(); err != nil {
		log.Fatalf("Governor start: %v", err)
	}

	m := mux.New(registry, gov)
	handlers.Registry = registry
	handlers.Mux = m

	log.Printf("Config: shell=%s ai-cli=%s scrollback=%d caps=%d/%d/%d",
		config.Cfg.ShellCommand, config.Cfg.AICLICommand, scrollback,
		config.Cfg.MaxSessionsGlobal, config.Cfg.MaxSessionsPerProject, config.Cfg.MaxActivePerProject)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}/sessions", func(r chi.Router) {
			r.Post("/", handlers.CreateSession)
			r.Get("/", handlers.ListSessions)
			r.Delete("/{sessionID}", handlers.DeleteSession)
			r.Get("/{sessionID}/logs", handlers.GetSessionLogs)
			r.Get("/{sessionID}/stream", handlers.StreamSession)
		})
	})

	var tun *tunnel.Server
	if config.Cfg.TunnelAddr != "" {
		tun = tunnel.New(registry, m)
		if err := tun.Start(config.Cfg.TunnelAddr); err != nil {
			log.Fatalf("Tunnel start: %v", err)
		}
		log.Printf("Tunnel listening on %s", tun.Addr())
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	gov.Stop()
	if tun != nil {
		tun.Stop()
	}
	registry.CloseAll(session.ReasonShutdown)
	batcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// spawnFor builds the subprocess factory. Profiles override the built-in
// command and PTY choice per session kind.
func spawnFor(profiles config.Profiles) func(session.Kind) (*process.Adapter, error) {
	return func(kind session.Kind) (*process.Adapter, error) {
		cfg := process.Config{
			Cols: 80,
			Rows: 24,
		}
		switch kind {
		case session.KindSystemShell:
			cfg.Command = []string{config.Cfg.ShellCommand}
			cfg.UsePTY = true
		case session.KindAICLI:
			cfg.Command = []string{config.Cfg.AICLICommand}
			cfg.UsePTY = false
		}
		if prof, ok := profiles[string(kind)]; ok {
			cfg.Command = prof.Command
			if prof.UsePTY != nil {
				cfg.UsePTY = *prof.UsePTY
			}
		}
		return process.Spawn(cfg)
	}
}

// detectorFor builds the turn-completion factory for ai-cli sessions.
func detectorFor(profiles config.Profiles) func(session.Kind) framer.Detector {
	return func(kind session.Kind) framer.Detector {
		quiet := config.Cfg.TurnQuietPeriod
		prof, ok := profiles[string(kind)]
		if ok && prof.QuietPeriod > 0 {
			quiet = prof.QuietPeriod
		}
		if ok && prof.Completion == "sentinel" {
			return &framer.SentinelDetector{
				Marker: []byte(prof.Sentinel),
				Quiet:  quiet,
			}
		}
		return &framer.InactivityDetector{Quiet: quiet}
	}
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	id := fs.String("id", "", "Project ID")
	name := fs.String("name", "", "Project display name")
	fs.Parse(os.Args[2:])

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "create-project":
		if *id == "" {
			fmt.Fprintf(os.Stderr, "Usage: sessmux --create-project --id <id> [--name <name>]\n")
			os.Exit(1)
		}
		if *name == "" {
			*name = *id
		}
		p := &database.Project{ID: *id, Name: *name}
		if err := database.DB.Create(p).Error; err != nil {
			log.Fatalf("Failed to create project: %v", err)
		}
		fmt.Printf("Project '%s' created successfully.\n", *id)

	case "list-projects":
		var projects []database.Project
		if err := database.DB.Order("created_at").Find(&projects).Error; err != nil {
			log.Fatalf("Failed to list projects: %v", err)
		}
		for _, p := range projects {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.CreatedAt.Format(time.RFC3339))
		}
	}
}
