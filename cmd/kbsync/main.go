package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/kbsync/catalog"
	"github.com/hazyhaar/kbsync/contentstore"
	"github.com/hazyhaar/kbsync/dbopen"
	"github.com/hazyhaar/kbsync/events"
	"github.com/hazyhaar/kbsync/horosafe"
	"github.com/hazyhaar/kbsync/httpmw"
	"github.com/hazyhaar/kbsync/ingest"
	"github.com/hazyhaar/kbsync/mcpquic"
	"github.com/hazyhaar/kbsync/syncer"
	"github.com/hazyhaar/kbsync/watch"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

func main() {
	port := env("PORT", "8086")
	configPath := env("CONFIG", "kbsync.yaml")
	mcpTransport := env("MCP_TRANSPORT", "")
	adminTokenHash := env("ADMIN_TOKEN_HASH", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// A plaintext ADMIN_TOKEN is strength-checked and hashed at startup, for
	// deployments without a bcrypt tool at hand. A pre-hashed
	// ADMIN_TOKEN_HASH wins when both are set.
	if adminTokenHash == "" {
		if token := os.Getenv("ADMIN_TOKEN"); token != "" {
			if err := horosafe.ValidateSecret([]byte(token)); err != nil {
				slog.Error("admin token", "error", err)
				os.Exit(1)
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				slog.Error("hash admin token", "error", err)
				os.Exit(1)
			}
			adminTokenHash = string(hash)
		}
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Engine configuration: YAML overlaid on defaults. DATA_DIR wins over
	// both; clearing the derived paths lets the service re-derive them
	// under the new root.
	cfg, err := syncer.LoadConfig(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.RegistryPath = ""
		cfg.StatePath = ""
	}

	enginePath := env("ENGINE_DB", filepath.Join(cfg.DataDir, "engine.db"))
	catalogPath := env("CATALOG_DB", filepath.Join(cfg.DataDir, "catalog.db"))
	contentPath := env("CONTENT_DB", filepath.Join(cfg.DataDir, "content.db"))

	// Engine DB — the job table and the event log share it.
	engineDB, err := dbopen.Open(enginePath, dbopen.WithMkdirAll(),
		dbopen.WithSchema(syncer.EngineSchema), dbopen.WithSchema(events.Schema))
	if err != nil {
		slog.Error("engine db", "error", err)
		os.Exit(1)
	}
	defer engineDB.Close()

	catalogDB, err := dbopen.Open(catalogPath, dbopen.WithMkdirAll(), dbopen.WithSchema(catalog.Schema))
	if err != nil {
		slog.Error("catalog db", "error", err)
		os.Exit(1)
	}
	defer catalogDB.Close()

	contentDB, err := dbopen.Open(contentPath, dbopen.WithMkdirAll(), dbopen.WithSchema(contentstore.Schema))
	if err != nil {
		slog.Error("content db", "error", err)
		os.Exit(1)
	}
	defer contentDB.Close()

	cat := catalog.New(catalogDB, logger)
	defer cat.Close()
	store := contentstore.New(contentDB, logger)
	eventLog := events.New(engineDB, logger, cfg.Events.Buffer)
	defer eventLog.Close()

	// Sync service.
	svc, err := syncer.New(cfg,
		syncer.WithCatalog(cat),
		syncer.WithContentStore(store),
		syncer.WithEngineDB(engineDB),
		syncer.WithEvents(eventLog),
		syncer.WithLogger(logger),
	)
	if err != nil {
		slog.Error("sync service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Optional MCP QUIC.
	if mcpTransport == "quic" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "kbsync",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)

		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")

		var tlsCfg *tls.Config
		if certFile != "" && keyFile != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					slog.Info("MCP QUIC starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	// Start the job runner, then warm the state from whatever the sources
	// already hold. A cold deployment over existing source databases comes
	// up converged without waiting for the first scheduled job.
	svc.Start(ctx)

	go func() {
		report, err := svc.InitializeExisting(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("initial sync", "error", err)
			}
			return
		}
		slog.Info("initial sync done",
			"status", report.Status,
			"units", report.Units,
			"new", report.New,
			"errored", report.Errored)
	}()

	// Catalog watcher: instance rows edited by other processes re-reconcile
	// the job table without a restart.
	watcher := watch.New(catalogDB, watch.Options{
		Interval: 5 * time.Second,
		Debounce: 2 * time.Second,
		Logger:   logger,
	})
	go watcher.OnChange(ctx, func() error {
		rctx, rcancel := context.WithTimeout(ctx, time.Minute)
		defer rcancel()
		created, dropped, err := svc.ReconcileJobs(rctx)
		if err != nil {
			return err
		}
		if len(created) > 0 || len(dropped) > 0 {
			slog.Info("catalog change reconciled", "created", created, "dropped", dropped)
		}
		return nil
	})

	// Router.
	r := chi.NewRouter()
	r.Use(httpmw.SecurityHeaders(httpmw.DefaultHeaders()))
	r.Use(httpmw.MaxBody(16 << 20))
	r.Use(httpmw.TraceID)
	limiter := httpmw.NewRateLimiter(20, 40, "/health")
	limiter.StartGC(ctx.Done())
	r.Use(limiter.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, st)
	})

	r.Get("/api/units", func(w http.ResponseWriter, r *http.Request) {
		units := svc.Units()
		if instance := r.URL.Query().Get("instance"); instance != "" {
			scoped := units[:0]
			for _, u := range units {
				if u.Instance == instance {
					scoped = append(scoped, u)
				}
			}
			units = scoped
		}
		writeJSON(w, 200, units)
	})

	r.Get("/api/instances", func(w http.ResponseWriter, r *http.Request) {
		list, err := cat.List(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		out := make([]instanceView, 0, len(list))
		for _, inst := range list {
			v := instanceView{Instance: inst}
			if sel, ok := svc.Selection(inst.Name); ok {
				v.Tables = sel.Tables
				v.ContentColumn = sel.ContentColumn
			}
			out = append(out, v)
		}
		writeJSON(w, 200, out)
	})

	r.Get("/api/search", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			writeError(w, 400, errors.New("missing query parameter q"))
			return
		}
		results, err := svc.Search(r.Context(), query, r.URL.Query().Get("unit"), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, results)
	})

	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		list, err := eventLog.Query(r.Context(), events.Filter{
			Type:     r.URL.Query().Get("type"),
			Instance: r.URL.Query().Get("instance"),
			Unit:     r.URL.Query().Get("unit"),
			Limit:    queryInt(r, "limit", 50),
		})
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, list)
	})

	// Mutating routes sit behind the bearer token when one is configured.
	r.Group(func(r chi.Router) {
		r.Use(httpmw.RequireBearer(adminTokenHash))

		r.Post("/api/sync", func(w http.ResponseWriter, r *http.Request) {
			report, err := svc.SyncAll(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, report)
		})

		r.Post("/api/sync/force", func(w http.ResponseWriter, r *http.Request) {
			report, err := svc.ForceResync(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, report)
		})

		r.Post("/api/instances", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Name   string            `json:"name"`
				Kind   string            `json:"kind"`
				DSN    string            `json:"dsn"`
				Params map[string]string `json:"params,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			inst := catalog.Instance{
				Name:   req.Name,
				Kind:   ingest.Kind(req.Kind),
				DSN:    req.DSN,
				Params: req.Params,
			}
			if err := cat.Upsert(r.Context(), inst); err != nil {
				writeError(w, 400, err)
				return
			}
			// Best effort: report the tables so the operator can pick a
			// selection next. A source that is not reachable yet still
			// registers.
			tables, err := cat.Tables(r.Context(), req.Name)
			if err != nil {
				slog.Warn("registered instance not reachable yet", "instance", req.Name, "error", err)
			}
			writeJSON(w, 201, map[string]any{"name": req.Name, "kind": req.Kind, "tables": tables})
		})

		r.Delete("/api/instances/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			inst, err := cat.Get(r.Context(), name)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if inst == nil {
				writeError(w, 404, fmt.Errorf("unknown instance %q", name))
				return
			}
			report, err := svc.MarkInstanceRemoved(r.Context(), name)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if err := cat.Remove(r.Context(), name); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, report)
		})

		r.Put("/api/instances/{name}/tables", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			var req struct {
				Tables        []string `json:"tables"`
				ContentColumn string   `json:"content_column"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.SelectTables(r.Context(), name, req.Tables, req.ContentColumn); err != nil {
				if errors.Is(err, catalog.ErrUnknownInstance) {
					writeError(w, 404, err)
					return
				}
				writeError(w, 500, err)
				return
			}
			sel, _ := svc.Selection(name)
			writeJSON(w, 200, sel)
		})

		r.Post("/api/instances/{name}/job", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			status, err := svc.EnsureJob(r.Context(), name)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			code := 200
			switch status {
			case syncer.JobCreated:
				code = 201
			case syncer.JobFailed:
				code = 409
			}
			writeJSON(w, code, map[string]string{"instance": name, "status": status})
		})

		r.Delete("/api/instances/{name}/job", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			status, err := svc.DropJob(r.Context(), name)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			code := 200
			if status == syncer.JobNotFound {
				code = 404
			}
			writeJSON(w, code, map[string]string{"instance": name, "status": status})
		})

		r.Post("/api/documents", func(w http.ResponseWriter, r *http.Request) {
			file, header, err := r.FormFile("file")
			if err != nil {
				writeError(w, 400, err)
				return
			}
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				writeError(w, 400, err)
				return
			}
			name := r.FormValue("name")
			if name == "" {
				name = header.Filename
			}
			meta := map[string]string{}
			if title := r.FormValue("title"); title != "" {
				meta["title"] = title
			}
			ids, err := svc.UploadDocument(r.Context(), name, data, header.Header.Get("Content-Type"), meta)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 201, map[string]any{
				"unit":   contentstore.UploadUnit(name),
				"chunks": len(ids),
				"ids":    ids,
			})
		})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// instanceView joins a catalog row with its table selection for the ops API.
type instanceView struct {
	catalog.Instance
	Tables        []string `json:"tables,omitempty"`
	ContentColumn string   `json:"content_column,omitempty"`
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
