// Command stocknestd is the StockNest device daemon. It owns the local
// inventory database, announces the device on the signaling channel,
// maintains direct channels to peers and serves the localhost REST/WebSocket
// API the UI talks to.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/stocknest/backend/cmd/stocknestd/handlers"
	"github.com/stocknest/backend/internal/config"
	"github.com/stocknest/backend/internal/discovery"
	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
	sigpkg "github.com/stocknest/backend/internal/signal"
	"github.com/stocknest/backend/internal/store"
	syncpkg "github.com/stocknest/backend/internal/sync"
	"github.com/stocknest/backend/internal/transport"
	"github.com/stocknest/backend/internal/uuid"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load config", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, cfg.App.LogLevel)

	deviceID, err := loadDeviceID(cfg.App.DataDir)
	if err != nil {
		logging.Error("failed to load device identity", err)
		os.Exit(1)
	}
	logging.Info("starting stocknestd", map[string]interface{}{
		"device_id":   deviceID,
		"device_name": cfg.App.DeviceName,
		"data_dir":    cfg.App.DataDir,
	})

	db, err := store.Open(cfg.App.DataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.Migrate(db.DB); err != nil {
		logging.Error("failed to run migrations", err)
		os.Exit(1)
	}
	repo := store.NewRepository(db)

	signals, err := sigpkg.Dial(cfg.Peer.SignalURL)
	if err != nil {
		logging.Error("failed to reach signaling channel", err, map[string]interface{}{
			"url": cfg.Peer.SignalURL,
		})
		os.Exit(1)
	}
	defer signals.Close()

	listener, err := transport.NewWSListener(cfg.Peer.ListenAddr)
	if err != nil {
		logging.Error("failed to bind peer listener", err, map[string]interface{}{
			"addr": cfg.Peer.ListenAddr,
		})
		os.Exit(1)
	}
	defer listener.Close()

	peers := transport.New(transport.Config{
		DeviceID:       deviceID,
		DeviceName:     cfg.App.DeviceName,
		ConnectTimeout: cfg.Peer.ConnectTimeout,
	}, signals, transport.WSDialer{}, listener, nil)

	engine := syncpkg.NewEngine(syncpkg.Config{
		DeviceID:        deviceID,
		ToleranceWindow: cfg.Sync.ToleranceWindow,
		DebounceWindow:  cfg.Sync.DebounceWindow,
	}, repo, peers, nil)
	defer engine.Stop()

	peers.OnMessage(engine.HandlePeerMessage)
	peers.OnPeerConnected(engine.HandlePeerConnected)
	peers.OnPeerDisconnected(engine.HandlePeerDisconnected)
	peers.Start()
	defer peers.Stop()

	disc := discovery.New(discovery.Config{
		DeviceID:         deviceID,
		DeviceName:       cfg.App.DeviceName,
		Capabilities:     cfg.Peer.Capabilities,
		Address:          listener.Addr(),
		AnnounceInterval: cfg.Peer.AnnounceInterval,
	}, signals, repo, peers, nil)
	disc.Start()
	defer disc.Stop()

	hub := NewWSHub()
	detach := hub.AttachEngine(engine.Events())
	defer detach()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(repo, engine, peers, hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("ui server listening", map[string]interface{}{
			"addr": cfg.Server.Addr,
		})
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("ui server failed", err)
	case sig := <-stop:
		logging.Info("shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Warn("ui server shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// newRouter builds the localhost API surface.
func newRouter(repo *store.Repository, engine *syncpkg.Engine, peers *transport.Transport, hub *WSHub) *chi.Mux {
	warehouses := handlers.NewWarehouseHandler(repo, engine)
	devices := handlers.NewDeviceHandler(repo, peers)
	syncOps := handlers.NewSyncHandler(repo, engine)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stocknestd"}`))
	})

	r.Route("/api/warehouses", func(r chi.Router) {
		r.Get("/", warehouses.List)
		r.Post("/", warehouses.Create)
		r.Get("/{id}", warehouses.Get)
		r.Put("/{id}", warehouses.Put)
		r.Delete("/{id}", warehouses.Delete)
		r.Post("/{id}/share", warehouses.Share)
		r.Delete("/{id}/share/{deviceID}", warehouses.Revoke)
	})

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", devices.List)
		r.Get("/{id}", devices.Get)
		r.Post("/{id}/connect", devices.Connect)
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/{deviceID}", syncOps.TriggerFull)
		r.Post("/{deviceID}/incremental", syncOps.TriggerIncremental)
	})

	r.Route("/api/conflicts", func(r chi.Router) {
		r.Get("/", syncOps.ListConflicts)
		r.Get("/log", syncOps.ConflictLog)
		r.Post("/{id}/resolve", syncOps.ResolveConflict)
	})

	r.Get("/ws", HandleWebSocket(hub))

	return r
}

// loadDeviceID reads the persistent device identity, minting one on first
// launch. The id survives reinstalls of the binary but not loss of the data
// directory; a device that loses its id is a new device to its peers.
func loadDeviceID(dataDir string) (models.UUID, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dataDir, "device.id")

	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if uuid.IsValid(id) {
			return models.UUID(id), nil
		}
		logging.Warn("device identity file is corrupt, minting a new id", map[string]interface{}{
			"path": path,
		})
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.New()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	logging.Info("minted device identity", map[string]interface{}{
		"device_id": id,
	})
	return models.UUID(id), nil
}
