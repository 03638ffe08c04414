package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/muxtun/muxtun/internal/config"
	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay"
	"github.com/muxtun/muxtun/internal/socks"
	"github.com/muxtun/muxtun/internal/tui"
)

// App wires a configured muxtun process together: the relay endpoint for the
// chosen role, the SOCKS front end on the client, the admin HTTP surface and
// the optional terminal dashboard.
type App struct {
	cfg      *config.Config
	counters *metrics.Counters
	registry *prometheus.Registry
	sampler  *metrics.Sampler

	client *relay.Client
	server *relay.Server
	front  *socks.Server

	admin     *http.Server
	dashboard *tui.Dashboard
	dashOut   io.Writer
}

func New(cfg *config.Config) (*App, error) {
	registry := prometheus.NewRegistry()
	counters := metrics.NewCounters(registry, "muxtun")
	sampler := metrics.NewSampler(counters, 100*time.Millisecond, 10*time.Second)

	a := &App{
		cfg:      cfg,
		counters: counters,
		registry: registry,
		sampler:  sampler,
		dashOut:  os.Stdout,
	}

	if cfg.IsClient() {
		if err := a.buildClient(); err != nil {
			return nil, err
		}
	} else {
		if err := a.buildServer(); err != nil {
			return nil, err
		}
	}

	if cfg.Admin.Addr != "" {
		a.admin = &http.Server{
			Addr:    cfg.Admin.Addr,
			Handler: h2c.NewHandler(a.buildAdminHandler(), &http2.Server{}),
		}
	}
	return a, nil
}

func (a *App) buildClient() error {
	cfg := a.cfg
	client, err := relay.NewClient(relay.ClientConfig{
		ServerAddr:        cfg.Client.ServerAddr,
		Subflows:          cfg.Tunnel.Subflows,
		FrameSize:         cfg.Tunnel.FrameSizeBytes,
		StreamWindow:      cfg.Tunnel.StreamWindowBytes,
		SessionWindow:     cfg.Tunnel.SessionWindowBytes,
		HeartbeatInterval: cfg.Heartbeat(),
		DialTimeout:       cfg.DialTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		Plaintext:         cfg.Tunnel.Plaintext,
		TLSConfig:         clientTLS(cfg),
		Warmup: relay.WarmupConfig{
			Enabled:        cfg.Warmup.Enabled,
			BytesPerSecond: cfg.WarmupBytesPerSecond(),
			TotalBytes:     cfg.Warmup.TotalBytes,
			ChunkSize:      cfg.Warmup.ChunkSizeBytes,
		},
		Metrics: a.counters,
	})
	if err != nil {
		return fmt.Errorf("start relay client: %w", err)
	}
	a.client = client

	front, err := socks.NewServer(cfg.Client.SocksAddr, a.connectStream)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("start socks listener: %w", err)
	}
	a.front = front
	return nil
}

func (a *App) buildServer() error {
	cfg := a.cfg
	var tlsCfg *tls.Config
	if !cfg.Tunnel.Plaintext {
		cert, err := tls.LoadX509KeyPair(cfg.Tunnel.TLSCertFile, cfg.Tunnel.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load tls keypair: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	server, err := relay.NewServer(relay.ServerConfig{
		ListenAddr:        cfg.Server.ListenAddr,
		FrameSize:         cfg.Tunnel.FrameSizeBytes,
		StreamWindow:      cfg.Tunnel.StreamWindowBytes,
		SessionWindow:     cfg.Tunnel.SessionWindowBytes,
		HeartbeatInterval: cfg.Heartbeat(),
		WriteTimeout:      cfg.WriteTimeout(),
		TLSConfig:         tlsCfg,
		Plaintext:         cfg.Tunnel.Plaintext,
		Metrics:           a.counters,
	})
	if err != nil {
		return fmt.Errorf("start relay server: %w", err)
	}
	a.server = server
	return nil
}

func clientTLS(cfg *config.Config) *tls.Config {
	if cfg.Tunnel.Plaintext {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: cfg.Tunnel.TLSInsecure}
}

// connectStream services one SOCKS CONNECT by opening a relay stream.
func (a *App) connectStream(target string, client net.Conn) error {
	stream, err := a.client.Session().OpenStream(target)
	if err != nil {
		return err
	}
	if err := socks.ReplySuccess(client); err != nil {
		stream.Close()
		return err
	}
	stream.BindClient(client)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.sampler.Start(ctx.Done())
		return nil
	})

	if a.front != nil {
		g.Go(func() error {
			err := a.front.Serve(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if a.server != nil {
		g.Go(func() error {
			err := a.server.Serve()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return a.server.Close()
		})
	}
	if a.client != nil {
		g.Go(func() error {
			<-ctx.Done()
			return a.client.Close()
		})
	}

	if a.admin != nil {
		g.Go(func() error {
			log.Printf("admin listening on %s", a.admin.Addr)
			err := a.admin.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.admin.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Admin.Dashboard {
		a.dashboard = tui.NewDashboard(&tui.StatsProvider{
			Inner:   a.snapshotProvider(),
			Sampler: a.sampler,
		}, a.dashOut, 500*time.Millisecond)
		a.dashboard.Start()
		defer a.dashboard.Stop()
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) snapshotProvider() tui.Provider {
	if a.client != nil {
		return a.client.Session()
	}
	return a.server
}

// SetDashboardOutput redirects the dashboard, used by tests.
func (a *App) SetDashboardOutput(w io.Writer) {
	if w != nil {
		a.dashOut = w
	}
}

type windowRequest struct {
	StreamID uint32 `json:"stream_id"`
	Delta    int64  `json:"delta"`
}

func (a *App) buildAdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/v1/window", a.handleWindowAdjust)
	return mux
}

// handleWindowAdjust lets an operator grow or shrink the peer's send window
// at runtime. Stream ID zero targets the whole session.
func (a *App) handleWindowAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Delta == 0 {
		http.Error(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}
	var sessions []*relay.Session
	if a.client != nil {
		sessions = []*relay.Session{a.client.Session()}
	} else if a.server != nil {
		sessions = a.server.Sessions()
	}
	if len(sessions) == 0 {
		http.Error(w, "no active session", http.StatusConflict)
		return
	}
	for _, sess := range sessions {
		if err := sess.UpdatePeerSendWindow(req.StreamID, req.Delta); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
