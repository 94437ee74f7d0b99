package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const shutdownTimeout = 5 * time.Second

// Source is what the dashboard reads from the engine.
type Source interface {
	Symbol() string
	Latest() (models.Frame, bool)
	TradePrice() models.TradePrice
}

// Server exposes the latest book frame and process health over HTTP.
type Server struct {
	cfg           config.DashboardConfig
	source        Source
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, source Source, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if source == nil {
		return nil, errors.New("dashboard needs a frame source")
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory, logrus.InfoLevel)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		source:        source,
		log:           log,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/api/book", s.handleBook)
	router.GET("/api/trade", s.handleTrade)
	router.GET("/api/metrics", s.handleMetrics)
	router.GET("/api/logs", s.handleLogs)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	frame, ok := s.source.Latest()
	if !ok || frame.State != "synced" {
		state := "uninitialized"
		if ok {
			state = frame.State
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "waiting",
			"symbol": s.source.Symbol(),
			"state":  state,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"symbol":    frame.Symbol,
		"seq":       frame.Seq,
		"updatedAt": frame.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleBook(c *gin.Context) {
	frame, ok := s.source.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame built yet", "symbol": s.source.Symbol()})
		return
	}
	c.JSON(http.StatusOK, frame)
}

func (s *Server) handleTrade(c *gin.Context) {
	price := s.source.TradePrice()
	c.JSON(http.StatusOK, gin.H{
		"symbol":   s.source.Symbol(),
		"last":     price.Last,
		"previous": price.Previous,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
