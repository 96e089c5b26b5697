// Package api provides the HTTP metadata server.
// It uses the Echo framework to serve EC2-style metadata endpoints to
// instances on the metadata network, plus a local-only upload endpoint
// that libvirt hook scripts use to register instances.
package api

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sjjf/md-server/internal/config"
	"github.com/sjjf/md-server/internal/dnsmasq"
	"github.com/sjjf/md-server/internal/store"
	"github.com/sjjf/md-server/internal/userdata"
)

// Server represents the metadata API server.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	store    *store.Store
	dnsmasq  *dnsmasq.Dnsmasq
	userdata *userdata.Renderer

	// public key names in index order, for the EC2 public-keys listing
	keyNames []string
}

// debugLog logs a message only if debug mode is enabled in config
func (s *Server) debugLog(format string, args ...interface{}) {
	if s.cfg.Server.Debug {
		log.Printf(format, args...)
	}
}

// New creates a new metadata server instance around an already opened
// instance database.
func New(cfg *config.Config, st *store.Store) *Server {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	// client identity is the socket peer address, never a forwarded
	// header: instances sit directly on the metadata network, and both
	// the per-client lookups and the upload restriction key off it
	e.IPExtractor = echo.ExtractIPDirect()

	e.HTTPErrorHandler = HTTPErrorHandler

	keyNames := make([]string, 0, len(cfg.PublicKeys))
	for name := range cfg.PublicKeys {
		keyNames = append(keyNames, name)
	}
	sort.Strings(keyNames)

	server := &Server{
		echo:     e,
		cfg:      cfg,
		store:    st,
		dnsmasq:  dnsmasq.New(cfg),
		userdata: userdata.New(cfg),
		keyNames: keyNames,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} ${remote_ip} (${latency_human})\n",
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.RequestID())
}

// setupRoutes configures the metadata routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/", s.getVersions)

	s.echo.GET("/service/", s.getServiceInfo)
	s.echo.GET("/service/name", s.getServiceName)
	s.echo.GET("/service/type", s.getServiceType)
	s.echo.GET("/service/version", s.getServiceVersion)
	s.echo.GET("/service/ec2_versions", s.getEC2Versions)

	// each EC2 version root serves the same metadata tree
	for _, base := range s.cfg.Service.EC2Versions {
		base = strings.TrimSpace(base)
		if base == "" {
			continue
		}
		if !strings.HasPrefix(base, "/") {
			base = "/" + base
		}
		g := s.echo.Group(base)
		g.GET("/", s.getBase)
		g.GET("/meta-data/", s.getMetadata)
		g.GET("/user-data", s.getUserdata)
		g.GET("/meta-data/hostname", s.getHostname)
		g.GET("/meta-data/instance-id", s.getInstanceID)
		g.GET("/meta-data/public-keys/", s.getPublicKeys)
		g.GET("/meta-data/public-keys/:key/", s.getPublicKeyDir)
		g.GET("/meta-data/public-keys/:key/openssh-key", s.getPublicKeyFile)
	}

	s.echo.POST("/instance-upload", s.instanceUpload, s.restrictToHost, uploadRateLimiter())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.ListenAddress, s.cfg.Server.Port)
	log.Printf("Starting mdserver on http://%s", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
