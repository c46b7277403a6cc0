package cmkengine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/certs"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// Server is the http automation api of the engine.
type Server struct {
	engine        *Engine
	password      string
	allowedHosts  *AllowedHosts
	bind          string
	socketTimeout time.Duration
	tlsConfig     *tls.Config
	httpServer    *http.Server
	listen        net.Listener
}

// NewServer creates the automation server from the [/settings/WEB/server] section.
func (e *Engine) NewServer() (*Server, error) {
	conf := e.Config.Section("/settings/WEB/server")

	port, _, err := conf.GetInt("port")
	if err != nil {
		return nil, fmt.Errorf("port: %s", err.Error())
	}
	bindTo, _ := conf.GetString("bind to")
	password, _ := conf.GetString("password")
	caching, _, err := conf.GetBool("cache allowed hosts")
	if err != nil {
		return nil, fmt.Errorf("cache allowed hosts: %s", err.Error())
	}
	timeout, err := getDuration(conf, "timeout")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultSocketTimeout * time.Second
	}

	server := &Server{
		engine:        e,
		password:      password,
		allowedHosts:  NewAllowedHosts(conf.GetList("allowed hosts"), caching),
		bind:          net.JoinHostPort(bindTo, fmt.Sprintf("%d", port)),
		socketTimeout: timeout,
	}

	useSSL, _, err := conf.GetBool("use ssl")
	if err != nil {
		return nil, fmt.Errorf("use ssl: %s", err.Error())
	}
	if useSSL {
		tlsConfig, err := server.buildTLSConfig(conf)
		if err != nil {
			return nil, err
		}
		server.tlsConfig = tlsConfig
	}

	return server, nil
}

func (s *Server) buildTLSConfig(conf *ConfigSection) (*tls.Config, error) {
	certPath, _ := conf.GetString("certificate")
	keyPath, _ := conf.GetString("certificate key")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	persisted := &certs.PersistedBundle{CertPath: certPath, KeyPath: keyPath}
	bundle, created, err := persisted.LoadOrCreate(certs.Options{
		CommonName: hostname,
		DNSNames:   []string{hostname},
	})
	if err != nil {
		return nil, fmt.Errorf("tls certificate: %s", err.Error())
	}
	if created {
		log.Infof("created self signed certificate %s (fingerprint %s)", certPath, bundle.Certificate.Fingerprint())
	}
	if bundle.Certificate.IsExpired(time.Now()) {
		log.Warnf("certificate %s expired at %s", certPath, bundle.Certificate.NotAfter().Format(time.RFC3339))
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{bundle.TLSCertificate()},
	}, nil
}

// Router returns the http handler with all api routes.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.logRequests)

	mux.Get("/", func(res http.ResponseWriter, _ *http.Request) {
		res.Header().Set("Content-Type", "text/plain")
		res.WriteHeader(http.StatusOK)
		_, err := res.Write([]byte(NAME + " working...\n"))
		LogError(err)
	})

	mux.Group(func(r chi.Router) {
		r.Use(s.checkAccess)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/api/v1/hosts", s.handleHosts)
		r.Get("/api/v1/hosts/{host}/services", s.handleServices)
		r.Get("/api/v1/hosts/{host}/sources", s.handleSources)
		r.Post("/api/v1/hosts/{host}/discovery", s.handleDiscovery)
		r.Post("/api/v1/hosts/{host}/check", s.handleCheck)
		r.Post("/api/v1/hosts/{host}/check-discovery", s.handleCheckDiscovery)
		r.Post("/api/v1/discover-marked", s.handleDiscoverMarked)
	})

	return mux
}

func (s *Server) handleHosts(res http.ResponseWriter, _ *http.Request) {
	writeJSON(res, http.StatusOK, map[string]interface{}{"hosts": s.engine.Hosts()})
}

func (s *Server) handleServices(res http.ResponseWriter, req *http.Request) {
	services, err := s.engine.CheckPreview(req.Context(), chi.URLParam(req, "host"))
	if err != nil {
		writeError(res, err)

		return
	}
	writeJSON(res, http.StatusOK, map[string]interface{}{"services": services})
}

func (s *Server) handleSources(res http.ResponseWriter, req *http.Request) {
	states, err := s.engine.SourceStates(chi.URLParam(req, "host"))
	if err != nil {
		writeError(res, err)

		return
	}
	writeJSON(res, http.StatusOK, map[string]interface{}{"sources": states})
}

func (s *Server) handleDiscovery(res http.ResponseWriter, req *http.Request) {
	mode := DiscoveryModeNew
	if raw := req.URL.Query().Get("mode"); raw != "" {
		parsed, err := ParseDiscoveryMode(raw)
		if err != nil {
			writeError(res, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error()))

			return
		}
		mode = parsed
	}

	result, err := s.engine.DiscoverOnHost(req.Context(), chi.URLParam(req, "host"), mode, nil)
	if err != nil {
		writeError(res, err)

		return
	}
	writeJSON(res, http.StatusOK, result)
}

func (s *Server) handleCheck(res http.ResponseWriter, req *http.Request) {
	opts := CheckOptions{
		SubmitHostService: true,
		DryRun:            req.URL.Query().Get("dry_run") == "1",
	}
	if plugins := req.URL.Query().Get("plugins"); plugins != "" {
		opts.Plugins = strings.Split(plugins, ",")
	}

	result, err := s.engine.CheckHost(req.Context(), chi.URLParam(req, "host"), &opts)
	if err != nil {
		writeError(res, err)

		return
	}
	writeJSON(res, http.StatusOK, result)
}

func (s *Server) handleCheckDiscovery(res http.ResponseWriter, req *http.Request) {
	result, err := s.engine.CheckDiscovery(req.Context(), chi.URLParam(req, "host"))
	if err != nil {
		writeError(res, err)

		return
	}
	writeJSON(res, http.StatusOK, result)
}

func (s *Server) handleDiscoverMarked(res http.ResponseWriter, req *http.Request) {
	hosts, err := s.engine.DiscoverMarkedHosts(req.Context())
	if err != nil {
		writeError(res, err)

		return
	}
	if hosts == nil {
		hosts = []string{}
	}
	writeJSON(res, http.StatusOK, map[string]interface{}{"hosts": hosts})
}

// Start opens the listening socket and serves requests in the background.
func (s *Server) Start() error {
	listen, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %s", s.bind, err.Error())
	}
	if s.tlsConfig != nil {
		listen = tls.NewListener(listen, s.tlsConfig)
	}
	s.listen = listen

	s.httpServer = &http.Server{
		ReadTimeout:       s.socketTimeout,
		ReadHeaderTimeout: s.socketTimeout,
		IdleTimeout:       s.socketTimeout,
		Handler:           s.Router(),
		ErrorLog:          NewStandardLog("WARN"),
	}

	proto := "http"
	if s.tlsConfig != nil {
		proto = "https"
	}
	log.Infof("listener started on %s (%s, allowed hosts: %s)", listen.Addr().String(), proto, s.allowedHosts.String())

	go func() {
		defer s.engine.logPanicExit()
		err := s.httpServer.Serve(listen)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server finished: %s", err.Error())
		}
	}()

	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s.listen == nil {
		return s.bind
	}

	return s.listen.Addr().String()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// Serve runs the automation server and the periodic rediscovery of marked
// hosts until the process receives an interrupt or term signal.
func (e *Engine) Serve() error {
	defer e.logPanicExit()

	if err := e.createPidFile(); err != nil {
		return fmt.Errorf("failed to write pidfile: %s", err.Error())
	}
	defer e.deletePidFile()

	registerMetrics()
	log.Infof("%s", e.buildStartupMsg())

	server, err := e.NewServer()
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	e.handleUsrSignals(ctx)

	e.runMarkedHostsLoop(ctx)

	log.Infof("got signal, shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %s", err.Error())
	}
	log.Infof("%s exited (pid %d)", NAME, os.Getpid())

	return nil
}

// runMarkedHostsLoop discovers hosts flagged for rediscovery until ctx is done.
func (e *Engine) runMarkedHostsLoop(ctx context.Context) {
	interval := e.Settings.Discovery.CheckInterval
	if interval <= 0 {
		log.Debugf("periodic rediscovery disabled")
		<-ctx.Done()

		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hosts, err := e.DiscoverMarkedHosts(ctx)
			if err != nil {
				log.Warnf("rediscovery of marked hosts failed: %s", err.Error())
			}
			if len(hosts) > 0 {
				log.Infof("rediscovered %d marked hosts: %s", len(hosts), strings.Join(hosts, ", "))
			}
		}
	}
}
