// Package web serves the device status, the landing page and the firmware
// upload endpoint, and advertises the device over mDNS.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/r0bb10/gumball-dispenser/internal/config"
)

const maxImageSize = 64 << 20

// StatusSource is read by the status endpoint; it must be safe for
// concurrent use
type StatusSource interface {
	Hostname() string
	LocalIP() string
	SocketConnected() bool
}

// Status is the JSON document served on /status
type Status struct {
	Hostname    string `json:"hostname"`
	Version     string `json:"version"`
	IP          string `json:"ip"`
	WSConnected bool   `json:"wsConnected"`
	Platform    string `json:"platform"`
}

// Server is started after the first network join. Start is repeated on
// every later join until both the listener and mDNS are up.
type Server struct {
	httpCfg    config.HTTPConfig
	otaCfg     config.OTAConfig
	version    string
	src        StatusSource
	onFirmware func(path string, size int64)
	advertise  AdvertiseFunc

	router   chi.Router
	mu       sync.Mutex
	srv      *http.Server
	port     int
	stopMDNS func()
}

// AdvertiseFunc publishes the HTTP service and an address record for host
// and returns a function withdrawing them
type AdvertiseFunc func(host string, port int, ips, text []string) (func(), error)

// NewServer builds the routes; onFirmware is called after an image is stored
func NewServer(httpCfg config.HTTPConfig, otaCfg config.OTAConfig, version string, src StatusSource, onFirmware func(string, int64)) *Server {
	s := &Server{
		httpCfg:    httpCfg,
		otaCfg:     otaCfg,
		version:    version,
		src:        src,
		onFirmware: onFirmware,
		advertise:  advertiseMDNS,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/status", s.handleStatus)
	r.With(s.basicAuth).Post("/update", s.handleUpdate)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	s.router = r
	return s
}

// Handler exposes the routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and registers the mDNS records. Steps that already
// succeeded are skipped, so calling it again retries only what failed.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		if s.otaCfg.PasswordHash == "" {
			log.Warn().Msg("no OTA password hash configured, firmware updates disabled")
		}
		lis, err := net.Listen("tcp", s.httpCfg.Listen)
		if err != nil {
			log.Error().Err(err).Str("listen", s.httpCfg.Listen).Msg("HTTP server failed to listen, retrying on next join")
			return
		}
		srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
		s.srv = srv
		s.port = lis.Addr().(*net.TCPAddr).Port
		log.Info().Str("listen", lis.Addr().String()).Msg("HTTP server started")
	}

	if s.stopMDNS == nil {
		host := s.src.Hostname()
		ip := s.src.LocalIP()
		if ip == "" {
			log.Warn().Msg("no local address yet, mDNS deferred to next join")
			return
		}
		stop, err := s.advertise(host, s.port, []string{ip}, []string{"version=" + s.version})
		if err != nil {
			log.Error().Err(err).Msg("error setting up mDNS responder")
			return
		}
		s.stopMDNS = stop
		log.Info().Str("name", host+".local").Str("ip", ip).Msg("mDNS configured")
	}
}

// Shutdown stops the server and withdraws the mDNS records
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopMDNS != nil {
		s.stopMDNS()
		s.stopMDNS = nil
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// advertiseMDNS answers for host.local with ips and publishes _http._tcp
func advertiseMDNS(host string, port int, ips, text []string) (func(), error) {
	srv, err := zeroconf.RegisterProxy(host, "_http._tcp", "local.", port, host, ips, text, nil)
	if err != nil {
		return nil, err
	}
	return srv.Shutdown, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(filepath.Join(s.httpCfg.StaticDir, "index.html"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", fi.ModTime(), f)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Hostname:    s.src.Hostname(),
		Version:     s.version,
		IP:          s.src.LocalIP(),
		WSConnected: s.src.SocketConnected(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		log.Error().Err(err).Msg("encode status")
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.authorized(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="firmware"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(user, pass string) bool {
	if s.otaCfg.PasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.otaCfg.User)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(s.otaCfg.PasswordHash), []byte(pass)) == nil
	return userOK && passOK
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize)
	file, _, err := r.FormFile("firmware")
	if err != nil {
		http.Error(w, "missing firmware file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	size, err := storeImage(s.otaCfg.ImagePath, file)
	if err != nil {
		log.Error().Err(err).Msg("firmware upload failed")
		http.Error(w, "could not store firmware", http.StatusInternalServerError)
		return
	}
	log.Info().Str("path", s.otaCfg.ImagePath).Int64("size", size).Msg("firmware image stored")
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "OK "+strconv.FormatInt(size, 10)+"\n")

	if s.onFirmware != nil {
		s.onFirmware(s.otaCfg.ImagePath, size)
	}
}

// storeImage writes src next to path and renames it into place
func storeImage(path string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create image dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".firmware-*")
	if err != nil {
		return 0, fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write image: %w", err)
	}
	if size == 0 {
		tmp.Close()
		return 0, errors.New("empty image")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("install image: %w", err)
	}
	return size, nil
}
