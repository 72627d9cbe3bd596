// Package portal runs the temporary configuration access point where an
// operator enters WiFi credentials.
package portal

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/r0bb10/gumball-dispenser/internal/wifi"
)

// ErrTimeout is returned when the portal closes without accepted credentials
var ErrTimeout = errors.New("config portal timed out")

// AcceptFunc tries submitted credentials; a non-nil error keeps the portal open
type AcceptFunc func(ctx context.Context, creds wifi.Credentials) error

// Portal serves the credential form while the access point is up
type Portal struct {
	Title    string // Device identity, also the access point SSID
	Password string // Access point passphrase
	Listen   string
	Hotspot  wifi.Hotspot

	mu     sync.Mutex
	active *attempt
	router chi.Router
}

type attempt struct {
	ctx    context.Context // caller context, without the portal timeout
	accept AcceptFunc
	done   chan wifi.Credentials
	once   sync.Once
	joins  sync.WaitGroup
}

// New creates a portal
func New(title, password, listen string, hotspot wifi.Hotspot) *Portal {
	p := &Portal{Title: title, Password: password, Listen: listen, Hotspot: hotspot}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", p.handleForm)
	r.Post("/save", p.handleSave)
	// Captive portal probes land on the form
	r.NotFound(p.handleForm)
	p.router = r
	return p
}

// Handler exposes the portal routes
func (p *Portal) Handler() http.Handler {
	return p.router
}

// Run brings up the access point and blocks until credentials are accepted,
// timeout elapses or ctx is cancelled. A join submitted before the timeout
// runs to completion and its result counts.
func (p *Portal) Run(parent context.Context, timeout time.Duration, accept AcceptFunc) (wifi.Credentials, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	a := &attempt{ctx: parent, accept: accept, done: make(chan wifi.Credentials, 1)}
	p.mu.Lock()
	p.active = a
	p.mu.Unlock()
	defer p.close()

	if p.Hotspot != nil {
		if err := p.Hotspot.StartHotspot(ctx, p.Title, p.Password); err != nil {
			return wifi.Credentials{}, fmt.Errorf("start portal: %w", err)
		}
		defer func() {
			if err := p.Hotspot.StopHotspot(context.Background()); err != nil {
				log.Warn().Err(err).Msg("portal hotspot teardown failed")
			}
		}()
	}

	srv := &http.Server{Handler: p.router, ReadHeaderTimeout: 5 * time.Second}
	if p.Listen != "" {
		lis, err := net.Listen("tcp", p.Listen)
		if err != nil {
			return wifi.Credentials{}, fmt.Errorf("listen portal %s: %w", p.Listen, err)
		}
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("portal server failed")
			}
		}()
		defer srv.Close()
	}
	log.Info().Str("ssid", p.Title).Str("listen", p.Listen).Dur("timeout", timeout).Msg("config portal started")

	select {
	case creds := <-a.done:
		log.Info().Str("ssid", creds.SSID).Msg("config portal accepted credentials")
		return creds, nil
	case <-ctx.Done():
	}

	p.close()
	a.joins.Wait()
	select {
	case creds := <-a.done:
		log.Info().Str("ssid", creds.SSID).Msg("config portal accepted credentials")
		return creds, nil
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return wifi.Credentials{}, ErrTimeout
	}
	return wifi.Credentials{}, ctx.Err()
}

// close stops new submissions from starting
func (p *Portal) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = nil
}

// begin registers a submission with the running portal, nil if none is
func (p *Portal) begin() *attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.joins.Add(1)
	}
	return p.active
}

// restoreHotspot brings the access point back after a failed join took the
// radio over
func (p *Portal) restoreHotspot(ctx context.Context) {
	if p.Hotspot == nil {
		return
	}
	if err := p.Hotspot.StartHotspot(ctx, p.Title, p.Password); err != nil {
		log.Error().Err(err).Msg("config portal hotspot not restored")
	}
}

type page struct {
	Title   string
	Message string
	Error   bool
	Done    bool
	SSID    string
}

var formTmpl = template.Must(template.New("portal").Parse(`<!DOCTYPE html>
<html><head><meta name="viewport" content="width=device-width,initial-scale=1"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1>
{{if .Message}}<p class="{{if .Error}}error{{else}}info{{end}}">{{.Message}}</p>{{end}}
{{if not .Done}}<form method="post" action="/save">
<label>SSID <input name="ssid" value="{{.SSID}}" maxlength="32" required></label>
<label>Password <input name="password" type="password" maxlength="63"></label>
<button type="submit">Save</button>
</form>{{end}}
</body></html>
`))

func (p *Portal) render(w http.ResponseWriter, status int, pg page) {
	pg.Title = p.Title
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := formTmpl.Execute(w, pg); err != nil {
		log.Error().Err(err).Msg("render portal page")
	}
}

func (p *Portal) handleForm(w http.ResponseWriter, r *http.Request) {
	p.render(w, http.StatusOK, page{})
}

func (p *Portal) handleSave(w http.ResponseWriter, r *http.Request) {
	a := p.begin()
	if a == nil {
		p.render(w, http.StatusServiceUnavailable, page{Message: "Portal is closed", Error: true, Done: true})
		return
	}
	defer a.joins.Done()

	if err := r.ParseForm(); err != nil {
		p.render(w, http.StatusBadRequest, page{Message: "Invalid form", Error: true})
		return
	}
	creds := wifi.Credentials{SSID: r.PostForm.Get("ssid"), Password: r.PostForm.Get("password")}
	if err := creds.Validate(); err != nil {
		log.Warn().Err(err).Msg("portal rejected credentials")
		p.render(w, http.StatusBadRequest, page{Message: err.Error(), Error: true, SSID: creds.SSID})
		return
	}
	if err := a.accept(a.ctx, creds); err != nil {
		log.Warn().Err(err).Str("ssid", creds.SSID).Msg("portal join failed")
		p.restoreHotspot(a.ctx)
		p.render(w, http.StatusBadGateway, page{Message: "Could not join " + creds.SSID, Error: true, SSID: creds.SSID})
		return
	}
	a.once.Do(func() { a.done <- creds })
	p.render(w, http.StatusOK, page{Message: "Connected to " + creds.SSID, Done: true})
}
