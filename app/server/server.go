// Package server provides http api for the comment gate: submit and check comments,
// controller state and identity, websocket relay and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/comment-gate/lib/submission"
)

// Server is a http api server
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string               // version to show in app info headers
	ListenAddr string               // listen address
	Controller Controller           // submission controller
	Identity   *submission.Identity // current author, can be changed with PUT /identity
	Hub        http.Handler         // websocket relay served on /ws, optional
	Metrics    http.Handler         // prometheus handler served on /metrics, optional
	AuthPasswd string               // basic auth password for user "comment-gate", no auth if empty
	RateLimit  float64              // max requests per second per client ip, 10 if not set
}

// Controller is a subset of submission.Controller used by the server
type Controller interface {
	Submit(ctx context.Context, text string) (*submission.Pending, bool)
	Check(ctx context.Context, text string) (submission.Outcome, error)
	State() submission.State
}

// commentRequest is a body of POST /submit and POST /check
type commentRequest struct {
	Comment string `json:"comment"`
}

// NewServer creates a new server
func NewServer(config Config) *Server {
	if config.Identity == nil {
		config.Identity = submission.NewIdentity(submission.DefaultIdentity)
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}
	return &Server{Config: config}
}

// Run starts server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.ListenAddr, Handler: s.router(), ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 30 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		} else {
			log.Printf("[INFO] server stopped")
		}
	}()

	log.Printf("[INFO] start server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

func (s *Server) router() http.Handler {
	lmt := tollbooth.NewLimiter(s.RateLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.AppInfo("comment-gate", "umputun", s.Version), rest.Ping)

	if s.Hub != nil {
		router.Handle("GET /ws", s.Hub) // websocket connections are long-living, no limits here
	}
	if s.Metrics != nil {
		router.Handle("GET /metrics", s.Metrics)
	}

	api := router.Group()
	api.Use(tollbooth.HTTPMiddleware(lmt), rest.SizeLimit(64*1024))
	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for api")
		api.Use(rest.BasicAuthWithUserPasswd("comment-gate", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to api is not protected")
	}
	api.Route(func(r *routegroup.Bundle) {
		r.HandleFunc("POST /submit", s.submitHandler)
		r.HandleFunc("POST /check", s.checkHandler)
		r.HandleFunc("GET /state", s.stateHandler)
		r.HandleFunc("PUT /identity", s.identityHandler)
	})
	return router
}

// submitHandler handles POST /submit, runs the full pipeline and waits for the outcome.
// Responds with 409 if another submission is in progress and 503 if classification failed.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeComment(w, r)
	if !ok {
		return
	}

	pending, ok := s.Controller.Submit(r.Context(), req.Comment)
	if !ok {
		w.WriteHeader(http.StatusConflict)
		rest.RenderJSON(w, rest.JSON{"error": "submission in progress"})
		return
	}

	out, err := pending.Wait(r.Context())
	if err != nil {
		log.Printf("[DEBUG] client gone before submission finished, %v", err)
		return
	}
	if out.Err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		rest.RenderJSON(w, rest.JSON{"error": "can't classify comment", "details": out.Err.Error()})
		return
	}

	rest.RenderJSON(w, rest.JSON{
		"decision":  out.Decision.String(),
		"spam":      out.Result.Spam,
		"not_spam":  out.Result.NotSpam,
		"published": out.Published,
		"message":   out.Message,
	})
}

// checkHandler handles POST /check, classification only, nothing is published
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeComment(w, r)
	if !ok {
		return
	}

	out, err := s.Controller.Check(r.Context(), req.Comment)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		rest.RenderJSON(w, rest.JSON{"error": "can't classify comment", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"decision": out.Decision.String(), "spam": out.Result.Spam, "not_spam": out.Result.NotSpam})
}

// stateHandler handles GET /state
func (s *Server) stateHandler(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, rest.JSON{"state": s.Controller.State().String(), "identity": s.Identity.Name()})
}

// identityHandler handles PUT /identity, empty name resets identity to default
func (s *Server) identityHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Name string `json:"name"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		return
	}
	s.Identity.Set(req.Name)
	log.Printf("[INFO] identity set to %q", s.Identity.Name())
	rest.RenderJSON(w, rest.JSON{"identity": s.Identity.Name()})
}

func (s *Server) decodeComment(w http.ResponseWriter, r *http.Request) (commentRequest, bool) {
	req := commentRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't decode request", "details": err.Error()})
		log.Printf("[WARN] can't decode request: %v", err)
		return req, false
	}
	req.Comment = strings.TrimRight(req.Comment, "\r\n")
	return req, true
}
