// Package httpapi exposes an Engine over HTTP: control and
// status as JSON, a websocket pushing status, the streamed
// file with Range support and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/aeoncorex/streamx"
	"github.com/aeoncorex/streamx/internal/errors"
)

const writeWait = 10 * time.Second

type Engine interface {
	Start(magnet, saveDir string) error
	Stop()
	Status() streamx.Status
	Statuses(ctx context.Context) <-chan streamx.Status
	NewReader() (*streamx.Reader, error)
}

type Server struct {
	engine   Engine
	router   *mux.Router
	upgrader websocket.Upgrader
}

func New(e Engine) *Server {
	s := &Server{
		engine: e,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(e))

	s.router.Use(logRequests)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stream", s.start).Methods(http.MethodPost)
	api.HandleFunc("/stream", s.stop).Methods(http.MethodDelete)
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/status/ws", s.statusSocket).Methods(http.MethodGet)

	s.router.HandleFunc("/stream", s.stream).Methods(http.MethodGet, http.MethodHead)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var op errors.Op = "(*Server).ListenAndServe"

	srv := &http.Server{
		Handler:     s,
		Addr:        addr,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", addr).Msg("Serving HTTP")

	select {
	case err := <-errc:
		return errors.Wrap(err, op, errors.Network)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("range", r.Header.Get("Range")).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}

type startRequest struct {
	Magnet  string `json:"magnet"`
	SaveDir string `json:"saveDir"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.BadArgument))
		return
	}

	if err := s.engine.Start(req.Magnet, req.SaveDir); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, newStatusView(s.engine.Status()))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatusView(s.engine.Status()))
}

// statusSocket pushes every status change until the client
// goes away
func (s *Server) statusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for st := range s.engine.Statuses(ctx) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(newStatusView(st)); err != nil {
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// stream serves the file being downloaded. Reads block until
// the requested bytes are verified.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	rd, err := s.engine.NewReader()
	if err != nil {
		writeError(w, err)
		return
	}
	defer rd.Close()

	go func() {
		<-r.Context().Done()
		rd.Close()
	}()

	name, _, err := rd.File()
	if err != nil {
		writeError(w, err)
		return
	}

	if ct := contentType(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	http.ServeContent(w, r, path.Base(name), time.Time{}, rd)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mkv":
		return "video/x-matroska"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".ts":
		return "video/mp2t"
	default:
		return ""
	}
}

type errorView struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	kind := errors.KindOf(err)
	switch kind {
	case errors.InvalidMagnet, errors.BadArgument:
		code = http.StatusBadRequest
	case errors.NotYetAvailable:
		code = http.StatusNotFound
	case errors.MetadataTimeout:
		code = http.StatusGatewayTimeout
	}

	if errors.Is(err, streamx.ErrClosed) {
		code = http.StatusGone
	}

	if code == http.StatusInternalServerError {
		log.Error().Err(err).Strs("trace", errors.Ops(err)).Msg("HTTP request failed")
	}

	writeJSON(w, code, errorView{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Writing response")
	}
}
