package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/vyvo/appbuilder/pkg/auth"
	"github.com/vyvo/appbuilder/pkg/builder"
	"github.com/vyvo/appbuilder/pkg/queue"
)

// buildArchive is the optional durable lookup used when a build is no longer
// held in memory.
type buildArchive interface {
	Get(ctx context.Context, id string) (builder.Build, error)
	ListLogs(ctx context.Context, id string, limit int) ([]builder.LogRecord, error)
}

const archivedLogLimit = 100000

// archivedSource replays a finished build loaded from the archive.
type archivedSource struct {
	build builder.Build
	logs  []builder.LogRecord
}

func (a archivedSource) Request(string) (builder.BuildRequest, error) {
	return a.build.Request, nil
}

func (a archivedSource) Since(_ string, offset int) ([]builder.LogRecord, bool, <-chan struct{}, error) {
	if offset >= len(a.logs) {
		return nil, true, nil, nil
	}
	return a.logs[offset:], true, nil, nil
}

// source resolves the log source of id, falling back to the archive.
func (s *server) source(ctx context.Context, id string) (builder.Source, func() (builder.Build, error), error) {
	if _, err := s.store.Request(id); err == nil {
		return s.store, func() (builder.Build, error) { return s.store.Get(id) }, nil
	} else if s.archive == nil {
		return nil, nil, err
	}
	build, err := s.archive.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	logs, err := s.archive.ListLogs(ctx, id, archivedLogLimit)
	if err != nil {
		return nil, nil, err
	}
	return archivedSource{build: build, logs: logs}, func() (builder.Build, error) { return build, nil }, nil
}

type server struct {
	queue    *queue.Coordinator
	store    *builder.MemStore
	archive  buildArchive
	secret   string
	metrics  http.Handler
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func newServer(coord *queue.Coordinator, store *builder.MemStore, log *slog.Logger) *server {
	return &server{
		queue: coord,
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.With(auth.Middleware(s.secret)).Post("/do_build", s.handleDoBuild)
	r.Route("/build_logs/{buildID}", func(r chi.Router) {
		r.Get("/", s.handleBuildLogs)
		r.Get("/ws", s.handleBuildLogsWS)
	})
	r.Get("/builds", s.handleListBuilds)
	r.Get("/builds/{buildID}", s.handleGetBuild)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// pushEvent is the subset of a GitLab push hook the builder reads.
type pushEvent struct {
	Ref         string `json:"ref"`
	CheckoutSHA string `json:"checkout_sha"`
	Project     struct {
		Name       string `json:"name"`
		GitHTTPURL string `json:"git_http_url"`
	} `json:"project"`
}

func (s *server) handleDoBuild(w http.ResponseWriter, r *http.Request) {
	var payload pushEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req := builder.BuildRequest{
		Project: payload.Project.Name,
		URL:     payload.Project.GitHTTPURL,
		Branch:  strings.TrimPrefix(payload.Ref, "refs/heads/"),
		Commit:  payload.CheckoutSHA,
	}
	if req.Project == "" || req.URL == "" || req.Branch == "" {
		respondError(w, http.StatusBadRequest, "project.name, project.git_http_url and ref are required")
		return
	}

	s.log.Info("got build request", "project", req.Project, "branch", req.Branch, "commit", req.Commit)
	if err := s.queue.Enqueue(r.Context(), req); err != nil {
		s.log.Error("enqueue build request failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func (s *server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	src, final, err := s.source(r.Context(), id)
	if err != nil {
		respondLookupError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var out streamWriter
	switch {
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
		out = &sseEmitter{w: w}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	case r.URL.Query().Get("format") == "text":
		out = &textEmitter{w: w}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		out = &htmlEmitter{w: w}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if err := builder.Tail(r.Context(), src, id, flushing{out, flusher}); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("log stream ended", "build_id", id, "error", err)
		}
		return
	}
	if build, gerr := final(); gerr == nil {
		_ = out.Done(build)
		flusher.Flush()
	}
}

func (s *server) handleBuildLogsWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	src, final, err := s.source(r.Context(), id)
	if err != nil {
		respondLookupError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "build_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The reader only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket read error", "build_id", id, "error", err)
				}
				return
			}
		}
	}()

	out := &wsEmitter{conn: conn}
	if err := builder.Tail(ctx, src, id, out); err != nil {
		return
	}
	if build, err := final(); err == nil {
		_ = out.Done(build)
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build completed"), deadline)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"builds": s.store.List()}, http.StatusOK)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	build, err := s.store.Get(id)
	if errors.Is(err, builder.ErrNotFound) && s.archive != nil {
		build, err = s.archive.Get(r.Context(), id)
	}
	if err != nil {
		respondLookupError(w, err)
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

// streamWriter is a builder.Emitter that can also announce the end of a
// stream.
type streamWriter interface {
	builder.Emitter
	Done(build builder.Build) error
}

// flushing pushes every emitted chunk to the client immediately.
type flushing struct {
	streamWriter
	flusher http.Flusher
}

func (f flushing) Header(req builder.BuildRequest) error {
	if err := f.streamWriter.Header(req); err != nil {
		return err
	}
	f.flusher.Flush()
	return nil
}

func (f flushing) Record(rec builder.LogRecord) error {
	if err := f.streamWriter.Record(rec); err != nil {
		return err
	}
	f.flusher.Flush()
	return nil
}

type htmlEmitter struct{ w io.Writer }

func (e *htmlEmitter) Header(req builder.BuildRequest) error {
	_, err := fmt.Fprintf(e.w, "<b>Project:</b> %s<br><b>Branch:</b> %s<br><b>URL:</b> %s<br><br>",
		html.EscapeString(req.Project), html.EscapeString(req.Branch), html.EscapeString(req.URL))
	return err
}

func (e *htmlEmitter) Record(rec builder.LogRecord) error {
	_, err := fmt.Fprintf(e.w, "<span style='color: %s;'>%s</span><br>", levelColor(rec.Level), html.EscapeString(builder.FormatLine(rec)))
	return err
}

func (e *htmlEmitter) Done(build builder.Build) error {
	_, err := fmt.Fprintf(e.w, "<br><b>Build %s.</b><br>", html.EscapeString(string(build.Status)))
	return err
}

func levelColor(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "purple"
	case level >= slog.LevelError:
		return "red"
	default:
		return "black"
	}
}

type textEmitter struct{ w io.Writer }

func (e *textEmitter) Header(req builder.BuildRequest) error {
	_, err := fmt.Fprintf(e.w, "Project: %s\nBranch: %s\nURL: %s\n\n", req.Project, req.Branch, req.URL)
	return err
}

func (e *textEmitter) Record(rec builder.LogRecord) error {
	_, err := io.WriteString(e.w, builder.FormatLine(rec)+"\n")
	return err
}

func (e *textEmitter) Done(build builder.Build) error {
	_, err := fmt.Fprintf(e.w, "\nBuild %s.\n", build.Status)
	return err
}

// wireRecord is the JSON form of a log record on the SSE and websocket
// streams.
type wireRecord struct {
	Level   string    `json:"level"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func toWire(rec builder.LogRecord) wireRecord {
	return wireRecord{Level: rec.Level.String(), Time: rec.Time, Message: rec.Message}
}

type wireHeader struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	URL     string `json:"url"`
}

type wireDone struct {
	Status builder.Status `json:"status"`
	Error  string         `json:"error,omitempty"`
}

type sseEmitter struct{ w io.Writer }

func (e *sseEmitter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(e.w, "data: %s\n\n", data)
	return err
}

func (e *sseEmitter) Header(req builder.BuildRequest) error {
	return e.event("header", wireHeader{Project: req.Project, Branch: req.Branch, URL: req.URL})
}

func (e *sseEmitter) Record(rec builder.LogRecord) error {
	return e.event("", toWire(rec))
}

func (e *sseEmitter) Done(build builder.Build) error {
	return e.event("done", wireDone{Status: build.Status, Error: build.Error})
}

// wsMessage frames every websocket payload with its type.
type wsMessage struct {
	Type   string      `json:"type"`
	Header *wireHeader `json:"header,omitempty"`
	Record *wireRecord `json:"record,omitempty"`
	Done   *wireDone   `json:"done,omitempty"`
}

type wsEmitter struct{ conn *websocket.Conn }

func (e *wsEmitter) write(msg wsMessage) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return e.conn.WriteJSON(msg)
}

func (e *wsEmitter) Header(req builder.BuildRequest) error {
	return e.write(wsMessage{Type: "header", Header: &wireHeader{Project: req.Project, Branch: req.Branch, URL: req.URL}})
}

func (e *wsEmitter) Record(rec builder.LogRecord) error {
	w := toWire(rec)
	return e.write(wsMessage{Type: "log", Record: &w})
}

func (e *wsEmitter) Done(build builder.Build) error {
	return e.write(wsMessage{Type: "done", Done: &wireDone{Status: build.Status, Error: build.Error}})
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, builder.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
