// Package master exposes a scheduler over HTTP: submitting and canceling
// runs, editing the periodic schedule, reading history and metrics, and a
// WebSocket feed of schedule changes.
package master

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/expsys/exprun/sched"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Server serves the scheduler API.
type Server struct {
	log     *zap.SugaredLogger
	sched   *sched.Scheduler
	history sched.History
	metrics *metrics

	listenAddr string
	certFile   string
	keyFile    string

	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar()
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithTLS serves the API over TLS with the given certificate.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithHistory exposes h on the history endpoint.
func WithHistory(h sched.History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// NewServer builds a server for scheduler.
func NewServer(scheduler *sched.Scheduler, opts ...Option) (*Server, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Named("master").Sugar(),
		sched:      scheduler,
		metrics:    newMetrics(),
		listenAddr: "0.0.0.0:8888",
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run serves the API and returns once the server has stopped.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.certFile != "" || s.keyFile != "" {
		tlsConf, err := tlsconfig.Server(tlsconfig.Options{
			CertFile: s.certFile,
			KeyFile:  s.keyFile,
		})
		if err != nil {
			ln.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		ln = tls.NewListener(ln, tlsConf)
	}

	events, cancel := s.sched.Subscribe(64)
	defer cancel()
	go s.pumpMetrics(events)

	router := httprouter.New()
	router.GET("/status", s.count("status", s.status))
	router.POST("/queue", s.count("submit", s.submit))
	router.GET("/queue", s.count("queue", s.queue))
	router.DELETE("/queue/:rid", s.count("cancel", s.cancelRun))
	router.POST("/periodic", s.count("add_periodic", s.addPeriodic))
	router.GET("/periodic", s.count("periodic", s.periodic))
	router.DELETE("/periodic/:prid", s.count("remove_periodic", s.removePeriodic))
	router.GET("/history", s.count("history", s.historyRecent))
	router.Handler(http.MethodGet, "/metrics", s.metrics.handler())
	// the notify handler hijacks the connection, so it stays unwrapped
	router.GET("/notify", s.notify)

	server := &http.Server{Handler: router}
	s.httpServer = server

	s.log.Infow("serving", "addr", s.listenAddr)
	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the server, interrupting in-flight requests. Stopping a server
// that never started is a no-op.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) pumpMetrics(events <-chan sched.Event) {
	for ev := range events {
		s.metrics.observe(ev, len(s.sched.Queue()))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) count(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, p)
		s.metrics.observeHTTP(route, rec.status)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// StatusResponse summarizes the schedule.
type StatusResponse struct {
	QueueDepth    int
	PeriodicCount int
}

// SubmitRequest submits a run. A zero TimeoutMS leaves the run unbounded.
type SubmitRequest struct {
	Params    map[string]any
	TimeoutMS int64
}

type SubmitResponse struct {
	RID string
}

// AddPeriodicRequest schedules a run every PeriodMS milliseconds.
type AddPeriodicRequest struct {
	Params    map[string]any
	TimeoutMS int64
	PeriodMS  int64
}

type AddPeriodicResponse struct {
	PRID string
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, StatusResponse{
		QueueDepth:    len(s.sched.Queue()),
		PeriodicCount: len(s.sched.Periodic()),
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rid := s.sched.Submit(req.Params, time.Duration(req.TimeoutMS)*time.Millisecond)
	s.writeJSON(w, SubmitResponse{RID: rid})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, s.sched.Queue())
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rid := p.ByName("rid")
	if !s.sched.Cancel(rid) {
		http.Error(w, "no such run", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) addPeriodic(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req AddPeriodicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prid, err := s.sched.AddPeriodic(req.Params,
		time.Duration(req.TimeoutMS)*time.Millisecond,
		time.Duration(req.PeriodMS)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, AddPeriodicResponse{PRID: prid})
}

func (s *Server) periodic(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, s.sched.Periodic())
}

func (s *Server) removePeriodic(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	prid := p.ByName("prid")
	if !s.sched.RemovePeriodic(prid) {
		http.Error(w, "no such periodic run", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) historyRecent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.history == nil {
		s.writeJSON(w, []sched.RunRecord{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, recs)
}
