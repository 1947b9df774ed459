package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/encode"
	"github.com/orneryd/bifrost/pkg/query"
)

// queryPayload is the wire form of a query request, shared by the POST
// body and the WebSocket message format.
type queryPayload struct {
	Type       string `json:"type"`
	SQL        string `json:"sql"`
	Database   string `json:"database"`
	Args       []any  `json:"args,omitempty"`
	MaxRows    int    `json:"maxRows,omitempty"`
	Persist    *bool  `json:"persist,omitempty"`
	Invalidate bool   `json:"invalidate,omitempty"`
}

// requestFromPayload normalizes a wire payload into a query.Request.
func requestFromPayload(p *queryPayload) (*query.Request, error) {
	format, err := query.ParseFormat(p.Type, query.FormatArrow)
	if err != nil {
		return nil, err
	}
	params, err := query.ParamsFromJSON(p.Args)
	if err != nil {
		return nil, err
	}
	persist := true
	if p.Persist != nil {
		persist = *p.Persist
	}
	req := &query.Request{
		Database:   p.Database,
		SQL:        p.SQL,
		Params:     params,
		Format:     format,
		MaxRows:    p.MaxRows,
		Persist:    persist,
		Invalidate: p.Invalidate,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// requestFromQueryString builds a request from GET parameters. Bound
// arguments are only available through the body-carrying transports.
func requestFromQueryString(r *http.Request) (*query.Request, error) {
	q := r.URL.Query()
	p := &queryPayload{
		Type:     q.Get("type"),
		SQL:      q.Get("sql"),
		Database: q.Get("database"),
	}
	if v := q.Get("maxRows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad maxRows %q", query.ErrBadRequest, v)
		}
		p.MaxRows = n
	}
	if v := q.Get("persist"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad persist %q", query.ErrBadRequest, v)
		}
		p.Persist = &b
	}
	if v := q.Get("invalidate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad invalidate %q", query.ErrBadRequest, v)
		}
		p.Invalidate = b
	}
	return requestFromPayload(p)
}

// handleRoot answers readiness probes at the root path.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// handleQuery serves GET and POST /query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req *query.Request
	var err error

	switch r.Method {
	case http.MethodGet:
		req, err = requestFromQueryString(r)
	case http.MethodPost:
		var p queryPayload
		if err := s.readJSON(r, &p); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", query.ErrBadRequest, err))
			return
		}
		req, err = requestFromPayload(&p)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	payload, err := s.dispatcher.Do(r.Context(), req)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	if req.Format == query.FormatExec {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", encode.ContentType(req.Format))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// handleQueryByID serves DELETE /query/{id}, cancelling a running query.
func (s *Server) handleQueryByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/query/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if !s.dispatcher.Registry().Cancel(id) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no running query %s", id))
		return
	}
	s.log.Info("query cancelled", zap.String("id", id))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": true,
		"id":        id,
	})
}

// handleQueries lists the executions currently in flight.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	running := s.dispatcher.Registry().List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queries": running,
		"count":   len(running),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":  Version,
		"hostname": s.hostname,
	})
}

// handleStatus reports the gateway's operational snapshot: uptime,
// request counters, running queries, pool occupancy, and cache stats.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version":  Version,
		"hostname": s.hostname,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"requests": s.requestCount.Load(),
		"errors":   s.errorCount.Load(),
		"running":  s.dispatcher.Registry().List(),
	}
	if s.pools != nil {
		status["pools"] = s.pools.PoolStats()
	}
	if s.cache != nil {
		status["cache"] = s.cache.Stats()
	}
	s.writeJSON(w, http.StatusOK, status)
}
