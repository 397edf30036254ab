package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/plcman"
)

// PLCResponse is the JSON response for one controller.
type PLCResponse struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Slot        byte   `json:"slot"`
	Status      string `json:"status"`
	ProductName string `json:"product_name,omitempty"`
	Tags        int    `json:"tags"`
	Errors      int    `json:"errors"`
	Error       string `json:"error,omitempty"`
}

// WriteRequest is the JSON request for writing a tag value.
type WriteRequest struct {
	Tag   string `json:"tag"`
	Value any    `json:"value"`
}

// WriteResponse is the JSON response after requesting a write. The write
// itself happens on the next scan of the tag's list.
type WriteResponse struct {
	ID        string `json:"id"`
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Handler returns the API routes:
//
//	GET  /api/plcs                  list controllers
//	GET  /api/plcs/{plc}            controller status
//	GET  /api/plcs/{plc}/report     text report, ?level=0..3
//	GET  /api/plcs/{plc}/tags       all tag values
//	GET  /api/plcs/{plc}/tags/*     one tag value
//	POST /api/plcs/{plc}/write      request a deferred write
//	POST /api/reset                 reset statistics
//	POST /api/restart               reconnect all controllers
//	GET  /ws                        live tag stream
//
// With users configured every route needs basic auth; writes, reset and
// restart need the admin role.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.With(s.requireUser).Get("/ws", s.hub.ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/plcs", s.handleListPLCs)
		r.Route("/plcs/{plc}", func(r chi.Router) {
			r.Get("/", s.handlePLCDetails)
			r.Get("/report", s.handleReport)
			r.Get("/tags", s.handleAllTags)
			r.Get("/tags/*", s.handleSingleTag)
			r.With(s.requireAdmin).Post("/write", s.handleWrite)
		})
		r.With(s.requireAdmin).Post("/reset", s.handleReset)
		r.With(s.requireAdmin).Post("/restart", s.handleRestart)
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser checks HTTP basic auth against the configured users, in
// any role. With no users configured the API is open.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return s.requireRole("", next)
}

// requireAdmin is requireUser restricted to the admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireRole(config.RoleAdmin, next)
}

func (s *Server) requireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg == nil || len(s.cfg.API.Users) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="eipscan"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, ok := s.cfg.Authenticate(username, password)
		if !ok {
			s.log.Warn("failed login", zap.String("user", username), zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Basic realm="eipscan"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if role != "" && user.Role != role {
			writeError(w, http.StatusForbidden, role+" role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// controller resolves the {plc} URL parameter, writing a 404 when unknown.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) *plcman.Controller {
	name, err := url.PathUnescape(chi.URLParam(r, "plc"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid URL encoding in PLC name")
		return nil
	}
	c := s.reg.Controller(name)
	if c == nil {
		writeError(w, http.StatusNotFound, "PLC not found")
	}
	return c
}

func plcResponse(st plcman.ControllerStatus) PLCResponse {
	resp := PLCResponse{
		Name:        st.Name,
		Address:     st.Address,
		Slot:        st.Slot,
		Status:      st.State,
		ProductName: st.Identity.ProductName,
		Errors:      st.Errors,
		Error:       st.LastError,
	}
	for _, l := range st.ScanLists {
		resp.Tags += len(l.Tags)
	}
	return resp
}

func (s *Server) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	all := s.reg.Status()
	out := make([]PLCResponse, 0, len(all))
	for _, st := range all {
		out = append(out, plcResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	c := s.controller(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	c := s.controller(w, r)
	if c == nil {
		return
	}
	level := 3
	if q := r.URL.Query().Get("level"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 || n > 3 {
			writeError(w, http.StatusBadRequest, "level must be 0..3")
			return
		}
		level = n
	}

	var buf bytes.Buffer
	plcman.ReportStatus(&buf, c.Status(), level)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) handleAllTags(w http.ResponseWriter, r *http.Request) {
	c := s.controller(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c.Values())
}

func (s *Server) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	c := s.controller(w, r)
	if c == nil {
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid URL encoding in tag name")
		return
	}
	t := c.FindTag(name)
	if t == nil {
		writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	c := s.controller(w, r)
	if c == nil {
		return
	}
	var req WriteRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := WriteResponse{
		ID:        uuid.NewString(),
		PLC:       c.Name(),
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusAccepted
	t := c.FindTag(req.Tag)
	switch {
	case t == nil:
		status, resp.Error = http.StatusNotFound, "tag not found"
	case s.cfg != nil && !s.cfg.Writable(c.Name(), req.Tag):
		status, resp.Error = http.StatusForbidden, "tag is not writable"
	default:
		if err := t.SetValue(req.Value); err != nil {
			status, resp.Error = http.StatusConflict, err.Error()
			if errors.Is(err, plcman.ErrNoData) {
				status = http.StatusServiceUnavailable
			}
		}
	}
	resp.Success = resp.Error == ""
	s.log.Info("write request", zap.String("id", resp.ID), zap.String("plc", resp.PLC),
		zap.String("tag", resp.Tag), zap.Bool("accepted", resp.Success), zap.String("error", resp.Error))
	writeJSON(w, status, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.reg.ResetStatistics()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	started := s.reg.Restart()
	writeJSON(w, http.StatusOK, map[string]int{"started": started})
}
