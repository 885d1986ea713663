package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"pagepack/inline"
	"pagepack/internal/capture"
)

const maxRequestBody = 64 << 10

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong")
}

// handleInject captures the page named in the body into the session.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req InjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, InjectResult{Error: err.Error()})
		return
	}
	target := strings.TrimSpace(req.URL)
	if _, err := inline.ParseBase(target); err != nil {
		writeJSON(w, http.StatusBadRequest, InjectResult{Error: err.Error()})
		return
	}

	f, hdr, jar, mode := s.sessionFetch(id, target)
	src, err := s.source(mode, f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, InjectResult{Error: err.Error()})
		return
	}
	doc, err := src.Capture(r.Context(), capture.Request{URL: target, Header: hdr, Jar: jar})
	if err != nil {
		s.log.Warn("Capture failed", zap.String("session", id), zap.String("url", target), zap.String("mode", mode), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, InjectResult{Error: err.Error()})
		return
	}
	s.sessions.put(id, doc)
	s.log.Info("Session injected", zap.String("session", id), zap.String("url", doc.URL), zap.String("mode", mode))
	writeJSON(w, http.StatusOK, InjectResult{Success: true, URL: doc.URL, Title: doc.Title})
}

// handleMessage delivers a message to the session. The only message is
// downloadPage, answered with the conversion result.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var msg Message
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, inline.Result{Error: err.Error()})
		return
	}
	sess, ok := s.sessions.get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, inline.Result{Error: ErrNotActive})
		return
	}
	if msg.Action != ActionDownloadPage {
		writeJSON(w, http.StatusBadRequest, inline.Result{Error: "unknown action " + strconv.Quote(msg.Action)})
		return
	}

	res := s.download(r, sess)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) download(r *http.Request, sess session) inline.Result {
	ctx := r.Context()
	f, _, _, _ := s.sessionFetch(sess.ID, sess.Doc.URL)
	p, err := inline.New(f, inline.Options{Rewriter: s.cfg.Rewriter, Logger: s.log})
	if err != nil {
		return inline.Result{Error: err.Error()}
	}
	out, err := p.Snapshot(ctx, sess.Doc)
	if err != nil {
		s.log.Error("Snapshot failed", zap.String("session", sess.ID), zap.String("url", sess.Doc.URL), zap.Error(err))
		return inline.Result{Error: err.Error()}
	}
	name, err := s.cfg.Namer.Name(sess.Doc.Title, sess.Doc.URL, s.clock())
	if err != nil {
		return inline.Result{Error: err.Error()}
	}
	loc, err := s.artifacts.Save(ctx, name, out)
	if err != nil {
		return inline.Result{Error: err.Error()}
	}
	s.log.Info("Snapshot ready", zap.String("session", sess.ID), zap.String("file", name), zap.String("artifact", loc))
	return inline.Result{Success: true, Filename: name, Artifact: loc}
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sessions.drop(id)
	s.jars.Drop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name, data, ok := s.artifacts.Select(r.PathValue("id"))
	if !ok {
		http.Error(w, "artifact released", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
