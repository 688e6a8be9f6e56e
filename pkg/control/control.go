// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control serves the run parameters, run control, and results of
// a fragtest Harness over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/containers/fragtest/pkg/fragtest"
	logger "github.com/containers/fragtest/pkg/log"
)

const (
	// maxValueSize is the largest accepted parameter value.
	maxValueSize = 4096
)

var log = logger.Get("control")

// Server serves a Harness over HTTP.
type Server struct {
	ctx     context.Context
	harness *fragtest.Harness
	mode    func() fragtest.Mode
}

// Option is an option for a Server.
type Option func(*Server)

// WithDefaultMode sets the function which gives the run mode used when a
// run is requested without an explicit mode.
func WithDefaultMode(fn func() fragtest.Mode) Option {
	return func(s *Server) {
		s.mode = fn
	}
}

// New creates a Server for the given Harness. Runs started through the
// Server are stopped when ctx is done.
func New(ctx context.Context, h *fragtest.Harness, options ...Option) *Server {
	s := &Server{
		ctx:     ctx,
		harness: h,
		mode:    func() fragtest.Mode { return fragtest.ModePaced },
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Setup registers the handlers of the server with the given multiplexer.
func (s *Server) Setup(mux *http.ServeMux) {
	mux.HandleFunc("GET /params", s.listParams)
	mux.HandleFunc("GET /params/{name}", s.getParam)
	mux.HandleFunc("PUT /params/{name}", s.setParam)
	mux.HandleFunc("POST /runtest", s.runTest)
	mux.HandleFunc("POST /stop", s.stop)
	mux.HandleFunc("GET /result", s.getResult)
	mux.HandleFunc("GET /state", s.getState)
}

// StateReply is the reply to state queries and run requests.
type StateReply struct {
	State fragtest.State `json:"state"`
	Mode  string         `json:"mode,omitempty"`
}

// ErrorReply is the reply to failed requests.
type ErrorReply struct {
	Error string `json:"error"`
}

func (s *Server) listParams(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, s.harness.Params())
}

func (s *Server) getParam(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	value, err := s.harness.GetParam(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, fragtest.Param{Name: name, Value: value})
}

func (s *Server) setParam(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	value := req.URL.Query().Get("value")
	if value == "" {
		data, err := io.ReadAll(io.LimitReader(req.Body, maxValueSize))
		if err != nil {
			s.fail(w, err)
			return
		}
		value = strings.TrimSpace(string(data))
	}

	if err := s.harness.SetParam(name, value); err != nil {
		s.fail(w, err)
		return
	}

	value, _ = s.harness.GetParam(name)
	s.reply(w, http.StatusOK, fragtest.Param{Name: name, Value: value})
}

func (s *Server) runTest(w http.ResponseWriter, req *http.Request) {
	mode := s.mode()
	if str := req.URL.Query().Get("mode"); str != "" {
		m, err := fragtest.ParseMode(str)
		if err != nil {
			s.fail(w, err)
			return
		}
		mode = m
	}

	if err := s.harness.Start(s.ctx, mode); err != nil {
		s.fail(w, err)
		return
	}

	log.Info("started %s run", mode)
	s.reply(w, http.StatusAccepted, StateReply{State: fragtest.StateRunning, Mode: mode.String()})
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.harness.Stop()
	s.reply(w, http.StatusOK, StateReply{State: s.harness.State()})
}

func (s *Server) getResult(w http.ResponseWriter, req *http.Request) {
	res, err := s.harness.Result()
	if err != nil {
		s.fail(w, err)
		return
	}

	query := req.URL.Query()
	if query.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := res.WriteReport(w); err != nil {
			log.Error("failed to write report: %v", err)
		}
		return
	}

	if full, _ := strconv.ParseBool(query.Get("full")); full {
		s.reply(w, http.StatusOK, res)
		return
	}
	s.reply(w, http.StatusOK, res.Summary())
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, StateReply{State: s.harness.State()})
}

func (s *Server) reply(w http.ResponseWriter, status int, obj any) {
	data, err := json.Marshal(obj)
	if err != nil {
		log.Error("failed to marshal reply: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Error("failed to write reply: %v", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed: %v", err)
	} else {
		log.Debug("request failed: %v", err)
	}
	s.reply(w, status, ErrorReply{Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, fragtest.ErrUnknownParameter), errors.Is(err, fragtest.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, fragtest.ErrInvalidParameter), errors.Is(err, fragtest.ErrInvalidMode),
		errors.Is(err, fragtest.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, fragtest.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
