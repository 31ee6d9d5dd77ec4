// Package api serves the structured-file RPC endpoints of a resource
// server over HTTP with CBOR bodies.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/auth"
	"github.com/fruitsalade/sfgrid/internal/dispatch"
	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/rpc"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Server is the HTTP front of one resource server.
type Server struct {
	dispatcher *dispatch.Dispatcher
	verifier   *auth.Verifier
	identity   string
}

// NewServer creates a server. A nil verifier disables authentication.
func NewServer(dispatcher *dispatch.Dispatcher, verifier *auth.Verifier, identity string) *Server {
	return &Server{dispatcher: dispatcher, verifier: verifier, identity: identity}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET "+rpc.PathHealth, s.handleHealth)

	// Structured-file RPC (bearer token)
	protected := http.NewServeMux()
	protected.HandleFunc("POST "+rpc.PathOpen, s.handleOpen)
	protected.HandleFunc("POST "+rpc.PathReadDir, s.handleReadDir)
	protected.HandleFunc("POST "+rpc.PathClose, s.handleClose)

	var authed http.Handler = protected
	if s.verifier != nil {
		authed = s.verifier.Middleware(s.reject)(protected)
	}
	mux.Handle("/rpc/", authed)

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"host":     s.identity,
		"sessions": s.dispatcher.Sessions(),
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req rpc.OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendFailure(w, r, err, nil, false)
		return
	}

	token, err := s.dispatcher.Open(r.Context(), dispatch.OpenRequest{
		Ref:           req.Ref,
		ContainerType: req.ContainerType,
		Forwarded:     req.Forwarded,
		Token:         req.SessionToken,
	})
	if err != nil {
		s.sendFailure(w, r, err, nil, false)
		return
	}
	s.sendCBOR(w, r, http.StatusOK, rpc.OpenResponse{SessionToken: token})
}

func (s *Server) handleReadDir(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReadBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendFailure(w, r, err, nil, false)
		return
	}

	batch, err := s.dispatcher.ReadBatch(r.Context(), dispatch.ReadRequest{
		Token:         req.SessionToken,
		ContainerType: req.ContainerType,
		MaxEntries:    req.MaxEntries,
	})
	if err != nil {
		s.sendFailure(w, r, err, batch.Entries, batch.EndOfStream)
		return
	}
	err = s.sendCBOR(w, r, http.StatusOK, rpc.ReadBatchResponse{
		Entries:     rpc.FromEntries(batch.Entries),
		EndOfStream: batch.EndOfStream,
	})
	if err != nil {
		// The cursor has moved past a batch the caller never got.
		s.dispatcher.Close(r.Context(), req.SessionToken)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req rpc.CloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendFailure(w, r, err, nil, false)
		return
	}

	if err := s.dispatcher.Close(r.Context(), req.SessionToken); err != nil {
		s.sendFailure(w, r, err, nil, false)
		return
	}
	s.sendCBOR(w, r, http.StatusOK, struct{}{})
}

// decode reads a CBOR request body. On failure it writes the response
// and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != rpc.ContentType {
			s.sendFailure(w, r, structfile.Errorf(structfile.InvalidRequest, "decode",
				"content type %q is not %s", ct, rpc.ContentType), nil, false)
			return false
		}
	}

	body := http.MaxBytesReader(w, r.Body, rpc.MaxBodySize)
	if err := rpc.Decode(body, v); err != nil {
		var tooLarge *http.MaxBytesError
		msg := "malformed request body"
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		s.sendFailure(w, r, structfile.Errorf(structfile.InvalidRequest, "decode", "%s: %v", msg, err), nil, false)
		return false
	}
	return true
}

func (s *Server) sendCBOR(w http.ResponseWriter, r *http.Request, status int, v any) error {
	data, err := rpc.Marshal(v)
	if err == nil && len(data) > rpc.MaxBodySize {
		err = fmt.Errorf("response of %d bytes exceeds %d", len(data), rpc.MaxBodySize)
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", rpc.ContentType)
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error, partial []structfile.Entry, eos bool) {
	s.sendCBOR(w, r, rpc.StatusForKind(structfile.KindOf(err)), rpc.NewFailure(err, partial, eos))
}

// reject writes authentication failures in the RPC failure format.
func (s *Server) reject(w http.ResponseWriter, status int, msg string) {
	data, _ := rpc.Marshal(rpc.Failure{ErrorKind: structfile.InvalidRequest.String(), Message: msg})
	w.Header().Set("Content-Type", rpc.ContentType)
	w.WriteHeader(status)
	w.Write(data)
}
