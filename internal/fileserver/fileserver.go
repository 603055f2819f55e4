// Package fileserver lets the printer pull the file being uploaded. Exactly
// one token is valid at a time; anything else is a 404.
package fileserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mzyy94/saturnlink/internal/httplog"
	"github.com/mzyy94/saturnlink/internal/netutil"
)

// Transfer names the file served under one token.
type Transfer struct {
	Token string
	Path  string
	MD5   string
	Size  int64
}

// Resolver returns the transfer currently published under token.
type Resolver interface {
	ResolveToken(token string) (Transfer, bool)
}

// Streaming parameters.
const (
	ChunkSize    = 64 * 1024
	ChunkTimeout = 5 * time.Second
	closeDelay   = 100 * time.Millisecond
)

// Handler serves GET and HEAD for the active token.
type Handler struct {
	resolver   Resolver
	closeDelay time.Duration
}

// NewHandler creates a Handler backed by r.
func NewHandler(r Resolver) *Handler {
	return &Handler{resolver: r, closeDelay: closeDelay}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/")
	t, ok := h.resolver.ResolveToken(token)
	if !ok {
		slog.Warn("unknown download token", "requested", token, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f, err := os.Open(t.Path)
	if err != nil {
		slog.Error("open upload file", "path", t.Path, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Etag", t.MD5)
	hdr.Set("Content-Length", strconv.FormatInt(t.Size, 10))
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if r.Method == http.MethodGet {
		sent, err := streamChunks(w, rc, f, t.Size)
		if err != nil {
			slog.Warn("file transfer aborted", "token", t.Token, "sent", sent, "size", t.Size, "err", err)
			return
		}
		slog.Info("file body sent", "token", t.Token, "bytes", sent)
	}
	rc.Flush()
	time.Sleep(h.closeDelay)
}

// streamChunks copies size bytes from src in ChunkSize pieces, flushing each
// one within ChunkTimeout.
func streamChunks(w io.Writer, rc *http.ResponseController, src io.Reader, size int64) (int64, error) {
	buf := make([]byte, ChunkSize)
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if rem := size - sent; rem < want {
			want = rem
		}
		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			if derr := rc.SetWriteDeadline(time.Now().Add(ChunkTimeout)); derr != nil && !errors.Is(derr, http.ErrNotSupported) {
				return sent, derr
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return sent, fmt.Errorf("write chunk: %w", werr)
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return sent, fmt.Errorf("flush chunk: %w", ferr)
			}
			sent += int64(n)
		}
		if err != nil {
			return sent, fmt.Errorf("read file: %w", err)
		}
	}
	return sent, nil
}

// Server is the listening file server. Requests are served concurrently;
// each one streams from its own copy of the transfer it resolved.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Listen binds the file server on ip, preferring preferredPort.
func Listen(ip string, preferredPort int, r Resolver) (*Server, error) {
	ln, err := netutil.ListenTCP("fileserver", ip, preferredPort)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           httplog.Middleware("fileserver", NewHandler(r)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int { return netutil.Port(s.ln) }

// Serve handles requests until Close.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the server. Transfers in flight are cut off.
func (s *Server) Close() error {
	return s.srv.Close()
}
