// Package backendtest provides a programmable fake of the bike-share backend for tests.
package backendtest

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikeshare/internal/backend"
	"github.com/semanticallynull/bikeshare/internal/session"
)

// Server answers requests from a table of handlers keyed by method and exact path. Every
// request is counted, matched or not.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]gin.HandlerFunc
	calls    map[string]int
	bodies   map[string][][]byte
	total    int
}

func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		handlers: map[string]gin.HandlerFunc{},
		calls:    map[string]int{},
		bodies:   map[string][][]byte{},
	}

	r := gin.New()
	r.Use(s.record)
	r.NoRoute(s.dispatch)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func key(method, path string) string {
	return method + " " + path
}

func (s *Server) record(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		body, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	k := key(c.Request.Method, c.Request.URL.Path)
	s.mu.Lock()
	s.calls[k]++
	s.total++
	s.bodies[k] = append(s.bodies[k], body)
	s.mu.Unlock()

	c.Next()
}

func (s *Server) dispatch(c *gin.Context) {
	s.mu.Lock()
	h, ok := s.handlers[key(c.Request.Method, c.Request.URL.Path)]
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": http.StatusNotFound, "message": "ruta no encontrada"})
		return
	}
	h(c)
}

// Handle installs h for method and path, replacing any earlier handler.
func (s *Server) Handle(method, path string, h gin.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key(method, path)] = h
}

// JSON answers method and path with a fixed status and body.
func (s *Server) JSON(method, path string, status int, body any) {
	s.Handle(method, path, func(c *gin.Context) {
		c.JSON(status, body)
	})
}

// Error answers method and path with the contract's {status, message} error shape.
func (s *Server) Error(method, path string, status int, message string) {
	s.JSON(method, path, status, gin.H{"status": status, "message": message})
}

// Sequence answers successive calls with successive handlers; the last one repeats.
func (s *Server) Sequence(method, path string, hs ...gin.HandlerFunc) {
	var (
		mu sync.Mutex
		i  int
	)
	s.Handle(method, path, func(c *gin.Context) {
		mu.Lock()
		h := hs[i]
		if i < len(hs)-1 {
			i++
		}
		mu.Unlock()
		h(c)
	})
}

func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key(method, path)]
}

func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Bodies returns the request bodies received for method and path, oldest first.
func (s *Server) Bodies(method, path string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.bodies[key(method, path)]...)
}

// Client returns a backend client pointed at the fake.
func (s *Server) Client(sess *session.Session, opts ...backend.Option) *backend.Client {
	return backend.New(s.URL, sess, opts...)
}

// Reply is a handler answering with a fixed status and body.
func Reply(status int, body any) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(status, body)
	}
}

// Fail is a handler answering with the contract's error shape.
func Fail(status int, message string) gin.HandlerFunc {
	return Reply(status, gin.H{"status": status, "message": message})
}
