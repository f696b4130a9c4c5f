// Package httpserver exposes the catalog REST interface and the real-time websocket endpoint.
package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/registry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	booksPath      = "/api/books"
	bookDetailPath = booksPath + "/{id}"
	healthPath     = "/api/health"
	websocketPath  = "/ws"
)

// Catalog is the mutation authority behind the REST interface.
type Catalog interface {
	List() []schema.Record
	Get(id string) (schema.Record, error)
	Create(ctx context.Context, in schema.RecordInput) (schema.Record, error)
	Update(ctx context.Context, id string, in schema.RecordInput) (schema.Record, error)
	Delete(ctx context.Context, id string) (schema.Record, error)
}

// Sessions runs real-time viewer sessions.
type Sessions interface {
	Serve(ctx context.Context, conn registry.Conn) error
	Count() int
}

// Options configures the handler.
type Options struct {
	AllowedOrigins []string
	ReadLimit      int64
	Logger         *log.Logger
	Now            func() time.Time
}

type httpServer struct {
	catalog  Catalog
	sessions Sessions
	origins  *originPolicy
	opts     Options
	logger   *log.Logger
	now      func() time.Time
}

// envelope is the response body shape shared by every endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Success          bool      `json:"success"`
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
	ConnectedClients int       `json:"connectedClients"`
}

// NewHandler creates the HTTP handler for the catalog API and websocket endpoint.
func NewHandler(catalog Catalog, sessions Sessions, opts Options) http.Handler {
	server := &httpServer{
		catalog:  catalog,
		sessions: sessions,
		origins:  newOriginPolicy(opts.AllowedOrigins),
		opts:     opts,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if server.logger == nil {
		server.logger = log.New(io.Discard, "", 0)
	}
	if server.now == nil {
		server.now = time.Now
	}

	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path(booksPath).HandlerFunc(server.listBooks)
	router.Methods(http.MethodPost).Path(booksPath).HandlerFunc(server.createBook)
	router.Methods(http.MethodGet).Path(bookDetailPath).HandlerFunc(server.getBook)
	router.Methods(http.MethodPut).Path(bookDetailPath).HandlerFunc(server.updateBook)
	router.Methods(http.MethodDelete).Path(bookDetailPath).HandlerFunc(server.deleteBook)
	router.Methods(http.MethodGet).Path(healthPath).HandlerFunc(server.health)
	router.Methods(http.MethodGet).Path(websocketPath).HandlerFunc(server.serveWebsocket)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return withRecovery(server.logger, withAccessLog(server.logger, server.withCORS(router)))
}

func (s *httpServer) listBooks(w http.ResponseWriter, _ *http.Request) {
	books := s.catalog.List()
	count := len(books)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: books, Count: &count})
}

func (s *httpServer) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.catalog.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: book})
}

func (s *httpServer) createBook(w http.ResponseWriter, r *http.Request) {
	in, err := decodeRecordInput(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	book, err := s.catalog.Create(r.Context(), in)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: book, Message: "Book added successfully"})
}

func (s *httpServer) updateBook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.catalog.Get(id); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	in, err := decodeRecordInput(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	book, err := s.catalog.Update(r.Context(), id, in)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: book, Message: "Book updated successfully"})
}

func (s *httpServer) deleteBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.catalog.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: book, Message: "Book deleted successfully"})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	if s.sessions != nil {
		connected = s.sessions.Count()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Success:          true,
		Message:          "Server is running",
		Timestamp:        s.now().UTC(),
		ConnectedClients: connected,
	})
}

func (s *httpServer) writeCatalogError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("catalog error: %v", err)
	}
	writeError(w, status, errs.MessageOf(err))
}

func decodeRecordInput(w http.ResponseWriter, r *http.Request) (schema.RecordInput, error) {
	limitRequestBody(w, r)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return schema.RecordInput{}, err
	}
	var in schema.RecordInput
	if err := json.Unmarshal(data, &in); err != nil {
		return schema.RecordInput{}, err
	}
	return in, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid JSON body")
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}
