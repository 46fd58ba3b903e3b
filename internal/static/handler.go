package static

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/NASA-AMMOS/landform-https/internal/storage"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const ServerName = "landform-https"

var allowedMethods = []string{http.MethodGet, http.MethodHead}

// Recorder receives the path and final status of every served request.
type Recorder interface {
	Record(path string, status int) error
}

// Handler serves the files under a storage.Root.
type Handler struct {
	root     *storage.Root
	router   *mux.Router
	chain    http.Handler
	recorder Recorder
	logger   *logrus.Logger
}

// NewHandler builds the static file handler. recorder may be nil.
func NewHandler(root *storage.Root, recorder Recorder, logger *logrus.Logger) *Handler {
	h := &Handler{
		root:     root,
		recorder: recorder,
		logger:   logger,
	}

	h.setupRoutes()

	return h
}

func (h *Handler) setupRoutes() {
	h.router = mux.NewRouter()

	files := http.FileServer(h.root.FileSystem())
	h.router.PathPrefix("/").Handler(files).Methods(allowedMethods...)
	h.router.MethodNotAllowedHandler = http.HandlerFunc(h.notImplemented)

	// mux only runs Use() middleware on a full match, so the logger wraps
	// the router to see method rejections as well.
	h.chain = h.loggingMiddleware(h.router)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.chain.ServeHTTP(w, r)
}

func (h *Handler) notImplemented(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", strings.Join(allowedMethods, ", "))
	h.writeError(w, http.StatusNotImplemented, "Unsupported method ("+r.Method+")")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
