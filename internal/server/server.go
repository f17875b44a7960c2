// Package server implements the request layer (C8): the matcher-adjacent
// HTTP endpoints that create, edit and delete posts, read cached search
// results, and report notification state. Wiring and middleware follow
// the teacher's internal/server/server.go (chi router, request id/real
// ip/logger/recoverer, CORS); the response envelope is re-expressed for
// this spec's `status: success|error` wire contract.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fabfab/firefly-match/internal/config"
	"github.com/fabfab/firefly-match/internal/domain"
	"github.com/fabfab/firefly-match/internal/embeddings"
	"github.com/fabfab/firefly-match/internal/localcache"
	"github.com/fabfab/firefly-match/internal/matchcache"
)

// Store is the subset of internal/store.Store the request layer needs,
// narrowed the way internal/matcher and internal/notify narrow their own
// store dependencies, so handlers can be exercised against fakes.
type Store interface {
	CreatePost(ctx context.Context, p domain.Post) (int64, error)
	UpdatePostText(ctx context.Context, postID int64, title, summary, body string, imageURL *string) error
	UpdateClipOffsets(ctx context.Context, postID int64, x, y float32) error
	UpdatePooledEmbedding(ctx context.Context, postID int64, mean []float32) error
	DeletePost(ctx context.Context, postID int64) error
	GetPost(ctx context.Context, postID int64) (domain.Post, error)
	EnsureProfile(ctx context.Context, userID int64) (domain.Post, bool, error)
	MarkProfileComplete(ctx context.Context, userID int64) error
	GetTemplate(ctx context.Context, name string) (domain.Template, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	GetUserByID(ctx context.Context, id int64) (domain.User, error)
	GetUserByDeviceID(ctx context.Context, deviceID string) (domain.User, error)
	UpdateApnsToken(ctx context.Context, userID int64, token string) error
	UsersCreatedSince(ctx context.Context, since time.Time) ([]domain.User, error)
	PostsCreatedSince(ctx context.Context, template string, since time.Time) ([]domain.Post, error)
}

// Cache is the subset of internal/matchcache.Cache the request layer reads
// directly (writes happen inside internal/matcher).
type Cache interface {
	Results(ctx context.Context, queryID int64) ([]matchcache.Row, error)
	RecordView(ctx context.Context, queryID int64, userEmail string) error
	DirtyFlags(ctx context.Context, userEmail string, queryIDs []int64) (map[int64]bool, error)
}

// Embeddings is the subset of internal/embeddings.Store the request layer
// drives at the request edge.
type Embeddings interface {
	Put(ctx context.Context, postID int64, title, summary, body string) (embeddings.Matrix, error)
	Load(postID int64) (embeddings.Matrix, error)
	Delete(postID int64) error
}

// Index is the subset of internal/vectorindex.Index the request layer
// needs to invalidate after an embedding write.
type Index interface {
	Invalidate()
}

// Matcher is the subset of internal/matcher.Matcher the request layer
// calls synchronously.
type Matcher interface {
	RematchQuery(ctx context.Context, queryID int64) error
	ForgetPost(ctx context.Context, postID int64) error
}

// Pool is the subset of internal/matcher.Pool the request layer uses to
// schedule asynchronous work.
type Pool interface {
	EnqueueRematchPost(postID int64)
}

// Notifier is the subset of internal/notify.Notifier the request layer
// drives after a successful post creation.
type Notifier interface {
	NotifyNewPost(ctx context.Context, author domain.User, post domain.Post, matrix embeddings.Matrix) error
	NotifyNewMember(ctx context.Context, newMember domain.User) error
}

// Server wires HTTP handlers to the posts/users store, the match cache,
// the matcher, the notifier and the embedding pipeline.
type Server struct {
	cfg        config.Config
	router     http.Handler
	store      Store
	cache      Cache
	embed      Embeddings
	index      Index
	matcher    Matcher
	pool       Pool
	notifier   Notifier
	localCache *localcache.Manager
}

// Deps bundles every collaborator New needs, so the composition root does
// not have to remember a long positional argument list.
type Deps struct {
	Store      Store
	Cache      Cache
	Embed      Embeddings
	Index      Index
	Matcher    Matcher
	Pool       Pool
	Notifier   Notifier
	LocalCache *localcache.Manager
}

// New constructs a Server with the provided dependencies and mounts every
// C8 route.
func New(cfg config.Config, deps Deps) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		cfg:        cfg,
		router:     mux,
		store:      deps.Store,
		cache:      deps.Cache,
		embed:      deps.Embed,
		index:      deps.Index,
		matcher:    deps.Matcher,
		pool:       deps.Pool,
		notifier:   deps.Notifier,
		localCache: deps.LocalCache,
	}

	mux.Get("/api/health", s.handleHealth)
	mux.Post("/api/posts/create", s.handleCreatePost)
	mux.Post("/api/users/profile/create", s.handleCreateProfile)
	mux.Post("/api/posts/update", s.handleUpdatePost)
	mux.Delete("/api/posts/{id}", s.handleDeletePost)
	mux.Get("/api/posts/{id}", s.handleGetPost)
	mux.Get("/api/search", s.handleSearch)
	mux.Get("/api/users/new-since", s.handleUsersNewSince)
	mux.Post("/api/queries/badges", s.handleQueryBadges)
	mux.Post("/api/notifications/poll", s.handleNotificationPoll)
	mux.Post("/api/notifications/register-device", s.handleRegisterDevice)

	return s
}

// ServeHTTP exposes the router so Server satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("server: write json response: %v", err)
	}
}

// writeSuccess wraps fields in the {"status":"success",...} envelope
// spec.md section 6 requires for object-shaped responses. Endpoints whose
// documented response is a bare array or a flat dynamic-key object
// (/api/search, /api/queries/badges) use writeJSON directly instead.
func writeSuccess(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"status": "success"}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}
