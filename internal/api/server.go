// Package api exposes the preferences HTTP surface consumed by the
// configuration UI: catalog listing, per-user preference CRUD, and a
// small status endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jrzesz33/teewatch/internal/models"
	"github.com/jrzesz33/teewatch/internal/store"
	"github.com/jrzesz33/teewatch/pkg/catalog"
)

// Version is reported by /api/status.
const Version = "1.0.0"

// Server wraps the store and catalog behind JSON handlers.
type Server struct {
	store     store.Store
	catalog   *catalog.Catalog
	jwtSecret []byte // empty disables bearer auth
	logger    *slog.Logger
}

// Options configures a Server.
type Options struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	JWTSecret string
	Logger    *slog.Logger
}

// New builds a Server.
func New(opts Options) *Server {
	return &Server{
		store:     opts.Store,
		catalog:   opts.Catalog,
		jwtSecret: []byte(opts.JWTSecret),
		logger:    opts.Logger,
	}
}

// Router assembles the chi routing tree. /health stays open; the /api
// subtree requires a bearer token when a JWT secret is configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if len(s.jwtSecret) > 0 {
			r.Use(s.requireBearer)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/courses", s.handleCourses)
		r.Get("/preferences", s.handleGetAllPreferences)
		r.Get("/preferences/{email}", s.handleGetPreferences)
		r.Post("/preferences", s.handlePutPreferences)
		r.Delete("/preferences/{email}", s.handleDeletePreferences)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.GetAllPreferences(r.Context())
	if err != nil {
		s.serverError(w, "failed to count users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_count":   len(users),
		"storage_type": s.store.Kind(),
		"version":      Version,
	})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"courses": s.catalog.All(),
	})
}

func (s *Server) handleGetAllPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.store.GetAllPreferences(r.Context())
	if err != nil {
		s.serverError(w, "failed to load preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	prefs, err := s.store.GetPreferences(r.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no preferences for %s", email))
		return
	}
	if err != nil {
		s.serverError(w, "failed to load preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handlePutPreferences validates and upserts one profile. Unknown course
// keys and malformed time windows are rejected here so bad configuration
// never reaches the monitor loop.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs models.UserPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	prefs.Normalize()
	if err := prefs.Validate(s.catalog.KeySet()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.PutPreferences(r.Context(), &prefs); err != nil {
		s.serverError(w, "failed to save preferences", err)
		return
	}

	s.logger.Info("preferences saved",
		slog.String("user", prefs.Email),
		slog.Int("courses", len(prefs.SelectedCourses)),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "email": prefs.Email})
}

func (s *Server) handleDeletePreferences(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	err := s.store.DeletePreferences(r.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no preferences for %s", email))
		return
	}
	if err != nil {
		s.serverError(w, "failed to delete preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "email": email})
}

// requireBearer validates an HS256 bearer token against the configured
// secret.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
