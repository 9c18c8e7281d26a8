package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coralhq/coral/pkg/pipeline"
	"github.com/coralhq/coral/pkg/types"
)

type ctxKey int

const principalKey ctxKey = iota

// withPrincipal resolves the caller and stores the principal on the request
// context. Credential-free requests proceed anonymously.
func (s *Server) withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.cfg.Auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalOf(r *http.Request) types.Principal {
	principal, _ := r.Context().Value(principalKey).(types.Principal)
	return principal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a typed pipeline error; foreign errors surface as an
// opaque 500 so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	e := types.AsError(err)
	writeJSON(w, e.Code, e)
}

// paging reads the start token and limit query parameters. Limit bounds are
// enforced by the pipeline read itself.
func paging(r *http.Request) (start string, limit int, err error) {
	q := r.URL.Query()
	start = q.Get("start")
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return "", 0, types.NewError(types.CodeInvalidInput, "limit must be an integer")
		}
	}
	return start, limit, nil
}

func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	if principal.Anonymous() {
		writeError(w, types.NewError(types.CodeUnauthorized, "posting activity requires authentication"))
		return
	}

	var seed types.ActivitySeed
	if err := json.NewDecoder(r.Body).Decode(&seed); err != nil {
		writeError(w, types.NewError(types.CodeInvalidInput, "malformed activity seed"))
		return
	}
	// Only admins may post on behalf of another actor.
	if !principal.Admin && (seed.Actor == nil || seed.Actor.ResourceID != principal.ID) {
		writeError(w, types.NewError(types.CodeUnauthorized, "activities must be posted as yourself"))
		return
	}
	if err := s.cfg.Pipeline.PostActivity(r.Context(), &seed); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOwnActivityStream(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	if principal.Anonymous() {
		writeError(w, types.NewError(types.CodeUnauthorized, "no activity stream without authentication"))
		return
	}
	s.serveActivityStream(w, r, principal.ID)
}

func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	s.serveActivityStream(w, r, chi.URLParam(r, "resourceID"))
}

func (s *Server) serveActivityStream(w http.ResponseWriter, r *http.Request, resourceID string) {
	start, limit, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = pipeline.FormatActivityStreams
	}

	page, err := s.cfg.Pipeline.GetActivityStream(r.Context(), principalOf(r), resourceID, start, limit, format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRemoveActivityStream(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	if err := s.cfg.Pipeline.RemoveActivityStream(r.Context(), principalOf(r), resourceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	start, limit, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.cfg.Pipeline.GetNotificationStream(r.Context(), principalOf(r), start, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	lastRead, err := s.cfg.Pipeline.MarkNotificationsRead(r.Context(), principalOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"lastRead": lastRead})
}
