package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fabfab/firefly-match/internal/domain"
	"github.com/fabfab/firefly-match/internal/store"
)

const maxPostFormSize = 10 << 20

// handleCreatePost implements POST /api/posts/create. The "image" field is
// accepted as a plain URL string rather than a multipart file: actual file
// upload handling is explicitly out of scope (spec.md section 1), left to
// an external collaborator that stores the asset and hands back a URL.
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPostFormSize); err != nil {
		writeError(w, http.StatusBadRequest, "parse form: "+err.Error())
		return
	}

	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email: required field missing")
		return
	}
	if strings.TrimSpace(r.FormValue("timezone")) == "" {
		writeError(w, http.StatusBadRequest, "timezone: required field missing")
		return
	}

	title := r.FormValue("title")
	summary := r.FormValue("summary")
	body := r.FormValue("body")
	if title == "" && summary == "" && body == "" {
		writeError(w, http.StatusBadRequest, "title: at least one of title, summary, body is required")
		return
	}

	author, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "email: no account with that address")
		return
	}

	template := r.FormValue("template_name")
	if template == "" {
		template = domain.TemplatePost
	}

	post := domain.Post{
		UserID:      author.ID,
		Title:       title,
		Summary:     summary,
		Body:        body,
		Template:    template,
		AIGenerated: parseOptionalBool(r.FormValue("ai_generated")),
	}
	if loc := strings.TrimSpace(r.FormValue("location_tag")); loc != "" {
		post.LocationTag = &loc
	}
	if img := strings.TrimSpace(r.FormValue("image")); img != "" {
		post.ImageURL = &img
	}

	if raw := r.FormValue("parent_id"); raw != "" {
		parentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parent_id: must be an integer")
			return
		}
		post.ParentKind = domain.ParentKindChild
		post.ParentID = &parentID
	} else if template == domain.TemplateProfile {
		post.ParentKind = domain.ParentKindProfile
	} else {
		profile, _, err := s.store.EnsureProfile(r.Context(), author.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "resolve default parent: "+err.Error())
			return
		}
		post.ParentKind = domain.ParentKindChild
		post.ParentID = &profile.ID
	}

	id, err := s.store.CreatePost(r.Context(), post)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "create post: "+err.Error())
		return
	}

	created, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load created post: "+err.Error())
		return
	}

	if err := s.regenerateEmbeddings(r.Context(), created); err != nil {
		log.Printf("server: regenerate embeddings for post %d: %v", id, err)
	}

	// create post contract (spec.md section 4.8): always enqueue E2, and
	// additionally run E1 synchronously when the post is itself a query.
	// RematchPost is a safe no-op for a query-template post (it clears
	// cache rows then returns), so enqueuing it unconditionally is safe.
	s.pool.EnqueueRematchPost(id)
	if created.IsQuery() {
		if err := s.matcher.RematchQuery(r.Context(), id); err != nil {
			log.Printf("server: initial match for query %d: %v", id, err)
		}
	}

	if created.Template == domain.TemplatePost {
		go s.notifyNewPost(author, created)
	}

	writeSuccess(w, http.StatusCreated, map[string]any{"post": postView(created)})
}

// handleCreateProfile implements POST /api/users/profile/create, per
// original_source's create_profile endpoint. It creates the user's profile
// post through EnsureProfile, fills it in and marks the profile complete,
// which
// is what gates the "new member" broadcast (spec.md section 4.7) — unlike
// handleCreatePost's incidental EnsureProfile call, which only exists to
// resolve a default parent for non-profile posts and never completes a
// profile. A user who already has a profile post, complete or not
// (including a blank one created by that EnsureProfile call), gets a 400.
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPostFormSize); err != nil {
		writeError(w, http.StatusBadRequest, "parse form: "+err.Error())
		return
	}

	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email: required field missing")
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, "title: required field missing")
		return
	}

	author, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusNotFound, "no account with that address")
		return
	}

	profile, created, err := s.store.EnsureProfile(r.Context(), author.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create profile: "+err.Error())
		return
	}
	if !created {
		writeError(w, http.StatusBadRequest, "profile already exists, use the update endpoint")
		return
	}

	var imageURL *string
	if img := strings.TrimSpace(r.FormValue("image")); img != "" {
		imageURL = &img
	}
	if err := s.store.UpdatePostText(r.Context(), profile.ID, title, r.FormValue("summary"), r.FormValue("body"), imageURL); err != nil {
		writeError(w, http.StatusInternalServerError, "fill in profile: "+err.Error())
		return
	}

	filled, err := s.store.GetPost(r.Context(), profile.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load profile: "+err.Error())
		return
	}
	if err := s.regenerateEmbeddings(r.Context(), filled); err != nil {
		log.Printf("server: regenerate embeddings for profile %d: %v", filled.ID, err)
	}

	if err := s.store.MarkProfileComplete(r.Context(), author.ID); err != nil {
		log.Printf("server: mark profile complete for user %d: %v", author.ID, err)
	}
	go s.notifyNewMember(author)

	writeSuccess(w, http.StatusCreated, map[string]any{"profile": postView(filled)})
}

// handleUpdatePost implements POST /api/posts/update.
func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPostFormSize); err != nil {
		writeError(w, http.StatusBadRequest, "parse form: "+err.Error())
		return
	}

	postID, err := strconv.ParseInt(r.FormValue("post_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "post_id: must be an integer")
		return
	}
	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email: required field missing")
		return
	}

	post, err := s.store.GetPost(r.Context(), postID)
	if err != nil {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	// Ownership failures and "post does not exist" return the identical
	// response, per spec.md section 7's "never leaks whether the target
	// exists" rule.
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil || user.ID != post.UserID {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}

	var imageURL *string
	if img := strings.TrimSpace(r.FormValue("image")); img != "" {
		imageURL = &img
	}
	if err := s.store.UpdatePostText(r.Context(), postID, r.FormValue("title"), r.FormValue("summary"), r.FormValue("body"), imageURL); err != nil {
		writeError(w, http.StatusInternalServerError, "update post: "+err.Error())
		return
	}

	if err := s.applyClipOffsets(r, postID, post); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.store.GetPost(r.Context(), postID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load updated post: "+err.Error())
		return
	}

	if err := s.regenerateEmbeddings(r.Context(), updated); err != nil {
		log.Printf("server: regenerate embeddings for post %d: %v", postID, err)
	}

	// update post contract: a query clears and re-runs E1 synchronously;
	// any other post clears its rows from every query and enqueues E2.
	if updated.IsQuery() {
		if err := s.matcher.RematchQuery(r.Context(), postID); err != nil {
			log.Printf("server: rematch query %d: %v", postID, err)
		}
		if err := s.localCache.Delete(postID); err != nil {
			log.Printf("server: evict local cache for query %d: %v", postID, err)
		}
	} else {
		s.pool.EnqueueRematchPost(postID)
	}

	writeSuccess(w, http.StatusOK, map[string]any{"post": postView(updated)})
}

// applyClipOffsets validates and, if present, persists clip_offset_x/y.
// Unparseable values are a 400 naming the offending field; valid but
// out-of-range values are clamped rather than rejected, per spec.md
// section 9's resolution of the source's silent-drop behaviour.
func (s *Server) applyClipOffsets(r *http.Request, postID int64, current domain.Post) error {
	rawX := r.FormValue("clip_offset_x")
	rawY := r.FormValue("clip_offset_y")
	if rawX == "" && rawY == "" {
		return nil
	}

	x := float64(current.ClipOffsetX)
	y := float64(current.ClipOffsetY)
	var err error
	if rawX != "" {
		if x, err = strconv.ParseFloat(rawX, 32); err != nil {
			return errors.New("clip_offset_x: must be a number")
		}
	}
	if rawY != "" {
		if y, err = strconv.ParseFloat(rawY, 32); err != nil {
			return errors.New("clip_offset_y: must be a number")
		}
	}
	if err := s.store.UpdateClipOffsets(r.Context(), postID, float32(x), float32(y)); err != nil {
		return err
	}
	return nil
}

// handleDeletePost implements DELETE /api/posts/{id}.
func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id: must be an integer")
		return
	}

	if email := strings.TrimSpace(r.URL.Query().Get("email")); email != "" {
		post, err := s.store.GetPost(r.Context(), postID)
		if err != nil {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		user, err := s.store.GetUserByEmail(r.Context(), email)
		if err != nil || user.ID != post.UserID {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
	}

	// Deletion ordering (spec.md section 4.5): cache rows and the embedding
	// file go first, then the post record itself.
	if err := s.matcher.ForgetPost(r.Context(), postID); err != nil {
		writeError(w, http.StatusInternalServerError, "clear match cache: "+err.Error())
		return
	}
	if err := s.embed.Delete(postID); err != nil {
		log.Printf("server: delete embeddings for post %d: %v", postID, err)
	}
	s.index.Invalidate()
	if err := s.localCache.Delete(postID); err != nil {
		log.Printf("server: evict local cache for post %d: %v", postID, err)
	}

	if err := s.store.DeletePost(r.Context(), postID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete post: "+err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"deleted": postID})
}

// handleGetPost implements GET /api/posts/{id}.
func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id: must be an integer")
		return
	}

	post, err := s.store.GetPost(r.Context(), postID)
	if err != nil {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}

	template, err := s.store.GetTemplate(r.Context(), post.Template)
	if err != nil {
		log.Printf("server: load template %q: %v", post.Template, err)
	}

	author, err := s.store.GetUserByID(r.Context(), post.UserID)
	if err != nil {
		log.Printf("server: load author %d: %v", post.UserID, err)
	}

	view := postView(post)
	view["template"] = map[string]any{
		"name":                template.Name,
		"placeholder_title":   template.PlaceholderTitle,
		"placeholder_summary": template.PlaceholderSummary,
		"placeholder_body":    template.PlaceholderBody,
		"plural_name":         template.PluralName,
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"post": view,
		"author": map[string]any{
			"id":    author.ID,
			"email": author.Email,
			"name":  author.Name,
		},
	})
}

func postView(p domain.Post) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"user_id":         p.UserID,
		"parent_id":       p.ParentID,
		"is_profile":      p.IsProfile(),
		"title":           p.Title,
		"summary":         p.Summary,
		"body":            p.Body,
		"template_name":   p.Template,
		"image_url":       p.ImageURL,
		"clip_offset_x":   p.ClipOffsetX,
		"clip_offset_y":   p.ClipOffsetY,
		"location_tag":    p.LocationTag,
		"ai_generated":    p.AIGenerated,
		"has_new_matches": p.HasNewMatches,
		"created_at":      p.CreatedAt,
	}
}

func parseOptionalBool(raw string) bool {
	v, _ := strconv.ParseBool(raw)
	return v
}

// regenerateEmbeddings re-fragments and re-encodes a post's text, then
// persists the mean fragment vector used by the notifier's SQL-side
// prefilter. A failure here is non-fatal to the request (spec.md section
// 4.1): the post is kept and the matcher runs against whatever embeddings
// already exist, or none.
func (s *Server) regenerateEmbeddings(ctx context.Context, p domain.Post) error {
	matrix, err := s.embed.Put(ctx, p.ID, p.Title, p.Summary, p.Body)
	if err != nil {
		return err
	}
	s.index.Invalidate()

	mean := matrix.Mean()
	if mean == nil {
		return nil
	}
	return s.store.UpdatePooledEmbedding(ctx, p.ID, mean)
}

// notifyNewPost fires the push fan-out in its own goroutine so the create
// request returns without waiting on push delivery, per spec.md section 5.
func (s *Server) notifyNewPost(author domain.User, post domain.Post) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	matrix, err := s.embed.Load(post.ID)
	if err != nil || len(matrix) == 0 {
		return
	}
	if err := s.notifier.NotifyNewPost(ctx, author, post, matrix); err != nil {
		log.Printf("server: notify new post %d: %v", post.ID, err)
	}
}

// notifyNewMember fires the "new member" broadcast in its own goroutine so
// the profile-creation request returns without waiting on push delivery.
func (s *Server) notifyNewMember(newMember domain.User) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.notifier.NotifyNewMember(ctx, newMember); err != nil {
		log.Printf("server: notify new member %d: %v", newMember.ID, err)
	}
}
