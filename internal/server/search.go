package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fabfab/firefly-match/internal/domain"
	"github.com/fabfab/firefly-match/internal/localcache"
	"github.com/fabfab/firefly-match/internal/social"
)

// handleSearch implements GET /api/search. Wire invariant (spec.md section
// 6): relevance_score is the stored 0-100 integer divided by 100; results
// are already sorted by the query per internal/matchcache.Results.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	queryID, err := strconv.ParseInt(r.URL.Query().Get("query_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query_id: must be an integer")
		return
	}
	userEmail := strings.TrimSpace(r.URL.Query().Get("user_email"))
	if userEmail == "" {
		writeError(w, http.StatusBadRequest, "user_email: required field missing")
		return
	}

	rows, err := s.cache.Results(r.Context(), queryID)
	if err != nil {
		if page, ok, cacheErr := s.localCache.Load(queryID); cacheErr == nil && ok {
			log.Printf("server: search falling back to local cache for query %d: %v", queryID, err)
			writeJSON(w, http.StatusOK, page.Entries)
			return
		}
		writeError(w, http.StatusInternalServerError, "load results: "+err.Error())
		return
	}

	if len(rows) == 0 {
		// Cache-miss auto-population runs E1 synchronously on the request
		// path, per spec.md section 4.8.
		if err := s.matcher.RematchQuery(r.Context(), queryID); err != nil {
			log.Printf("server: populate query %d on cache miss: %v", queryID, err)
		}
		rows, err = s.cache.Results(r.Context(), queryID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load results: "+err.Error())
			return
		}
	}

	if err := s.cache.RecordView(r.Context(), queryID, userEmail); err != nil {
		log.Printf("server: record view for query %d: %v", queryID, err)
	}

	entries := make([]localcache.Entry, len(rows))
	for i, row := range rows {
		entries[i] = localcache.Entry{PostID: row.PostID, RelevanceScore: float64(row.Score) / 100}
	}
	if err := s.localCache.Save(queryID, entries); err != nil {
		log.Printf("server: save local cache for query %d: %v", queryID, err)
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleUsersNewSince implements GET /api/users/new-since, a narrower
// pagination-less alternative to /api/notifications/poll for clients that
// only care about the new-user roster itself. Results are ordered by
// invite-tree proximity to the requesting user (closest first), falling
// back to recency for users at equal proximity, per SPEC_FULL section 6's
// "social-proximity tiebreaker in listings" supplemented feature.
func (s *Server) handleUsersNewSince(w http.ResponseWriter, r *http.Request) {
	userEmail := strings.TrimSpace(r.URL.Query().Get("user_email"))
	if userEmail == "" {
		writeError(w, http.StatusBadRequest, "user_email: required field missing")
		return
	}
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since: must be an RFC3339 timestamp")
		return
	}

	requester, err := s.store.GetUserByEmail(r.Context(), userEmail)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_email: no account with that address")
		return
	}

	users, err := s.store.UsersCreatedSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load new users: "+err.Error())
		return
	}

	sort.SliceStable(users, func(i, j int) bool {
		pi := social.Proximity(requester.AncestorChain, users[i].AncestorChain)
		pj := social.Proximity(requester.AncestorChain, users[j].AncestorChain)
		if pi != pj {
			return pi < pj
		}
		return users[i].LastActivity.After(users[j].LastActivity)
	})

	out := make([]map[string]any, len(users))
	for i, u := range users {
		out[i] = map[string]any{
			"id":    u.ID,
			"email": u.Email,
			"name":  u.Name,
		}
	}
	writeSuccess(w, http.StatusOK, map[string]any{"users": out})
}

type badgesRequest struct {
	UserEmail string  `json:"user_email"`
	QueryIDs  []int64 `json:"query_ids"`
}

// handleQueryBadges implements POST /api/queries/badges. The documented
// response shape is a flat object keyed by query id, so it bypasses the
// {"status":"success",...} envelope entirely.
func (s *Server) handleQueryBadges(w http.ResponseWriter, r *http.Request) {
	var req badgesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserEmail) == "" {
		writeError(w, http.StatusBadRequest, "user_email: required field missing")
		return
	}

	flags, err := s.cache.DirtyFlags(r.Context(), req.UserEmail, req.QueryIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load dirty flags: "+err.Error())
		return
	}

	out := make(map[string]bool, len(req.QueryIDs))
	for _, id := range req.QueryIDs {
		out[strconv.FormatInt(id, 10)] = flags[id]
	}
	writeJSON(w, http.StatusOK, out)
}

type pollRequest struct {
	UserEmail       string    `json:"user_email"`
	QueryIDs        []int64   `json:"query_ids"`
	LastViewedUsers time.Time `json:"last_viewed_users"`
	LastViewedPosts time.Time `json:"last_viewed_posts"`
}

// handleNotificationPoll implements POST /api/notifications/poll.
func (s *Server) handleNotificationPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserEmail) == "" {
		writeError(w, http.StatusBadRequest, "user_email: required field missing")
		return
	}

	badges, err := s.cache.DirtyFlags(r.Context(), req.UserEmail, req.QueryIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load dirty flags: "+err.Error())
		return
	}
	queryBadges := make(map[string]bool, len(req.QueryIDs))
	for _, id := range req.QueryIDs {
		queryBadges[strconv.FormatInt(id, 10)] = badges[id]
	}

	newUsers, err := s.store.UsersCreatedSince(r.Context(), req.LastViewedUsers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check new users: "+err.Error())
		return
	}
	newPosts, err := s.store.PostsCreatedSince(r.Context(), domain.TemplatePost, req.LastViewedPosts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check new posts: "+err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"query_badges":  queryBadges,
		"has_new_users": len(newUsers) > 0,
		"has_new_posts": len(newPosts) > 0,
	})
}
