package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/fabfab/firefly-match/internal/config"
	"github.com/fabfab/firefly-match/internal/domain"
	"github.com/fabfab/firefly-match/internal/embeddings"
	"github.com/fabfab/firefly-match/internal/localcache"
	"github.com/fabfab/firefly-match/internal/matchcache"
	"github.com/fabfab/firefly-match/internal/store"
)

// --- fakes ---

type fakeStore struct {
	posts      map[int64]domain.Post
	users      map[int64]domain.User
	usersEmail map[string]int64
	devices    map[string]int64
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:      make(map[int64]domain.Post),
		users:      make(map[int64]domain.User),
		usersEmail: make(map[string]int64),
		devices:    make(map[string]int64),
		nextID:     100,
	}
}

func (f *fakeStore) addUser(u domain.User) {
	f.users[u.ID] = u
	f.usersEmail[u.Email] = u.ID
}

func (f *fakeStore) CreatePost(ctx context.Context, p domain.Post) (int64, error) {
	f.nextID++
	p.ID = f.nextID
	p.CreatedAt = time.Now()
	f.posts[p.ID] = p
	return p.ID, nil
}

func (f *fakeStore) UpdatePostText(ctx context.Context, postID int64, title, summary, body string, imageURL *string) error {
	p, ok := f.posts[postID]
	if !ok {
		return store.ErrNotFound
	}
	p.Title, p.Summary, p.Body = title, summary, body
	if imageURL != nil {
		p.ImageURL = imageURL
	}
	f.posts[postID] = p
	return nil
}

func (f *fakeStore) UpdateClipOffsets(ctx context.Context, postID int64, x, y float32) error {
	p, ok := f.posts[postID]
	if !ok {
		return store.ErrNotFound
	}
	p.ClipOffsetX, p.ClipOffsetY = x, y
	f.posts[postID] = p
	return nil
}

func (f *fakeStore) UpdatePooledEmbedding(ctx context.Context, postID int64, mean []float32) error {
	return nil
}

func (f *fakeStore) DeletePost(ctx context.Context, postID int64) error {
	if _, ok := f.posts[postID]; !ok {
		return store.ErrNotFound
	}
	delete(f.posts, postID)
	return nil
}

func (f *fakeStore) GetPost(ctx context.Context, postID int64) (domain.Post, error) {
	p, ok := f.posts[postID]
	if !ok {
		return domain.Post{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) EnsureProfile(ctx context.Context, userID int64) (domain.Post, bool, error) {
	for _, p := range f.posts {
		if p.UserID == userID && p.IsProfile() {
			return p, false, nil
		}
	}
	id, _ := f.CreatePost(ctx, domain.Post{UserID: userID, ParentKind: domain.ParentKindProfile, Template: domain.TemplateProfile})
	return f.posts[id], true, nil
}

func (f *fakeStore) MarkProfileComplete(ctx context.Context, userID int64) error {
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.ProfileComplete = true
	f.users[userID] = u
	return nil
}

func (f *fakeStore) GetTemplate(ctx context.Context, name string) (domain.Template, error) {
	return domain.Template{Name: name}, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	id, ok := f.usersEmail[email]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return f.users[id], nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByDeviceID(ctx context.Context, deviceID string) (domain.User, error) {
	id, ok := f.devices[deviceID]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return f.users[id], nil
}

func (f *fakeStore) UpdateApnsToken(ctx context.Context, userID int64, token string) error {
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.ApnsDeviceToken = &token
	f.users[userID] = u
	return nil
}

func (f *fakeStore) UsersCreatedSince(ctx context.Context, since time.Time) ([]domain.User, error) {
	var out []domain.User
	for _, u := range f.users {
		if u.LastActivity.After(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) PostsCreatedSince(ctx context.Context, template string, since time.Time) ([]domain.Post, error) {
	var out []domain.Post
	for _, p := range f.posts {
		if p.Template == template && p.CreatedAt.After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeCache struct {
	rows   map[int64][]matchcache.Row
	views  map[int64][]string
	dirty  map[int64]bool
	failOn map[int64]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{rows: make(map[int64][]matchcache.Row), views: make(map[int64][]string), dirty: make(map[int64]bool)}
}

func (f *fakeCache) Results(ctx context.Context, queryID int64) ([]matchcache.Row, error) {
	if f.failOn[queryID] {
		return nil, errors.New("boom")
	}
	return f.rows[queryID], nil
}

func (f *fakeCache) RecordView(ctx context.Context, queryID int64, userEmail string) error {
	f.views[queryID] = append(f.views[queryID], userEmail)
	return nil
}

func (f *fakeCache) DirtyFlags(ctx context.Context, userEmail string, queryIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(queryIDs))
	for _, id := range queryIDs {
		out[id] = f.dirty[id]
	}
	return out, nil
}

type fakeEmbed struct{}

func (fakeEmbed) Put(ctx context.Context, postID int64, title, summary, body string) (embeddings.Matrix, error) {
	return embeddings.Matrix{{0.1, 0.2}}, nil
}
func (fakeEmbed) Load(postID int64) (embeddings.Matrix, error) { return embeddings.Matrix{{0.1, 0.2}}, nil }
func (fakeEmbed) Delete(postID int64) error                    { return nil }

type fakeIndex struct{ invalidated int }

func (f *fakeIndex) Invalidate() { f.invalidated++ }

type fakeMatcher struct {
	rematchQueryCalls []int64
	forgetCalls       []int64
}

func (f *fakeMatcher) RematchQuery(ctx context.Context, queryID int64) error {
	f.rematchQueryCalls = append(f.rematchQueryCalls, queryID)
	return nil
}

func (f *fakeMatcher) ForgetPost(ctx context.Context, postID int64) error {
	f.forgetCalls = append(f.forgetCalls, postID)
	return nil
}

type fakePool struct{ enqueued []int64 }

func (f *fakePool) EnqueueRematchPost(postID int64) { f.enqueued = append(f.enqueued, postID) }

type fakeNotifier struct {
	calls          int
	newMemberCalls []int64
}

func (f *fakeNotifier) NotifyNewPost(ctx context.Context, author domain.User, post domain.Post, matrix embeddings.Matrix) error {
	f.calls++
	return nil
}

func (f *fakeNotifier) NotifyNewMember(ctx context.Context, newMember domain.User) error {
	f.newMemberCalls = append(f.newMemberCalls, newMember.ID)
	return nil
}

// --- test harness ---

type harness struct {
	srv     *Server
	fStore  *fakeStore
	fCache  *fakeCache
	fIndex  *fakeIndex
	fMatch  *fakeMatcher
	fPool   *fakePool
	fNotify *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lc, err := localcache.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("localcache.NewManager: %v", err)
	}
	h := &harness{
		fStore:  newFakeStore(),
		fCache:  newFakeCache(),
		fIndex:  &fakeIndex{},
		fMatch:  &fakeMatcher{},
		fPool:   &fakePool{},
		fNotify: &fakeNotifier{},
	}
	h.srv = New(config.Config{}, Deps{
		Store:      h.fStore,
		Cache:      h.fCache,
		Embed:      fakeEmbed{},
		Index:      h.fIndex,
		Matcher:    h.fMatch,
		Pool:       h.fPool,
		Notifier:   h.fNotify,
		LocalCache: lc,
	})
	return h
}

func multipartBody(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf, w.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return out
}

// --- tests ---

func TestCreatePostDefaultsParentToProfile(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "a@example.com", Name: "Ada"})

	body, contentType := multipartBody(t, map[string]string{
		"email":    "a@example.com",
		"timezone": "UTC",
		"title":    "Beach vacation",
		"body":     "Barcelona is warm",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/posts/create", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["status"] != "success" {
		t.Errorf("status field = %v, want success", resp["status"])
	}

	var created domain.Post
	for _, p := range h.fStore.posts {
		if p.Title == "Beach vacation" {
			created = p
		}
	}
	if created.ParentID == nil {
		t.Fatal("expected created post to have a parent id defaulted to the profile post")
	}
	if len(h.fPool.enqueued) != 1 || h.fPool.enqueued[0] != created.ID {
		t.Errorf("expected E2 enqueued for %d, got %v", created.ID, h.fPool.enqueued)
	}
	if len(h.fMatch.rematchQueryCalls) != 0 {
		t.Errorf("non-query post should not trigger E1, got %v", h.fMatch.rematchQueryCalls)
	}
}

func TestCreatePostQueryRunsE1Synchronously(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "a@example.com", Name: "Ada"})

	body, contentType := multipartBody(t, map[string]string{
		"email":         "a@example.com",
		"timezone":      "UTC",
		"title":         "Mediterranean travel food",
		"template_name": domain.TemplateQuery,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/posts/create", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(h.fMatch.rematchQueryCalls) != 1 {
		t.Fatalf("expected E1 to run once for the new query, got %v", h.fMatch.rematchQueryCalls)
	}
}

func TestCreatePostMissingEmailIsValidationError(t *testing.T) {
	h := newHarness(t)

	body, contentType := multipartBody(t, map[string]string{
		"timezone": "UTC",
		"title":    "no author",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/posts/create", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["status"] != "error" {
		t.Errorf("status field = %v, want error", resp["status"])
	}
	msg, _ := resp["message"].(string)
	if msg == "" {
		t.Error("expected a message naming the missing field")
	}
}

func TestUpdatePostOwnershipMismatchLooksLikeNotFound(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "owner@example.com"})
	h.fStore.addUser(domain.User{ID: 2, Email: "intruder@example.com"})
	id, _ := h.fStore.CreatePost(context.Background(), domain.Post{UserID: 1, Title: "mine", Template: domain.TemplatePost})

	body, contentType := multipartBody(t, map[string]string{
		"post_id": itoa(id),
		"email":   "intruder@example.com",
		"title":   "hijacked",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/posts/update", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (ownership must not leak existence)", rec.Code)
	}

	// Requesting a genuinely absent post gets byte-identical treatment.
	body2, contentType2 := multipartBody(t, map[string]string{
		"post_id": "99999",
		"email":   "intruder@example.com",
		"title":   "x",
	})
	req2 := httptest.NewRequest(http.MethodPost, "/api/posts/update", body2)
	req2.Header.Set("Content-Type", contentType2)
	rec2 := httptest.NewRecorder()
	h.srv.ServeHTTP(rec2, req2)

	if rec2.Code != rec.Code || rec2.Body.String() != rec.Body.String() {
		t.Errorf("ownership-denied and not-found responses must match: %q vs %q", rec.Body.String(), rec2.Body.String())
	}
}

func TestUpdateQueryPostClearsLocalCacheAndRunsE1(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "owner@example.com"})
	id, _ := h.fStore.CreatePost(context.Background(), domain.Post{UserID: 1, Title: "travel", Template: domain.TemplateQuery})
	if err := h.srv.localCache.Save(id, []localcache.Entry{{PostID: 1, RelevanceScore: 0.5}}); err != nil {
		t.Fatalf("seed local cache: %v", err)
	}

	body, contentType := multipartBody(t, map[string]string{
		"post_id": itoa(id),
		"email":   "owner@example.com",
		"title":   "travel and food",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/posts/update", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(h.fMatch.rematchQueryCalls) != 1 || h.fMatch.rematchQueryCalls[0] != id {
		t.Errorf("expected E1 for query %d, got %v", id, h.fMatch.rematchQueryCalls)
	}
	if len(h.fPool.enqueued) != 0 {
		t.Errorf("a query update should not enqueue E2, got %v", h.fPool.enqueued)
	}
	if _, ok, err := h.srv.localCache.Load(id); err != nil || ok {
		t.Errorf("expected local cache page for query %d to be evicted, ok=%v err=%v", id, ok, err)
	}
}

func TestDeletePostClearsCacheBeforeDeletingRecord(t *testing.T) {
	h := newHarness(t)
	id, _ := h.fStore.CreatePost(context.Background(), domain.Post{UserID: 1, Title: "gone soon", Template: domain.TemplatePost})

	req := httptest.NewRequest(http.MethodDelete, "/api/posts/"+itoa(id), nil)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(h.fMatch.forgetCalls) != 1 || h.fMatch.forgetCalls[0] != id {
		t.Errorf("expected ForgetPost called for %d before deletion, got %v", id, h.fMatch.forgetCalls)
	}
	if _, err := h.fStore.GetPost(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected post to be deleted, got err=%v", err)
	}
}

func TestDeletePostUnknownIDIsNotFound(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/posts/987654", nil)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSearchAutoPopulatesOnEmptyCacheThenRecordsView(t *testing.T) {
	h := newHarness(t)
	queryID := int64(55)
	// No rows seeded: the handler's cache-miss path must call RematchQuery
	// once, then re-read results (still empty, since the fake matcher is a
	// no-op stub) before recording the view.

	req := httptest.NewRequest(http.MethodGet, "/api/search?query_id=55&user_email=v@example.com", nil)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(h.fMatch.rematchQueryCalls) != 1 || h.fMatch.rematchQueryCalls[0] != queryID {
		t.Errorf("expected cache-miss to trigger E1 once for query %d, got %v", queryID, h.fMatch.rematchQueryCalls)
	}
	if len(h.fCache.views[queryID]) != 1 || h.fCache.views[queryID][0] != "v@example.com" {
		t.Errorf("expected a recorded view for v@example.com, got %v", h.fCache.views[queryID])
	}

	var entries []localcache.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries since RematchQuery is a stub, got %v", entries)
	}
}

func TestSearchResultsAreScaledTo0To1(t *testing.T) {
	h := newHarness(t)
	h.fCache.rows[9] = []matchcache.Row{{PostID: 1, Score: 70, MatchedAt: time.Now()}, {PostID: 2, Score: 60, MatchedAt: time.Now()}}

	req := httptest.NewRequest(http.MethodGet, "/api/search?query_id=9&user_email=v@example.com", nil)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var entries []localcache.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 2 || entries[0].RelevanceScore != 0.7 || entries[1].RelevanceScore != 0.6 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestQueryBadgesReturnsFlatMapByQueryID(t *testing.T) {
	h := newHarness(t)
	h.fCache.dirty[1] = true
	h.fCache.dirty[2] = false

	reqBody, _ := json.Marshal(map[string]any{"user_email": "v@example.com", "query_ids": []int64{1, 2}})
	req := httptest.NewRequest(http.MethodPost, "/api/queries/badges", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["1"] != true || out["2"] != false {
		t.Errorf("unexpected badges: %v", out)
	}
}

func TestRegisterDeviceUnknownDeviceReturnsNotFound(t *testing.T) {
	h := newHarness(t)

	reqBody, _ := json.Marshal(map[string]string{"device_id": "nope", "apns_token": "tok"})
	req := httptest.NewRequest(http.MethodPost, "/api/notifications/register-device", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRegisterDeviceUpdatesToken(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "a@example.com"})
	h.fStore.devices["dev-1"] = 1

	reqBody, _ := json.Marshal(map[string]string{"device_id": "dev-1", "apns_token": "tok"})
	req := httptest.NewRequest(http.MethodPost, "/api/notifications/register-device", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if h.fStore.users[1].ApnsDeviceToken == nil || *h.fStore.users[1].ApnsDeviceToken != "tok" {
		t.Errorf("expected token to be persisted, got %+v", h.fStore.users[1])
	}
}

func TestUsersNewSinceOrdersByInviteProximity(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.fStore.addUser(domain.User{ID: 1, Email: "me@example.com", AncestorChain: []int64{1, 10, 20}})
	h.fStore.addUser(domain.User{ID: 2, Email: "stranger@example.com", AncestorChain: []int64{2, 99}, LastActivity: now})
	h.fStore.addUser(domain.User{ID: 3, Email: "cousin@example.com", AncestorChain: []int64{3, 10, 20}, LastActivity: now})

	req := httptest.NewRequest(http.MethodGet, "/api/users/new-since?user_email=me@example.com&since="+now.Add(-time.Hour).Format(time.RFC3339), nil)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	users, _ := resp["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("expected 2 new users, got %d (%v)", len(users), users)
	}
	first := users[0].(map[string]any)
	if first["email"] != "cousin@example.com" {
		t.Errorf("expected the invite-tree-closer cousin first, got %v", first["email"])
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestCreateProfileMarksCompleteAndBroadcastsNewMember(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "a@example.com", Name: "Ada"})

	body, contentType := multipartBody(t, map[string]string{
		"email":   "a@example.com",
		"title":   "Ada",
		"summary": "Loves hiking",
		"body":    "Looking for trail buddies",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/users/profile/create", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !h.fStore.users[1].ProfileComplete {
		t.Error("expected profile_complete to be set")
	}

	// notifyNewMember runs in its own goroutine; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.fNotify.newMemberCalls == nil {
		time.Sleep(time.Millisecond)
	}
	if len(h.fNotify.newMemberCalls) != 1 || h.fNotify.newMemberCalls[0] != 1 {
		t.Errorf("expected NotifyNewMember called once for user 1, got %v", h.fNotify.newMemberCalls)
	}
}

func TestCreateProfileRejectsWhenProfilePostExists(t *testing.T) {
	h := newHarness(t)
	h.fStore.addUser(domain.User{ID: 1, Email: "a@example.com", Name: "Ada"})
	if _, _, err := h.fStore.EnsureProfile(context.Background(), 1); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}

	body, contentType := multipartBody(t, map[string]string{
		"email": "a@example.com",
		"title": "Ada again",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/users/profile/create", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
