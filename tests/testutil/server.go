package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nhle/topicfeed/internal/model"
)

type fakeUser struct {
	id       string
	password string
}

// FakeServer is an in-process topic server speaking the same REST and
// event stream protocol as the real one. New posts are fanned out to
// every subscriber except the author, like the server's outbox relay.
type FakeServer struct {
	*httptest.Server

	mu      sync.Mutex
	users   map[string]fakeUser
	topics  []model.Topic
	subs    map[string]map[string]bool
	posts   map[string][]model.Post
	revoked map[string]bool
	streams map[string]map[chan string]struct{}
	failing map[string]int
	nextID  int

	streamOpened chan string
}

// NewFakeServer starts a server seeded with the topics "go" (id 1) and
// "rust" (id 2). It is closed when the test ends.
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()

	s := &FakeServer{
		users: make(map[string]fakeUser),
		topics: []model.Topic{
			{ID: "1", Name: "go", Description: "Go talk"},
			{ID: "2", Name: "rust", Description: "Rust talk"},
		},
		subs:         make(map[string]map[string]bool),
		posts:        make(map[string][]model.Post),
		revoked:      make(map[string]bool),
		streams:      make(map[string]map[chan string]struct{}),
		failing:      make(map[string]int),
		nextID:       100,
		streamOpened: make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.Handle("GET /api/topics", s.auth(s.handleTopics))
	mux.Handle("GET /api/subscriptions", s.auth(s.handleSubscriptions))
	mux.Handle("GET /api/topics/{id}/posts", s.auth(s.handleListPosts))
	mux.Handle("POST /api/topics/{id}/posts", s.auth(s.handleCreatePost))
	mux.Handle("POST /api/topics/{id}/subscribe", s.auth(s.handleSubscribe(true)))
	mux.Handle("POST /api/topics/{id}/unsubscribe", s.auth(s.handleSubscribe(false)))
	mux.Handle("GET /api/events", s.auth(s.handleEvents))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddUser registers an account and returns its id.
func (s *FakeServer) AddUser(username, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(username, password)
}

// Token issues a valid bearer token for userID.
func (s *FakeServer) Token(userID string) string {
	token, err := issueToken(userID)
	if err != nil {
		panic(err)
	}
	return token
}

// Revoke makes every request authenticated as userID fail with 401.
func (s *FakeServer) Revoke(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[userID] = true
}

// FailNext makes the next request to "METHOD path" answer with status.
func (s *FakeServer) FailNext(methodAndPath string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[methodAndPath] = status
}

// Push sends data as one event to every open stream of userID and
// returns how many streams received it. Like the real relay it drops
// the event for a stream whose buffer is full.
func (s *FakeServer) Push(userID, data string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for ch := range s.streams[userID] {
		select {
		case ch <- data:
			sent++
		default:
		}
	}
	return sent
}

// WaitForStream blocks until userID has an open event stream.
func (s *FakeServer) WaitForStream(t *testing.T, userID string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.streams[userID])
		s.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-s.streamOpened:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no event stream opened for %s", userID)
		}
	}
}

// OpenStreams returns the number of open event streams of userID.
func (s *FakeServer) OpenStreams(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[userID])
}

func (s *FakeServer) addUserLocked(username, password string) string {
	s.nextID++
	id := fmt.Sprintf("u-%d", s.nextID)
	s.users[username] = fakeUser{id: id, password: password}
	return id
}

func (s *FakeServer) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		key := r.Method + " " + r.URL.Path
		status, fail := s.failing[key]
		delete(s.failing, key)
		s.mu.Unlock()
		if fail {
			http.Error(w, "injected failure", status)
			return
		}

		tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return TestSigningKey, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		userID, _ := claims["user_id"].(string)

		s.mu.Lock()
		revoked := s.revoked[userID]
		s.mu.Unlock()
		if userID == "" || revoked {
			http.Error(w, "Invalid token claims", http.StatusUnauthorized)
			return
		}

		r.Header.Set("X-Fake-User", userID)
		next(w, r)
	})
}

func (s *FakeServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := issueToken(u.id)
	if err != nil {
		http.Error(w, "Error signing token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token, "user_id": u.id})
}

func (s *FakeServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.users[req.Username]; taken {
		http.Error(w, "Username likely taken", http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"id": s.addUserLocked(req.Username, req.Password)})
}

func (s *FakeServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	topics := append([]model.Topic(nil), s.topics...)
	s.mu.Unlock()
	writeJSON(w, topics)
}

func (s *FakeServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-Fake-User")
	s.mu.Lock()
	var topics []model.Topic
	for _, t := range s.topics {
		if s.subs[userID][t.ID] {
			topics = append(topics, t)
		}
	}
	s.mu.Unlock()
	writeJSON(w, topics)
}

func (s *FakeServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	posts := append([]model.Post(nil), s.posts[r.PathValue("id")]...)
	s.mu.Unlock()
	writeJSON(w, posts)
}

func (s *FakeServer) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-Fake-User")
	topicID := r.PathValue("id")

	var req model.CreatePost
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	topic, ok := s.topicLocked(topicID)
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Topic not found", http.StatusBadRequest)
		return
	}
	s.nextID++
	post := model.Post{
		ID:        fmt.Sprintf("p-%d", s.nextID),
		TopicID:   topicID,
		Title:     req.Title,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	// Newest first, as the server orders them.
	s.posts[topicID] = append([]model.Post{post}, s.posts[topicID]...)

	var recipients []string
	for uid, topics := range s.subs {
		if topics[topicID] && uid != userID {
			recipients = append(recipients, uid)
		}
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{
		"message":    "New post in " + topic.Name + ": " + req.Title,
		"topic_name": topic.Name,
		"post_id":    post.ID,
	})
	for _, uid := range recipients {
		s.Push(uid, string(payload))
	}

	writeJSON(w, map[string]string{"status": "Post created and event queued"})
}

func (s *FakeServer) handleSubscribe(subscribe bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-Fake-User")
		topicID := r.PathValue("id")

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.topicLocked(topicID); !ok {
			http.Error(w, "Topic not found", http.StatusInternalServerError)
			return
		}
		if s.subs[userID] == nil {
			s.subs[userID] = make(map[string]bool)
		}
		if subscribe {
			s.subs[userID][topicID] = true
		} else {
			delete(s.subs[userID], topicID)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *FakeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-Fake-User")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan string, 16)
	s.mu.Lock()
	if s.streams[userID] == nil {
		s.streams[userID] = make(map[chan string]struct{})
	}
	s.streams[userID][ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.streams[userID], ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, "data: connected\n\n")
	flusher.Flush()

	select {
	case s.streamOpened <- userID:
	default:
	}

	for {
		select {
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *FakeServer) topicLocked(id string) (model.Topic, bool) {
	for _, t := range s.topics {
		if t.ID == id {
			return t, true
		}
	}
	return model.Topic{}, false
}

func issueToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(TestSigningKey)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
