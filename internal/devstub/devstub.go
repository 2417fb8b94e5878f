// Package devstub is a local stand-in for the emotion prediction service. It
// speaks the same upload, predict and chat contract with deterministic scores
// derived from the audio bytes.
package devstub

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/audio"
)

const (
	ChatReply   = "I hear you. Thanks for sharing."
	replyPrefix = "I'm here for you. It sounds like you're feeling "

	maxUploadBytes = 32 << 20
)

// Labels scored for every clip.
var Labels = []string{"Calmness", "Joy", "Sadness", "Anger", "Anxiety", "Surprise"}

// Message is one stored conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Server struct {
	mu            sync.Mutex
	uploads       map[string][]byte
	conversations map[string][]Message
}

func New() *Server {
	return &Server{
		uploads:       make(map[string][]byte),
		conversations: make(map[string][]Message),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/upload", s.handleUpload)
	r.Get("/uploads/{name}", s.handleGetUpload)
	r.Post("/predict", s.handlePredict)
	r.Post("/analyze-audio", s.handleAnalyzeAudio)
	r.Post("/chat", s.handleChat)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "ora-devstub"})
	})
	return r
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, filename, err := readMultipartFile(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".webm"
	}
	name := strings.ReplaceAll(uuid.NewString(), "-", "") + ext

	s.mu.Lock()
	s.uploads[name] = data
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"file": name, "bytes": len(data)}).Info("devstub upload stored")
	writeJSON(w, http.StatusOK, map[string]string{"file_url": "/uploads/" + name})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	data, ok := s.uploads[name]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	w.Header().Set("Content-Type", audio.MediaTypeForFilename(name))
	_, _ = w.Write(data)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AudioURL string `json:"audio_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.AudioURL) == "" {
		writeError(w, http.StatusBadRequest, "No audio URL received")
		return
	}
	data, ok := s.lookup(req.AudioURL)
	if !ok {
		writeError(w, http.StatusNotFound, "Audio not found")
		return
	}
	writeJSON(w, http.StatusOK, s.predict(data))
}

func (s *Server) handleAnalyzeAudio(w http.ResponseWriter, r *http.Request) {
	data, _, err := readMultipartFile(r, "audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio uploaded")
		return
	}
	writeJSON(w, http.StatusOK, s.predict(data))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID  string `json:"chat_id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid chat_id")
		return
	}
	text := strings.TrimSpace(req.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[req.ChatID]
	if req.ChatID == "" || !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat_id")
		return
	}
	if text == "" {
		writeError(w, http.StatusBadRequest, "Empty message")
		return
	}
	s.conversations[req.ChatID] = append(conv,
		Message{Role: "user", Content: text},
		Message{Role: "assistant", Content: ChatReply},
	)
	writeJSON(w, http.StatusOK, map[string]string{"reply": ChatReply})
}

type prediction struct {
	Emotion       string             `json:"emotion"`
	Probabilities map[string]float64 `json:"probabilities"`
	Reply         string             `json:"reply"`
	ChatID        string             `json:"chat_id"`
}

func (s *Server) predict(data []byte) prediction {
	probs, top := Score(data)
	reply := replyPrefix + top + "."
	chatID := strings.ReplaceAll(uuid.NewString(), "-", "")

	s.mu.Lock()
	s.conversations[chatID] = []Message{
		{Role: "system", Content: "You are a compassionate assistant."},
		{Role: "user", Content: "I am feeling " + top + "."},
		{Role: "assistant", Content: reply},
	}
	s.mu.Unlock()

	return prediction{Emotion: top, Probabilities: probs, Reply: reply, ChatID: chatID}
}

// Score maps audio bytes to per-label percentages rounded to one decimal, and
// names the highest one. Equal scores resolve to the alphabetically first
// label. Identical input always scores identically.
func Score(data []byte) (map[string]float64, string) {
	probs := make(map[string]float64, len(Labels))
	top, best := "", -1.0
	for _, label := range Labels {
		h := fnv.New64a()
		_, _ = h.Write([]byte(label))
		_, _ = h.Write(data)
		v := math.Round(float64(h.Sum64()%10000)/10) / 10
		probs[label] = v
		if v > best || (v == best && label < top) {
			top, best = label, v
		}
	}
	return probs, top
}

// Conversation returns a copy of the stored messages for chatID.
func (s *Server) Conversation(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.conversations[chatID]...)
}

// lookup resolves an absolute or relative audio URL to a stored upload.
func (s *Server) lookup(audioURL string) ([]byte, bool) {
	u, err := url.Parse(strings.TrimSpace(audioURL))
	if err != nil {
		return nil, false
	}
	p := u.Path
	if !strings.HasPrefix(p, "/uploads/") {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[path.Base(p)]
	return data, ok
}

func readMultipartFile(r *http.Request, field string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, "", err
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty upload")
	}
	return data, hdr.Filename, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
