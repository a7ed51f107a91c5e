package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/murmurwall/murmur/internal/engine"
	"github.com/murmurwall/murmur/internal/metrics"
	"github.com/murmurwall/murmur/internal/store"
)

const maxContentLength = 280

// embedTimeout bounds how long a submission waits on the embedding API.
// Expired embeds are not fatal; the message is stored without a vector.
const embedTimeout = 3 * time.Second

// Message ids are string-encoded on the wire so clients never lose
// precision on large int64 values.
type messageJSON struct {
	ID        int64  `json:"id,string"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type scoredJSON struct {
	messageJSON
	Score float64 `json:"score"`
}

type clusterJSON struct {
	Focus      messageJSON  `json:"focus"`
	Related    []scoredJSON `json:"related"`
	Next       *messageJSON `json:"next,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	CreatedAt  string       `json:"created_at"`
	Sequence   int64        `json:"sequence"`
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{ID: m.ID, Content: m.Content, CreatedAt: m.CreatedAt}
}

func toClusterJSON(c *engine.Cluster) clusterJSON {
	out := clusterJSON{
		Focus:      toMessageJSON(c.Focus),
		Related:    make([]scoredJSON, 0, len(c.Related)),
		DurationMS: c.Duration.Milliseconds(),
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
		Sequence:   c.Sequence,
	}
	for _, r := range c.Related {
		out.Related = append(out.Related, scoredJSON{toMessageJSON(r.Message), r.Score})
	}
	if c.Next != nil {
		next := toMessageJSON(*c.Next)
		out.Next = &next
	}
	return out
}

// writeError emits a JSON error body. Always encoded, never
// concatenated, so quotes in the message cannot break the payload.
func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// serverError logs the real failure and returns a generic 500 so
// internal detail (SQL text, paths) never reaches clients.
func serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.SubmissionsRejected.WithLabelValues("invalid_json").Inc()
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	content := strings.TrimSpace(req.Content)
	length := utf8.RuneCountInString(content)
	if length == 0 {
		metrics.SubmissionsRejected.WithLabelValues("empty").Inc()
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if length > maxContentLength {
		metrics.SubmissionsRejected.WithLabelValues("too_long").Inc()
		writeError(w, http.StatusBadRequest, "content exceeds 280 characters")
		return
	}

	ipHash := s.hashIP(r)
	key := req.SessionID
	if key == "" {
		key = ipHash
	}
	if ok, retryAfter := s.limiter.Allow(key); !ok {
		metrics.SubmissionsRejected.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	msg := &store.Message{
		Content:   content,
		Approved:  true,
		IPHash:    ipHash,
		SessionID: req.SessionID,
	}

	if s.embedder != nil {
		ctx, cancel := context.WithTimeout(r.Context(), embedTimeout)
		vec, err := s.embedder.Embed(ctx, content)
		cancel()
		if err != nil {
			log.Printf("embed submission: %v", err)
		} else {
			msg.Embedding = vec
		}
	}

	if err := s.db.InsertMessage(msg); err != nil {
		serverError(w, "insert message", err)
		return
	}
	metrics.SubmissionsTotal.Inc()

	stats := s.engine.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"id":                strconv.FormatInt(msg.ID, 10),
		"created_at":        msg.CreatedAt,
		"estimated_wait_ms": stats.EstimatedQueueWait.Milliseconds(),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	msgs, total, err := s.db.ListMessages(limit, offset)
	if err != nil {
		serverError(w, "list messages", err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"messages": out,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := s.db.SoftDeleteMessage(id); err != nil {
		serverError(w, "delete message", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (s *Server) handleApproveMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var req struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.db.SetApproved(id, req.Approved); err != nil {
		serverError(w, "set approved", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "approved": req.Approved})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.engine.GetNextCluster()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "engine not initialized")
		return
	}
	if cluster == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toClusterJSON(cluster))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	total, err := s.db.MessageCount()
	if err != nil {
		serverError(w, "message count", err)
		return
	}

	resp := map[string]any{
		"initialized":           stats.Initialized,
		"total_messages":        total,
		"working_set_size":      stats.WorkingSetSize,
		"priority_queue_size":   stats.PriorityQueueSize,
		"queue_capacity":        stats.QueueCapacity,
		"watermark":             stats.Watermark,
		"surge_mode":            stats.SurgeActive,
		"estimated_wait_ms":     stats.EstimatedQueueWait.Milliseconds(),
		"memory_estimate_bytes": stats.MemoryEstimateBytes,
		"clusters_shown":        stats.ClustersShown,
		"stream_clients":        s.hub.count(),
	}
	if stats.Cursor != nil {
		resp["cursor"] = *stats.Cursor
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db.Ping() == nil
	health := s.engine.Health()

	status := health.Status
	code := http.StatusOK
	if !dbOK || status == "degraded" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
		"engine": map[string]any{
			"initialized": health.Initialized,
			"store":       health.Store.OK,
			"scheduler":   health.Scheduler.Detail,
		},
	})
}

// hashIP derives a salted, truncated digest of the client IP. Raw
// addresses are never stored.
func (s *Server) hashIP(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	sum := sha256.Sum256([]byte(s.cfg.Submission.IPSalt + ip))
	return hex.EncodeToString(sum[:])[:16]
}
