package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/pattern-engine/internal/db"
	"github.com/rawblock/pattern-engine/internal/engine"
	"github.com/rawblock/pattern-engine/pkg/models"
)

// maxTrainLines caps the corpus size for a single training request to
// prevent runaway resource exhaustion from unconstrained requests.
const maxTrainLines = 50_000

// maxMessageBytes bounds a single message body.
const maxMessageBytes = 1 << 20

type APIHandler struct {
	dbStore  *db.PostgresStore
	wsHub    *Hub
	sessions *SessionManager
	alerts   *engine.AlertManager
	guard    *AuthGuard
	baseCfg  engine.Config
}

func SetupRouter(dbStore *db.PostgresStore, wsHub *Hub, baseCfg engine.Config) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://engine.rawblock.net
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	alerts := engine.NewAlertManager(func(alert engine.Alert) {
		if wsHub == nil {
			return
		}
		payload, err := json.Marshal(gin.H{"type": "engine_alert", "alert": alert})
		if err != nil {
			log.Printf("[API] Failed to marshal alert payload: %v", err)
			return
		}
		wsHub.Broadcast(payload)
	})

	handler := &APIHandler{
		dbStore:  dbStore,
		wsHub:    wsHub,
		sessions: NewSessionManager(),
		alerts:   alerts,
		guard:    NewAuthGuard(),
		baseCfg:  baseCfg,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (master token, or the session's own token
	//    for /sessions/:id routes; open in dev mode) ──
	auth := r.Group("/api")
	auth.Use(handler.guard.Middleware())
	// Budget protected endpoints at 120 step cost per session per minute;
	// training requests are charged by corpus size.
	auth.Use(NewStepLimiter(120).Middleware())
	{
		sessions := auth.Group("/sessions")
		{
			sessions.POST("", handler.handleCreateSession)
			sessions.GET("", handler.handleListSessions)
			sessions.GET("/saved", handler.handleListSaved)
			sessions.GET("/:id", handler.handleGetSession)
			sessions.DELETE("/:id", handler.handleDeleteSession)
			sessions.POST("/:id/messages", handler.handleMessage)
			sessions.POST("/:id/save", handler.handleSaveSession)
			sessions.POST("/:id/train", handler.handleTrain)
			sessions.GET("/:id/train/progress", handler.handleTrainProgress)
			sessions.GET("/:id/problems", handler.handleTopProblems)
			sessions.GET("/:id/concerns", handler.handleConcerns)
		}
	}

	return r
}

// handleCreateSession creates a fresh session, or restores one from a
// saved snapshot when `restore` names one.
// POST /api/sessions { "name": "demo", "restore": "saved-name" }
func (h *APIHandler) handleCreateSession(c *gin.Context) {
	var req struct {
		Name    string `json:"name"`
		Restore string `json:"restore"`
	}
	// An empty body means a plain fresh session.
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var (
		sess *Session
		err  error
	)
	if req.Restore != "" {
		if h.dbStore == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
			return
		}
		payload, loadErr := h.dbStore.LoadSnapshot(c.Request.Context(), req.Restore)
		if loadErr != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Snapshot not found", "details": loadErr.Error()})
			return
		}
		sess, err = h.sessions.CreateFromSnapshot(payload, req.Name)
	} else {
		sess, err = h.sessions.Create(h.baseCfg, req.Name)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to create session", "details": err.Error()})
		return
	}

	sess.Engine.SetAlertManager(h.alerts)

	// The scoped token is returned exactly once; it unlocks only this
	// session's routes.
	token := h.guard.IssueSessionToken(sess.ID)

	c.JSON(http.StatusOK, gin.H{
		"id":           sess.ID,
		"name":         sess.Name,
		"step":         sess.Engine.Step(),
		"createdAt":    sess.CreatedAt,
		"sessionToken": token,
	})
}

// handleMessage runs one engine step over a message.
// POST /api/sessions/:id/messages { "text": "...", "learn": true, "reward": 0.5 }
func (h *APIHandler) handleMessage(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageBytes)
	var req struct {
		Text   string   `json:"text"`
		Tokens []string `json:"tokens"`
		Learn  *bool    `json:"learn"`
		Reward float64  `json:"reward"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Text == "" && len(req.Tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provide either text or tokens"})
		return
	}

	learn := true
	if req.Learn != nil {
		learn = *req.Learn
	}
	opts := engine.Options{Learn: learn, Reward: req.Reward}

	sess.Lock()
	var (
		metrics models.Metrics
		err     error
	)
	if len(req.Tokens) > 0 {
		metrics, err = sess.Engine.ProcessTokens(req.Tokens, opts)
	} else {
		metrics, err = sess.Engine.ProcessText(req.Text, opts)
	}
	sess.Unlock()

	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Step failed", "details": err.Error()})
		return
	}
	sess.Touch()

	// Stream the step to connected dashboards.
	if h.wsHub != nil && learn {
		if payload, merr := json.Marshal(gin.H{
			"type":      "step_metrics",
			"sessionId": sess.ID,
			"metrics":   metrics,
		}); merr == nil {
			h.wsHub.Broadcast(payload)
		}
	}

	c.JSON(http.StatusOK, metrics)
}

// handleSaveSession snapshots a session under a name.
// POST /api/sessions/:id/save { "name": "demo-v1" }
func (h *APIHandler) handleSaveSession(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Snapshot name required"})
		return
	}

	sess.Lock()
	sess.Engine.SessionEnd()
	payload, err := sess.Engine.MarshalSnapshot()
	step := sess.Engine.Step()
	sess.Unlock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to serialize session", "details": err.Error()})
		return
	}

	if err := h.dbStore.SaveSnapshot(c.Request.Context(), req.Name,
		models.SnapshotVersion, step, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to persist snapshot", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "saved", "name": req.Name, "step": step})
}

// handleListSaved returns persisted snapshots, newest first.
func (h *APIHandler) handleListSaved(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	snapshots, err := h.dbStore.ListSnapshots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list snapshots", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

// handleListSessions returns the live sessions.
func (h *APIHandler) handleListSessions(c *gin.Context) {
	sessions := h.sessions.List()
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"id":        sess.ID,
			"name":      sess.Name,
			"step":      sess.Engine.Step(),
			"createdAt": sess.CreatedAt,
			"updatedAt": sess.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// handleGetSession returns one session's live counters.
func (h *APIHandler) handleGetSession(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}

	sess.Lock()
	info := gin.H{
		"id":         sess.ID,
		"name":       sess.Name,
		"step":       sess.Engine.Step(),
		"groups":     sess.Engine.Store().Size(),
		"edges":      sess.Engine.Graph().EdgeCount(),
		"vocab":      sess.Engine.Tokenizer().VocabSize(),
		"buffered":   sess.Engine.Buffer().Size(),
		"concerns":   sess.Engine.Concerns().Size(),
		"storeStats": sess.Engine.Store().Stats(),
	}
	sess.Unlock()

	c.JSON(http.StatusOK, info)
}

// handleDeleteSession drops a live session and revokes its scoped
// token. Saved snapshots survive.
func (h *APIHandler) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !h.sessions.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}
	h.guard.Revoke(id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleTrain feeds a corpus through the session's engine in the
// background. POST /api/sessions/:id/train { "lines": [...], "reward": 0.5 }
func (h *APIHandler) handleTrain(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}

	var req struct {
		Lines  []string `json:"lines"`
		Reward float64  `json:"reward"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {lines: [...]}"})
		return
	}
	// Cap the corpus to prevent unbounded background resource consumption.
	if len(req.Lines) > maxTrainLines {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Corpus too large",
			"maxLines": maxTrainLines,
			"hint":     "Split into multiple smaller requests",
		})
		return
	}

	if !sess.Trainer.Run(context.Background(), req.Lines, req.Reward) {
		c.JSON(http.StatusConflict, gin.H{"error": "Training already in progress"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "training_started",
		"totalLines": len(req.Lines),
	})
}

// handleTrainProgress returns the trainer's progress counters.
func (h *APIHandler) handleTrainProgress(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}
	c.JSON(http.StatusOK, sess.Trainer.GetProgress())
}

// handleTopProblems returns the highest-priority unresolved attention items.
func (h *APIHandler) handleTopProblems(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("n", "10"))

	sess.Lock()
	problems := sess.Engine.Buffer().GetTopProblems(n)
	sess.Unlock()

	c.JSON(http.StatusOK, gin.H{"problems": problems})
}

// handleConcerns returns the session's ranked persistent concerns.
func (h *APIHandler) handleConcerns(c *gin.Context) {
	sess, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("n", "10"))

	sess.Lock()
	top := sess.Engine.Concerns().TopConcerns(n)
	sess.Unlock()

	c.JSON(http.StatusOK, gin.H{"concerns": top})
}

// handleHealth returns engine status and capabilities for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := h.dbStore != nil

	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "RawBlock Pattern Engine v1.0",
		"capabilities": gin.H{
			"multi_hop_prediction": true,
			"attention_buffer":     true,
			"persistent_concerns":  true,
			"snapshot_restore":     true,
			"corpus_training":      true,
		},
		"liveSessions": h.sessions.Size(),
		"dbConnected":  dbConnected,
	})
}
