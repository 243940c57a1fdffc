package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/runtime"
	"github.com/hiveloop/hiveloop/internal/session"
)

// signatureHeader carries the webhook HMAC, "sha256=" + hex digest of
// the raw body keyed with the entry point's shared secret.
const signatureHeader = "X-Signature-256"

type triggerRequest struct {
	EntryPoint string         `json:"entry_point" binding:"required"`
	Seed       map[string]any `json:"seed"`
	// SessionID resumes an existing session; FreshSession forces a new
	// one. Neither set means the entry point's default session.
	SessionID    string `json:"session_id"`
	FreshSession bool   `json:"fresh_session"`
}

func (req triggerRequest) options() []runtime.TriggerOption {
	var opts []runtime.TriggerOption
	if req.SessionID != "" {
		opts = append(opts, runtime.WithSessionID(req.SessionID))
	}
	if req.FreshSession {
		opts = append(opts, runtime.WithFreshSession())
	}
	return opts
}

type inputRequest struct {
	EntryPoint string `json:"entry_point" binding:"required"`
	Text       string `json:"text" binding:"required"`
}

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) listGraphs(c *gin.Context) {
	type graphInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Primary     bool   `json:"primary"`
		EntryPoints int    `json:"entry_points"`
	}
	active := s.rt.ActiveGraphID()
	out := make([]graphInfo, 0)
	for _, id := range s.rt.Graphs() {
		pkg, err := s.rt.Package(id)
		if err != nil {
			continue
		}
		out = append(out, graphInfo{
			ID:          id,
			Name:        pkg.Name,
			Description: pkg.Description,
			Primary:     id == active,
			EntryPoints: len(pkg.EntryPoints),
		})
	}
	c.JSON(http.StatusOK, gin.H{"graphs": out, "active_graph_id": active})
}

// loadGraph registers an agent package from disk. Load errors are
// surfaced verbatim; a package that fails validation never registers.
func (s *Server) loadGraph(c *gin.Context) {
	var req struct {
		Path    string `json:"path" binding:"required"`
		Primary bool   `json:"primary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pkg, err := graph.LoadPackage(req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rt.AddGraph(pkg, req.Primary); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"graph_id": pkg.Graph.ID,
		"name":     pkg.Name,
	})
}

func (s *Server) removeGraph(c *gin.Context) {
	if err := s.rt.RemoveGraph(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) activateGraph(c *gin.Context) {
	if err := s.rt.SetActiveGraph(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_graph_id": c.Param("id")})
}

func (s *Server) triggerGraph(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	handle, err := s.rt.Trigger(c.Request.Context(), c.Param("id"), req.EntryPoint, req.Seed, req.options()...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"stream_id":  handle.StreamID,
		"session_id": handle.SessionID,
	})
}

func (s *Server) resumeGraph(c *gin.Context) {
	var req struct {
		EntryPoint string `json:"entry_point" binding:"required"`
		SessionID  string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var opts []runtime.TriggerOption
	if req.SessionID != "" {
		opts = append(opts, runtime.WithSessionID(req.SessionID))
	}
	handle, err := s.rt.Resume(c.Request.Context(), c.Param("id"), req.EntryPoint, opts...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"stream_id":  handle.StreamID,
		"session_id": handle.SessionID,
	})
}

func (s *Server) injectInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rt.InjectInput(c.Param("id"), req.EntryPoint, req.Text); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

func (s *Server) stopGraph(c *gin.Context) {
	if err := s.rt.Stop(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// chat routes free-form text: it either answers a waiting node or starts
// a fresh execution on the primary graph.
func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	handle, err := s.rt.Chat(c.Request.Context(), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	if handle == nil {
		c.JSON(http.StatusOK, gin.H{"routed": "input"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"routed":     "trigger",
		"stream_id":  handle.StreamID,
		"session_id": handle.SessionID,
	})
}

// storeFor picks the session store: the root store by default, a graph's
// nested store when ?graph= is given.
func (s *Server) storeFor(c *gin.Context) (*session.Store, error) {
	if graphID := c.Query("graph"); graphID != "" {
		return s.rt.SessionStoreFor(graphID)
	}
	return s.store, nil
}

func (s *Server) listSessions(c *gin.Context) {
	store, err := s.storeFor(c)
	if err != nil {
		fail(c, err)
		return
	}
	ids, err := store.List()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

func (s *Server) getSession(c *gin.Context) {
	store, err := s.storeFor(c)
	if err != nil {
		fail(c, err)
		return
	}
	state, err := store.Load(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) deleteSession(c *gin.Context) {
	store, err := s.storeFor(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := store.Delete(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) listCheckpoints(c *gin.Context) {
	store, err := s.storeFor(c)
	if err != nil {
		fail(c, err)
		return
	}
	names, err := store.ListCheckpoints(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": names})
}

func (s *Server) createCheckpoint(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	store, err := s.storeFor(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := store.Checkpoint(c.Param("id"), req.Name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkpoint": req.Name})
}

func (s *Server) restoreCheckpoint(c *gin.Context) {
	store, err := s.storeFor(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := store.Restore(c.Param("id"), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": c.Param("name")})
}

// webhook ingests an external event. The source path must match a
// registered webhook entry point; when that entry point carries a
// secret, the request must be signed and an invalid signature is
// rejected before anything reaches the bus.
func (s *Server) webhook(c *gin.Context) {
	source := c.Param("source")
	ep, ok := s.webhookEntryPoint(source)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown webhook source"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}

	if ep.Trigger.Secret != "" {
		if !verifySignature(ep.Trigger.Secret, body, c.GetHeader(signatureHeader)) {
			s.log.Warn("Webhook signature rejected", zap.String("source", source))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
			return
		}
	}

	headers := make(map[string]string)
	for k := range c.Request.Header {
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, signatureHeader) {
			continue
		}
		headers[k] = c.GetHeader(k)
	}

	s.bus.Publish(events.New(events.TypeWebhookReceived, events.WebhookPayload(source, headers, payload)))
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// verifySignature checks a "sha256=<hex>" signature against the body
// HMAC in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(digest))
}
