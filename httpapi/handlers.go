package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignite-run/ignite/envconfig"
	"github.com/ignite-run/ignite/generator"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/registry"
)

// GenerateRequest is the wire shape for POST /api/generate.
type GenerateRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Temperature    float64  `json:"temperature"`
	TopK           int      `json:"topK"`
	TopP           float64  `json:"topP"`
	MinP           float64  `json:"minP"`
	MaxTokens      int      `json:"maxTokens"`
	StopSequences  []string `json:"stop"`
	ExpectedTopK   []uint32 `json:"expectedTopK"`
	DriftThreshold float64  `json:"driftThreshold"`
}

// GenerateResponse is one chunked line of POST /api/generate's response
// body, mirroring runner_handlers.go's completion handler shape
// (content chunks, then a final done=true summary).
type GenerateResponse struct {
	Content         string `json:"content,omitempty"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"doneReason,omitempty"`
	PromptTokens    int    `json:"promptTokens,omitempty"`
	TokensGenerated int    `json:"tokensGenerated,omitempty"`
}

var stopReasonNames = map[generator.StopReason]string{
	generator.StopMaxTokens: "max_tokens",
	generator.StopTokenID:   "stop_token",
	generator.StopSequence:  "stop_sequence",
	generator.StopCancelled: "cancelled",
	generator.StopError:     "error",
}

// GenerateHandler streams generation output as newline-delimited JSON,
// matching runner_handlers.go's completion handler's chunked-encode-and-
// flush loop.
func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Model == "" || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and prompt are required"})
		return
	}

	session, err := s.Sessions.Get(resolveModelDir(s.ModelsDir, req.Model))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	driftThreshold := req.DriftThreshold
	if driftThreshold == 0 {
		driftThreshold = envconfig.DriftThreshold()
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 256
	}

	items, err := session.Generate(c.Request.Context(), req.Prompt, generator.GenerateOptions{
		Temperature:    req.Temperature,
		TopK:           req.TopK,
		TopP:           req.TopP,
		MinP:           req.MinP,
		MaxTokens:      maxTokens,
		StopSequences:  req.StopSequences,
		ExpectedTopK:   req.ExpectedTopK,
		DriftThreshold: driftThreshold,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Transfer-Encoding", "chunked")

	w := c.Writer
	enc := json.NewEncoder(w)
	flusher, canFlush := w.(http.Flusher)

	for item := range items {
		switch item.Kind {
		case generator.ItemToken:
			if err := enc.Encode(GenerateResponse{Content: item.Text}); err != nil {
				return
			}
		case generator.ItemError:
			enc.Encode(GenerateResponse{Done: true, DoneReason: "error"})
			if canFlush {
				flusher.Flush()
			}
			return
		case generator.ItemEnd:
			enc.Encode(GenerateResponse{
				Done:            true,
				DoneReason:      stopReasonNames[item.Stats.StopReason],
				PromptTokens:    item.Stats.PromptTokens,
				TokensGenerated: item.Stats.TokensGenerated,
			})
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// HealthHandler reports liveness, mirroring routes_misc.go's health
// handler shape.
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterAdapterHandler wraps registry.Registry.Register.
func (s *Server) RegisterAdapterHandler(c *gin.Context) {
	if s.Registry == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no adapter registry configured"})
		return
	}
	var req struct {
		Manifest lora.Manifest `json:"manifest"`
		Location string        `json:"location"`
		Tags     []string      `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.Registry.Register(req.Manifest, req.Location, req.Tags)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e)
}

// ListAdaptersHandler wraps registry.Registry.List.
func (s *Server) ListAdaptersHandler(c *gin.Context) {
	if s.Registry == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no adapter registry configured"})
		return
	}
	entries, err := s.Registry.List(registry.ListQuery{
		BaseModel: c.Query("baseModel"),
		SortBy:    c.DefaultQuery("sortBy", "name"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// GetAdapterHandler wraps registry.Registry.Get.
func (s *Server) GetAdapterHandler(c *gin.Context) {
	if s.Registry == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no adapter registry configured"})
		return
	}
	e, err := s.Registry.Get(c.Param("id"))
	if err != nil {
		if err == registry.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e)
}

// EnableAdapterHandler wraps lora.Manager.Enable.
func (s *Server) EnableAdapterHandler(c *gin.Context) {
	if s.Adapters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no adapter manager configured"})
		return
	}
	var req struct {
		Weight *float64 `json:"weight"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.Adapters.Enable(c.Param("id"), lora.EnableOptions{Weight: req.Weight}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// DisableAdapterHandler wraps lora.Manager.Disable.
func (s *Server) DisableAdapterHandler(c *gin.Context) {
	if s.Adapters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no adapter manager configured"})
		return
	}
	if err := s.Adapters.Disable(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}
