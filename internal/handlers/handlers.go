package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/readiness"
)

// multipartSlack is room for the multipart envelope around an upload.
const multipartSlack = 1 << 20

// ImageFetcher downloads an image for /classify-url.
type ImageFetcher interface {
	Get(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

type Handler struct {
	gate          *readiness.Gate[model.Predictor]
	images        ImageFetcher
	maxImageBytes int64
	title         string
}

func NewHandler(gate *readiness.Gate[model.Predictor], images ImageFetcher, maxImageBytes int64) *Handler {
	return &Handler{
		gate:          gate,
		images:        images,
		maxImageBytes: maxImageBytes,
		title:         "Image Classifier",
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/", h.Index)
	r.GET("/form", h.RedirectToIndex)
	r.POST("/analyze", h.Analyze)
	r.GET("/classify-url", h.ClassifyURL)

	r.GET("/healthz", h.Health)
	r.GET("/readyz", h.Ready)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Ready(c *gin.Context) {
	state := h.gate.State()
	if state != readiness.Ready {
		body := gin.H{"status": "unavailable", "state": state.String()}
		if err := h.gate.Err(); err != nil {
			body["error"] = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "state": state.String()})
}

func (h *Handler) Index(c *gin.Context) {
	data := gin.H{
		"Title": h.title,
		"State": h.gate.State().String(),
	}
	if p, ok := h.gate.Get(); ok {
		data["Ready"] = true
		data["Labels"] = p.Labels()
	}
	c.HTML(http.StatusOK, "index.html", data)
}

func (h *Handler) RedirectToIndex(c *gin.Context) {
	c.Redirect(http.StatusFound, "/")
}

// predictor returns the loaded model, or answers 503 if startup has not
// finished.
func (h *Handler) predictor(c *gin.Context) (model.Predictor, bool) {
	p, ok := h.gate.Get()
	if !ok {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "model is not ready",
			"state": h.gate.State().String(),
		})
		return nil, false
	}
	return p, true
}

func (h *Handler) Analyze(c *gin.Context) {
	p, ok := h.predictor(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImageBytes+multipartSlack)

	header, err := c.FormFile("file")
	if err != nil && h.bodyTooLarge(c, err) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", h.maxImageBytes)})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided. Use 'file' as the form field name"})
		return
	}
	if header.Size > h.maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", h.maxImageBytes)})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}

	log.WithFields(log.Fields{
		"filename":   header.Filename,
		"size":       len(data),
		"request_id": c.GetString("request_id"),
	}).Debug("received upload")

	pred, err := p.Predict(c.Request.Context(), data)
	if err != nil {
		status, msg := mapError(c, err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, NewAnalyzeResponse(pred))
}

// bodyTooLarge reports whether reading the upload failed because the body
// went past the request size limit.
func (h *Handler) bodyTooLarge(c *gin.Context, err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return c.Request.ContentLength > h.maxImageBytes+multipartSlack
}

func (h *Handler) ClassifyURL(c *gin.Context) {
	p, ok := h.predictor(c)
	if !ok {
		return
	}

	raw := c.Query("url")
	if raw == "" {
		c.HTML(http.StatusBadRequest, "error.html", gin.H{"Error": "the url query parameter is required"})
		return
	}

	data, err := h.images.Get(c.Request.Context(), raw, h.maxImageBytes)
	if err != nil {
		status, msg := mapError(c, err)
		c.HTML(status, "error.html", gin.H{"Error": msg})
		return
	}

	pred, err := p.Predict(c.Request.Context(), data)
	if err != nil {
		status, msg := mapError(c, err)
		c.HTML(status, "error.html", gin.H{"Error": msg})
		return
	}

	resp := NewAnalyzeResponse(pred)
	c.HTML(http.StatusOK, "show_predictions.html", gin.H{
		"URL":     raw,
		"Top":     resp.Top,
		"Results": resp.Results,
	})
}
