package handler

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"anomalygpt/internal/httputil"
)

// ImageHandler serves rendered plot images.
type ImageHandler struct {
	imageDir string
	logger   *slog.Logger
}

// NewImageHandler creates a handler serving PNGs from imageDir
func NewImageHandler(imageDir string, logger *slog.Logger) *ImageHandler {
	return &ImageHandler{
		imageDir: imageDir,
		logger:   logger,
	}
}

// GetImage serves one rendered plot
// GET /api/images/{name}
func (h *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	name, ok := PathParam(w, r, "name", "Image name")
	if !ok {
		return
	}

	// Filenames are renderer-generated UUIDs; anything else is a traversal
	// attempt
	if name != filepath.Base(name) || strings.Contains(name, "..") || !strings.HasSuffix(name, ".png") {
		httputil.RespondError(w, http.StatusBadRequest, "invalid image name")
		return
	}

	path := filepath.Join(h.imageDir, name)
	if _, err := os.Stat(path); err != nil {
		httputil.RespondError(w, http.StatusNotFound, "image not found")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}
