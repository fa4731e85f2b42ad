package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/vm-image-generator/internal/model"
	"github.com/sakif/vm-image-generator/internal/service"
)

// ImageHandler serves the generation page and My Gallery.
type ImageHandler struct {
	sessions *service.Manager
	logger   *slog.Logger
}

func NewImageHandler(sessions *service.Manager, logger *slog.Logger) *ImageHandler {
	return &ImageHandler{sessions: sessions, logger: logger}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	model.ImageConfig
}

// GenerateResponse carries the new images and the balance after charging.
type GenerateResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Images  []model.GeneratedImage `json:"images"`
	Credits int                    `json:"credits"`
}

// GalleryResponse lists the saved images.
type GalleryResponse struct {
	Success bool                   `json:"success"`
	Images  []model.GeneratedImage `json:"images"`
}

// HandleGenerate generates images and charges one credit per image.
//
// HTTP: POST /api/images/generate
// REQUEST BODY:
//
//	{"prompt":"A red fox in deep snow","imageSize":"1K","imageStyle":"Realistic",
//	 "numberOfImages":2,"model":"gemini-2.5-flash-image"}
func (h *ImageHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	out, err := sess.GenerateImages(r.Context(), req.Prompt, req.ImageConfig)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{
		Success: true,
		Message: out.Message,
		Images:  out.Images,
		Credits: out.Credits,
	})
}

// HandleGallery lists the gallery.
//
// HTTP: GET /api/gallery
func (h *ImageHandler) HandleGallery(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	images, err := sess.Gallery(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GalleryResponse{Success: true, Images: images})
}

// HandleSave stores a generated image in the gallery.
//
// HTTP: POST /api/gallery
// REQUEST BODY: one image record as returned by HandleGenerate.
func (h *ImageHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var img model.GeneratedImage
	if err := decodeJSON(w, r, &img); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.SaveImage(r.Context(), img)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ok(msg))
}

// HandleDelete removes an image from the gallery.
//
// HTTP: DELETE /api/gallery/{id}
func (h *ImageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.DeleteImage(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(msg))
}
