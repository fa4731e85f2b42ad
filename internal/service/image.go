package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/metrics"
	"github.com/sakif/vm-image-generator/internal/model"
)

// MinGeneratorPromptLength is the generator's own floor, looser than the
// form's MinPromptLength.
const MinGeneratorPromptLength = 5

// Generator produces image records for a prompt. The shipped
// implementation returns placeholder photos; a real model client would
// satisfy the same interface.
type Generator interface {
	Generate(ctx context.Context, prompt string, cfg model.ImageConfig) ([]model.GeneratedImage, error)
}

// PlaceholderGenerator returns random stock photos from Lorem Picsum sized
// to the requested resolution.
type PlaceholderGenerator struct {
	BaseURL string
	now     func() time.Time
}

// NewPlaceholderGenerator returns a generator pointing at
// https://picsum.photos.
func NewPlaceholderGenerator() *PlaceholderGenerator {
	return &PlaceholderGenerator{BaseURL: "https://picsum.photos", now: time.Now}
}

// Dimension maps an ImageSize to the square edge length in pixels.
func Dimension(size model.ImageSize) int {
	switch size {
	case model.ImageSize1K:
		return 1024
	case model.ImageSize2K:
		return 2048
	case model.ImageSize4K:
		return 4096
	default:
		return 768
	}
}

func (g *PlaceholderGenerator) Generate(ctx context.Context, prompt string, cfg model.ImageConfig) ([]model.GeneratedImage, error) {
	now := g.now()
	edge := Dimension(cfg.ImageSize)

	n := max(cfg.NumberOfImages, 0)
	images := make([]model.GeneratedImage, 0, n)
	for i := 0; i < n; i++ {
		// picsum caches by URL; the random parameter makes each one distinct.
		seed := now.UnixMilli() + int64(i)
		images = append(images, model.GeneratedImage{
			ID:             "img-" + uuid.NewString(),
			Prompt:         prompt,
			ImageURL:       fmt.Sprintf("%s/%d/%d?random=%d", g.BaseURL, edge, edge, seed),
			Timestamp:      now.UTC(),
			SavedToGallery: false,
			ImageSize:      cfg.ImageSize,
			ImageStyle:     cfg.ImageStyle,
			Model:          cfg.Model,
		})
	}
	return images, nil
}

// ImageService generates images and manages the session's gallery, a JSON
// list stored under KeyGallery.
type ImageService struct {
	generator Generator
	latency   Latency
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewImageService(generator Generator, latency Latency, m *metrics.Metrics, logger *slog.Logger) *ImageService {
	return &ImageService{generator: generator, latency: latency, metrics: m, logger: logger}
}

// GenerationResult carries the generated images. They are not in the
// gallery until SaveImageToGallery is called.
type GenerationResult struct {
	Images  []model.GeneratedImage
	Message string
}

// GenerateImage runs the generator. Prompts shorter than
// MinGeneratorPromptLength and image counts outside 1..MaxImagesPerBatch
// fail without producing anything.
func (s *ImageService) GenerateImage(ctx context.Context, prompt string, cfg model.ImageConfig) (*GenerationResult, error) {
	if err := wait(ctx, s.latency.Generate); err != nil {
		return nil, err
	}

	if utf8.RuneCountInString(prompt) < MinGeneratorPromptLength {
		return nil, apperror.ValidationFailed("prompt", "Please provide a more descriptive prompt (min 5 characters).")
	}
	if cfg.NumberOfImages < 1 || cfg.NumberOfImages > MaxImagesPerBatch {
		return nil, apperror.ValidationFailed("numberOfImages", fmt.Sprintf("Number of images must be between 1 and %d.", MaxImagesPerBatch))
	}

	images, err := s.generator.Generate(ctx, prompt, cfg)
	if err != nil {
		return nil, fmt.Errorf("service/image: generating: %w", err)
	}
	s.metrics.ImagesGenerated(string(cfg.Model), string(cfg.ImageSize), len(images))

	s.logger.Info("images generated",
		slog.Int("count", len(images)),
		slog.String("model", string(cfg.Model)),
		slog.String("size", string(cfg.ImageSize)),
	)

	return &GenerationResult{Images: images, Message: "Images generated successfully!"}, nil
}

// GetGalleryImages returns the saved images in insertion order. An empty
// gallery is an empty, non-nil slice.
func (s *ImageService) GetGalleryImages(ctx context.Context, store kvstore.Store) ([]model.GeneratedImage, error) {
	var images []model.GeneratedImage
	if err := kvstore.GetJSON(ctx, store, KeyGallery, &images); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return []model.GeneratedImage{}, nil
		}
		return nil, fmt.Errorf("service/image: reading gallery: %w", err)
	}
	if images == nil {
		images = []model.GeneratedImage{}
	}
	return images, nil
}

// SaveImageToGallery appends image with SavedToGallery set. An image whose
// id is already present is rejected with apperror.ErrConflict and the list
// is not rewritten.
func (s *ImageService) SaveImageToGallery(ctx context.Context, store kvstore.Store, image model.GeneratedImage) error {
	images, err := s.GetGalleryImages(ctx, store)
	if err != nil {
		return err
	}
	for _, existing := range images {
		if existing.ID == image.ID {
			s.metrics.GalleryOp("save", false)
			return apperror.New(apperror.ErrConflict, "This image is already in your gallery.")
		}
	}

	image.SavedToGallery = true
	images = append(images, image)
	if err := kvstore.SetJSON(ctx, store, KeyGallery, images); err != nil {
		return fmt.Errorf("service/image: writing gallery: %w", err)
	}
	s.metrics.GalleryOp("save", true)
	return nil
}

// DeleteImageFromGallery removes every entry with id. Nothing removed is
// apperror.ErrNotFound.
func (s *ImageService) DeleteImageFromGallery(ctx context.Context, store kvstore.Store, id string) error {
	images, err := s.GetGalleryImages(ctx, store)
	if err != nil {
		return err
	}

	kept := make([]model.GeneratedImage, 0, len(images))
	for _, img := range images {
		if img.ID != id {
			kept = append(kept, img)
		}
	}
	if len(kept) == len(images) {
		s.metrics.GalleryOp("delete", false)
		return apperror.New(apperror.ErrNotFound, "Failed to delete image.")
	}

	if err := kvstore.SetJSON(ctx, store, KeyGallery, kept); err != nil {
		return fmt.Errorf("service/image: writing gallery: %w", err)
	}
	s.metrics.GalleryOp("delete", true)
	return nil
}

var demoPrompts = []string{
	"A futuristic cityscape at sunset, highly detailed",
	"A whimsical forest creature with glowing eyes, cartoon style",
	"An ancient warrior standing on a mountain peak, realistic",
	"A detailed 3D render of a cozy living room",
	"Abstract art featuring geometric shapes and vibrant colors",
}

// InitializeDemoImages seeds five sample images when the gallery is empty.
// A non-empty gallery is left untouched.
func (s *ImageService) InitializeDemoImages(ctx context.Context, store kvstore.Store) error {
	images, err := s.GetGalleryImages(ctx, store)
	if err != nil {
		return err
	}
	if len(images) > 0 {
		return nil
	}

	now := time.Now().UTC()
	demo := make([]model.GeneratedImage, len(demoPrompts))
	for i, prompt := range demoPrompts {
		style := model.StyleRealistic
		if i%2 == 1 {
			style = model.StyleCartoon
		}
		demo[i] = model.GeneratedImage{
			ID:             fmt.Sprintf("demo-img-%d", i),
			Prompt:         prompt,
			ImageURL:       fmt.Sprintf("https://picsum.photos/600/400?random=%d", i),
			Timestamp:      now,
			SavedToGallery: true,
			ImageSize:      model.ImageSizeDefault,
			ImageStyle:     style,
			Model:          model.ModelGeminiFlash,
		}
	}

	if err := kvstore.SetJSON(ctx, store, KeyGallery, demo); err != nil {
		return fmt.Errorf("service/image: seeding demo gallery: %w", err)
	}
	return nil
}
