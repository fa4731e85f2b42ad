package model

import "time"

// ImageSize is the requested output resolution.
type ImageSize string

const (
	ImageSize1K      ImageSize = "1K"
	ImageSize2K      ImageSize = "2K"
	ImageSize4K      ImageSize = "4K"
	ImageSizeDefault ImageSize = "DEFAULT" // flash model output, no K size
)

// ImageStyle is the artistic style applied to a prompt.
type ImageStyle string

const (
	StyleRealistic       ImageStyle = "Realistic"
	StyleCartoon         ImageStyle = "Cartoon"
	Style3D              ImageStyle = "3D Render"
	StyleAbstract        ImageStyle = "Abstract"
	StylePhotographic    ImageStyle = "Photographic"
	StyleImpressionistic ImageStyle = "Impressionistic"
	StyleFantasy         ImageStyle = "Fantasy"
	StyleDefault         ImageStyle = "Default"
)

// ModelType names the image model a request targets.
type ModelType string

const (
	ModelGeminiFlash    ModelType = "gemini-2.5-flash-image"
	ModelGeminiProImage ModelType = "gemini-3-pro-image-preview"
)

// ImageConfig is the generation form's configuration block.
type ImageConfig struct {
	ImageSize      ImageSize  `json:"imageSize"`
	ImageStyle     ImageStyle `json:"imageStyle"`
	NumberOfImages int        `json:"numberOfImages"`
	Model          ModelType  `json:"model"`
}

// GeneratedImage is one generation result. The same record, with
// SavedToGallery set, is what the gallery list stores.
type GeneratedImage struct {
	ID             string     `json:"id"`
	Prompt         string     `json:"prompt"`
	ImageURL       string     `json:"imageUrl"`
	Timestamp      time.Time  `json:"timestamp"`
	SavedToGallery bool       `json:"savedToGallery"`
	ImageSize      ImageSize  `json:"imageSize"`
	ImageStyle     ImageStyle `json:"imageStyle"`
	Model          ModelType  `json:"model"`
}
