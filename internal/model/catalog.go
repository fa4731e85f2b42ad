package model

// Static configuration shared by the services and the catalog endpoint.
// Nothing here is mutated at runtime.

const (
	AppName = "VM Image Generator"

	// DefaultCredits is the balance of a fresh signup and the value a
	// session falls back to when no balance is stored.
	DefaultCredits = 10
)

// Option is a value/label pair for a form select.
type Option[T any] struct {
	Value T      `json:"value"`
	Label string `json:"label"`
}

var ImageSizes = []Option[ImageSize]{
	{Value: ImageSizeDefault, Label: "Default"},
	{Value: ImageSize1K, Label: "1024x1024 (1K)"},
	{Value: ImageSize2K, Label: "2048x2048 (2K)"},
	{Value: ImageSize4K, Label: "4096x4096 (4K)"},
}

var ImageStyles = []Option[ImageStyle]{
	{Value: StyleDefault, Label: "Default"},
	{Value: StyleRealistic, Label: "Realistic"},
	{Value: StyleCartoon, Label: "Cartoon"},
	{Value: Style3D, Label: "3D Render"},
	{Value: StyleAbstract, Label: "Abstract"},
	{Value: StylePhotographic, Label: "Photographic"},
	{Value: StyleImpressionistic, Label: "Impressionistic"},
}

var ModelTypes = []Option[ModelType]{
	{Value: ModelGeminiFlash, Label: "Gemini Flash (Standard)"},
	{Value: ModelGeminiProImage, Label: "Gemini Pro Image (High Quality)"},
}

// NumberOfImagesOptions are the counts the generation form offers.
var NumberOfImagesOptions = []int{1, 2, 3, 4}

var CreditPlans = []CreditPlan{
	{ID: "plan-20", Credits: 20, Price: 10, Description: "Get 20 image generation credits."},
	{ID: "plan-50", Credits: 50, Price: 20, Description: "Get 50 image generation credits and save 20%!"},
	{ID: "plan-100", Credits: 100, Price: 35, Description: "Get 100 image generation credits and save 30%!"},
}

var ValidCoupons = []Coupon{
	{Code: "WELCOME10", BonusCredits: 10},
	{Code: "MEGA25", BonusCredits: 25},
}

// FindPlan returns the plan with the given id.
func FindPlan(id string) (CreditPlan, bool) {
	for _, p := range CreditPlans {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPlan{}, false
}

// FindCoupon looks a coupon up by exact code. Callers normalise case.
func FindCoupon(code string) (Coupon, bool) {
	for _, c := range ValidCoupons {
		if c.Code == code {
			return c, true
		}
	}
	return Coupon{}, false
}

// ValidImageSize reports whether size is one the form offers.
func ValidImageSize(size ImageSize) bool {
	return containsOption(ImageSizes, size)
}

// ValidImageStyle accepts every known style, including Fantasy which the
// form does not list.
func ValidImageStyle(style ImageStyle) bool {
	return style == StyleFantasy || containsOption(ImageStyles, style)
}

func ValidModelType(m ModelType) bool {
	return containsOption(ModelTypes, m)
}

func containsOption[T comparable](opts []Option[T], v T) bool {
	for _, o := range opts {
		if o.Value == v {
			return true
		}
	}
	return false
}
