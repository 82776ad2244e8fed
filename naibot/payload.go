package naibot

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// JobKind identifies the [Payload] variant of a job
type JobKind string

const (
	JobKindTxt2Img       JobKind = "txt2img"
	JobKindDirectorTools JobKind = "director_tools"
)

const (
	DefaultModel         = "nai-diffusion-3"
	DefaultSampler       = "k_euler"
	DefaultNoiseSchedule = "native"
	DefaultWidth         = 832
	DefaultHeight        = 1216
	DefaultSteps         = 28
	DefaultCFG           = 5.0
	DefaultNegative      = "lowres"

	DefaultVibeInformationExtracted = 1.0
	DefaultVibeStrength             = 0.6

	smeaNone   = "None"
	smeaOn     = "SMEA"
	smeaDyn    = "SMEA+DYN"
	dimStep    = 64
	cfgMax     = 10.0
	seedMax    = 9999999999
	upscaleMax = 640 * 640
)

var (
	Models = []string{
		"nai-diffusion",
		"nai-diffusion-2",
		"nai-diffusion-3",
		"safe-diffusion",
		"nai-diffusion-furry",
		"nai-diffusion-furry-3",
		"nai-diffusion-4-full",
		"nai-diffusion-4-5-curated",
		"nai-diffusion-4-5-full",
	}
	Samplers = []string{
		"k_euler",
		"k_euler_ancestral",
		"k_dpmpp_2s_ancestral",
		"k_dpmpp_2m",
		"k_dpmpp_sde",
		"ddim",
	}
	SMEAOptions      = []string{smeaOn, smeaDyn, smeaNone}
	NoiseSchedules   = []string{"native", "karras", "exponential", "polyexponential"}
	DirectorRequests = []string{"lineart", "sketch", "bg-removal", "colorize", "emotion", "declutter"}
	Emotions         = []string{
		"neutral", "happy", "sad", "angry", "scared", "surprised", "tired",
		"excited", "nervous", "thinking", "confused", "shy", "disgusted",
		"smug", "bored", "laughing", "irritated", "aroused", "embarrassed",
		"worried", "love", "determined", "hurt", "playful",
	}

	v4Models        = []string{"nai-diffusion-4-full", "nai-diffusion-4-5-curated", "nai-diffusion-4-5-full"}
	largePixelLimit = []string{"nai-diffusion-2", "nai-diffusion-3", "nai-diffusion-furry-3"}
)

// Payload is the generation request carried by a [Job]. The set of
// variants is closed: [Txt2ImgPayload] and [DirectorToolsPayload].
type Payload interface {
	Kind() JobKind
	Validate() error
	payload()
}

// Txt2ImgPayload requests a new image generated from a text prompt
type Txt2ImgPayload struct {
	Prompt              string  `json:"prompt" binding:"required"`
	NegativePrompt      string  `json:"negative_prompt"`
	Model               string  `json:"model" binding:"required"`
	Width               int     `json:"width" binding:"min=64,max=2048"`
	Height              int     `json:"height" binding:"min=64,max=2048"`
	Steps               int     `json:"steps" binding:"min=1,max=28"`
	CFG                 float64 `json:"cfg" binding:"min=0,max=10"`
	Seed                int64   `json:"seed" binding:"min=0"`
	Sampler             string  `json:"sampler" binding:"required"`
	SMEA                string  `json:"smea"`
	NoiseSchedule       string  `json:"noise_schedule"`
	DynamicThresholding bool    `json:"dynamic_thresholding"`
	SkipCFGAboveSigma   bool    `json:"skip_cfg_above_sigma"`
	Upscale             bool    `json:"upscale"`

	// QualityToggle adds the model's quality tags to the prompt
	QualityToggle bool `json:"quality_toggle"`

	// PromptConversion rewrites `(tag:1.2)` style weights into braces
	PromptConversion bool `json:"prompt_conversion"`

	// UndesiredContentPreset prepends one of [UndesiredContentPresets]
	// to the negative prompt
	UndesiredContentPreset string `json:"undesired_content_preset"`

	// VibeTransfer holds reference images the result should resemble
	VibeTransfer []VibeReference `json:"vibe_transfer,omitempty" binding:"max=5,dive"`
}

// VibeReference is a vibe transfer reference image. InformationExtracted
// controls how much of the image is used, Strength how strongly the
// result follows it.
type VibeReference struct {
	Image                []byte  `json:"image" binding:"min=1"`
	InformationExtracted float64 `json:"information_extracted" binding:"min=0,max=1"`
	Strength             float64 `json:"strength" binding:"min=0,max=1"`
}

func (Txt2ImgPayload) payload() {}

func (Txt2ImgPayload) Kind() JobKind {
	return JobKindTxt2Img
}

// DefaultTxt2ImgPayload returns a payload with every parameter except the
// prompt set to its default.
func DefaultTxt2ImgPayload() Txt2ImgPayload {
	return Txt2ImgPayload{
		NegativePrompt: DefaultNegative,
		Model:          DefaultModel,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		Steps:          DefaultSteps,
		CFG:            DefaultCFG,
		Sampler:        DefaultSampler,
		SMEA:           smeaNone,
		NoiseSchedule:  DefaultNoiseSchedule,
	}
}

// Normalize fills in a random seed when none was given and rounds CFG
// to the nearest 0.1 within its range.
func (p *Txt2ImgPayload) Normalize() {
	if p.Seed <= 0 {
		p.Seed = rand.Int64N(seedMax)
	}
	p.CFG = math.Max(0, math.Min(cfgMax, math.Round(p.CFG*10)/10))
	if p.SMEA == "" {
		p.SMEA = smeaNone
	}
	if p.NoiseSchedule == "" {
		p.NoiseSchedule = DefaultNoiseSchedule
	}
}

// PixelLimit is the largest width*height allowed for the payload's model
func (p Txt2ImgPayload) PixelLimit() int {
	if slices.Contains(largePixelLimit, p.Model) || isV4Model(p.Model) {
		return 1024 * 1024
	}
	return 640 * 640
}

func (p Txt2ImgPayload) Validate() error {
	var errs []error
	if err := structValidator.Struct(p); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(Models, p.Model) {
		errs = append(errs, fmt.Errorf("unknown model %q", p.Model))
	}
	if !slices.Contains(Samplers, p.Sampler) {
		errs = append(errs, fmt.Errorf("unknown sampler %q", p.Sampler))
	}
	if p.SMEA != "" && !slices.Contains(SMEAOptions, p.SMEA) {
		errs = append(errs, fmt.Errorf("unknown SMEA option %q", p.SMEA))
	}
	if p.NoiseSchedule != "" && !slices.Contains(NoiseSchedules, p.NoiseSchedule) {
		errs = append(errs, fmt.Errorf("unknown noise schedule %q", p.NoiseSchedule))
	}
	if p.UndesiredContentPreset != "" && !slices.Contains(UndesiredContentPresets, p.UndesiredContentPreset) {
		errs = append(errs, fmt.Errorf("unknown undesired content preset %q", p.UndesiredContentPreset))
	}
	if p.Width%dimStep != 0 || p.Height%dimStep != 0 {
		errs = append(
			errs,
			fmt.Errorf("width and height must be multiples of %d", dimStep),
		)
	}
	if limit := p.PixelLimit(); p.Width*p.Height > limit {
		errs = append(
			errs,
			fmt.Errorf(
				"image resolution (%dx%d) exceeds the pixel limit (%dpx)",
				p.Width, p.Height, limit,
			),
		)
	}
	if p.Upscale && p.Width*p.Height > upscaleMax {
		errs = append(
			errs,
			fmt.Errorf(
				"image resolution (%dx%d) exceeds the pixel limit (640x640) for upscaling",
				p.Width, p.Height,
			),
		)
	}
	return errors.Join(errs...)
}

// smeaFlags returns the API's sm/sm_dyn flags for the SMEA option
func (p Txt2ImgPayload) smeaFlags() (sm bool, smDyn bool) {
	switch p.SMEA {
	case smeaOn:
		return true, false
	case smeaDyn:
		return true, true
	default:
		return false, false
	}
}

// DirectorToolsPayload requests a transformation of an existing image
type DirectorToolsPayload struct {
	// Image holds the raw bytes of the source image
	Image       []byte `json:"-" binding:"required"`
	Width       int    `json:"width" binding:"min=1"`
	Height      int    `json:"height" binding:"min=1"`
	RequestType string `json:"req_type" binding:"required"`
	Prompt      string `json:"prompt"`
	Emotion     string `json:"emotion"`
	Defry       int    `json:"defry" binding:"min=0,max=5"`
}

func (DirectorToolsPayload) payload() {}

func (DirectorToolsPayload) Kind() JobKind {
	return JobKindDirectorTools
}

func (p DirectorToolsPayload) Validate() error {
	var errs []error
	if err := structValidator.Struct(p); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(DirectorRequests, p.RequestType) {
		errs = append(errs, fmt.Errorf("unknown request type %q", p.RequestType))
	}
	if p.RequestType == "emotion" && !slices.Contains(Emotions, p.Emotion) {
		errs = append(errs, fmt.Errorf("unknown emotion %q", p.Emotion))
	}
	return errors.Join(errs...)
}

// apiPrompt is the prompt sent to the API. Emotion requests prefix the
// prompt with the emotion.
func (p DirectorToolsPayload) apiPrompt() string {
	if p.RequestType == "emotion" {
		return fmt.Sprintf("%s;;%s", p.Emotion, p.Prompt)
	}
	return p.Prompt
}

func isV4Model(model string) bool {
	return slices.Contains(v4Models, model)
}
