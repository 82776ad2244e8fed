package naibot

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

const (
	endpointGenerateImage = "/ai/generate-image"
	endpointAugmentImage  = "/ai/augment-image"
	endpointUpscale       = "/ai/upscale"

	actionGenerate = "generate"

	// maxResponseSize limits how much of a response body is read
	maxResponseSize = 64 << 20

	// varietyPlusSigma is the skip_cfg_above_sigma value at the base
	// resolution, scaled with the image size
	varietyPlusSigma = 19.0
)

// novelaiStatusMessages are the user-facing descriptions of API status codes
var novelaiStatusMessages = map[int]string{
	http.StatusBadRequest:          "Bad request - The request was invalid or cannot be otherwise served",
	http.StatusUnauthorized:        "Unauthorized - Invalid API token",
	http.StatusPaymentRequired:     "Payment Required - Payment is required to access this resource",
	http.StatusForbidden:           "Forbidden - Access to the resource is forbidden",
	http.StatusNotFound:            "Not Found - The requested resource was not found",
	http.StatusUnprocessableEntity: "Unprocessable Entity - The request parameters were rejected",
	http.StatusTooManyRequests:     "Rate Limit Exceeded - Please try again later",
	http.StatusInternalServerError: "Internal Server Error - NovelAI service issue",
	http.StatusBadGateway:          "Bad Gateway - NovelAI service temporarily down",
	http.StatusServiceUnavailable:  "Service Unavailable - NovelAI is currently unavailable",
	http.StatusGatewayTimeout:      "Gateway Timeout - NovelAI service timed out",
}

// NovelAI is the [Generator] backed by the NovelAI image API.
//
// Requests are paced by a rate limiter and pass through a circuit
// breaker. Only transient failures count against the breaker; a bad
// request says nothing about the health of the API.
type NovelAI struct {
	client  *http.Client
	config  *NovelAIConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *botMetrics
}

func NewNovelAI(config *NovelAIConfig, logger *slog.Logger) *NovelAI {
	if logger == nil {
		logger = slog.Default()
	}
	client := config.httpClient
	if client == nil {
		client = &http.Client{}
	}
	n := &NovelAI{
		client:  client,
		config:  config,
		logger:  logger.With(loggerNameKey, "novelai"),
		limiter: rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
	}
	n.breaker = gobreaker.NewCircuitBreaker(
		gobreaker.Settings{
			Name:        "novelai",
			MaxRequests: 1,
			Timeout:     config.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || ClassifyFailure(err).Class() == Fatal
			},
			OnStateChange: n.breakerStateChanged,
		},
	)
	return n
}

func (n *NovelAI) breakerStateChanged(name string, from gobreaker.State, to gobreaker.State) {
	n.logger.Warn(
		"circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	if n.metrics == nil {
		return
	}
	if to == gobreaker.StateOpen {
		n.metrics.novelaiBreakerOpen.Set(1)
	} else {
		n.metrics.novelaiBreakerOpen.Set(0)
	}
}

// Generate performs the request described by payload, returning the
// resulting PNG.
func (n *NovelAI) Generate(ctx context.Context, payload Payload) (*GenerationResult, error) {
	switch p := payload.(type) {
	case Txt2ImgPayload:
		return n.txt2img(ctx, p)
	case *Txt2ImgPayload:
		return n.txt2img(ctx, *p)
	case DirectorToolsPayload:
		return n.directorTools(ctx, p)
	case *DirectorToolsPayload:
		return n.directorTools(ctx, *p)
	default:
		return nil, &GenerationError{
			Kind:    FailureBadRequest,
			Message: fmt.Sprintf("unsupported request type %T", payload),
		}
	}
}

// CloseIdleConnections closes idle connections held by the HTTP client
func (n *NovelAI) CloseIdleConnections() {
	n.client.CloseIdleConnections()
}

type v4Caption struct {
	BaseCaption  string   `json:"base_caption"`
	CharCaptions []string `json:"char_captions"`
}

type v4Prompt struct {
	Caption   v4Caption `json:"caption"`
	UseCoords bool      `json:"use_coords"`
	UseOrder  bool      `json:"use_order"`
}

type imageParameters struct {
	Width               int       `json:"width"`
	Height              int       `json:"height"`
	NSamples            int       `json:"n_samples"`
	Seed                int64     `json:"seed"`
	Sampler             string    `json:"sampler"`
	Steps               int       `json:"steps"`
	Scale               float64   `json:"scale"`
	UncondScale         float64   `json:"uncond_scale"`
	NegativePrompt      string    `json:"negative_prompt"`
	SM                  bool      `json:"sm"`
	SMDyn               bool      `json:"sm_dyn"`
	CFGRescale          float64   `json:"cfg_rescale"`
	NoiseSchedule       string    `json:"noise_schedule"`
	Legacy              bool      `json:"legacy"`
	DynamicThresholding bool      `json:"dynamic_thresholding"`
	SkipCFGAboveSigma   *float64  `json:"skip_cfg_above_sigma"`
	V4Prompt            *v4Prompt `json:"v4_prompt,omitempty"`
	V4NegativePrompt    *v4Prompt `json:"v4_negative_prompt,omitempty"`
	LegacyV3Extend      *bool     `json:"legacy_v3_extend,omitempty"`

	ReferenceImageMultiple                []string  `json:"reference_image_multiple,omitempty"`
	ReferenceInformationExtractedMultiple []float64 `json:"reference_information_extracted_multiple,omitempty"`
	ReferenceStrengthMultiple             []float64 `json:"reference_strength_multiple,omitempty"`
}

type generateImageRequest struct {
	Input      string          `json:"input"`
	Model      string          `json:"model"`
	Action     string          `json:"action"`
	Parameters imageParameters `json:"parameters"`
}

type augmentImageRequest struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Image       string `json:"image"`
	Prompt      string `json:"prompt"`
	RequestType string `json:"req_type"`
	Defry       int    `json:"defry"`
}

type upscaleRequest struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Scale  int    `json:"scale"`
}

func newGenerateImageRequest(p Txt2ImgPayload) generateImageRequest {
	prompt, negative := p.apiPrompts()
	sm, smDyn := p.smeaFlags()
	params := imageParameters{
		Width:               p.Width,
		Height:              p.Height,
		NSamples:            1,
		Seed:                p.Seed,
		Sampler:             p.Sampler,
		Steps:               p.Steps,
		Scale:               p.CFG,
		UncondScale:         1.0,
		NegativePrompt:      negative,
		SM:                  sm,
		SMDyn:               smDyn,
		NoiseSchedule:       p.NoiseSchedule,
		DynamicThresholding: p.DynamicThresholding,
	}
	if p.SkipCFGAboveSigma {
		sigma := skipCFGAboveSigma(varietyPlusSigma, p.Width, p.Height)
		params.SkipCFGAboveSigma = &sigma
	}
	for _, ref := range p.VibeTransfer {
		params.ReferenceImageMultiple = append(
			params.ReferenceImageMultiple,
			base64.StdEncoding.EncodeToString(ref.Image),
		)
		params.ReferenceInformationExtractedMultiple = append(
			params.ReferenceInformationExtractedMultiple,
			ref.InformationExtracted,
		)
		params.ReferenceStrengthMultiple = append(params.ReferenceStrengthMultiple, ref.Strength)
	}
	if isV4Model(p.Model) {
		params.V4Prompt = &v4Prompt{
			Caption: v4Caption{BaseCaption: prompt, CharCaptions: []string{}},
		}
		params.V4NegativePrompt = &v4Prompt{
			Caption: v4Caption{BaseCaption: negative, CharCaptions: []string{}},
		}
		legacyExtend := false
		params.LegacyV3Extend = &legacyExtend
		if params.NoiseSchedule == DefaultNoiseSchedule {
			params.NoiseSchedule = "karras"
		}
	}
	return generateImageRequest{
		Input:      prompt,
		Model:      p.Model,
		Action:     actionGenerate,
		Parameters: params,
	}
}

// skipCFGAboveSigma scales the variety+ sigma from the base 832x1216
// resolution to width x height
func skipCFGAboveSigma(initial float64, width int, height int) float64 {
	base := 4.0 * 104 * 152
	scaled := 4.0 * math.Floor(float64(width)/8) * math.Floor(float64(height)/8)
	return initial * math.Sqrt(scaled/base)
}

func (n *NovelAI) txt2img(ctx context.Context, p Txt2ImgPayload) (*GenerationResult, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = n.logger
	}

	archive, err := n.post(
		ctx,
		n.config.ImageURL,
		endpointGenerateImage,
		newGenerateImageRequest(p),
	)
	if err != nil {
		return nil, err
	}
	image, err := firstZipEntry(archive)
	if err != nil {
		return nil, err
	}

	if p.Upscale {
		logger.InfoContext(ctx, "upscaling image", "width", p.Width, "height", p.Height)
		archive, err = n.post(
			ctx,
			n.config.APIURL,
			endpointUpscale,
			upscaleRequest{
				Image:  base64.StdEncoding.EncodeToString(image),
				Width:  p.Width,
				Height: p.Height,
				Scale:  DefaultUpscaleFactor,
			},
		)
		if err != nil {
			return nil, err
		}
		if image, err = firstZipEntry(archive); err != nil {
			return nil, err
		}
	}

	return &GenerationResult{
		Image:    image,
		Filename: fmt.Sprintf("nai_generated_%d.png", p.Seed),
		Seed:     p.Seed,
		Model:    p.Model,
	}, nil
}

func (n *NovelAI) directorTools(ctx context.Context, p DirectorToolsPayload) (*GenerationResult, error) {
	archive, err := n.post(
		ctx,
		n.config.ImageURL,
		endpointAugmentImage,
		augmentImageRequest{
			Width:       p.Width,
			Height:      p.Height,
			Image:       base64.StdEncoding.EncodeToString(p.Image),
			Prompt:      p.apiPrompt(),
			RequestType: p.RequestType,
			Defry:       p.Defry,
		},
	)
	if err != nil {
		return nil, err
	}
	image, err := firstZipEntry(archive)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{
		Image:    image,
		Filename: fmt.Sprintf("director_tools_%s.png", p.RequestType),
		Model:    p.RequestType,
	}, nil
}

// post sends a JSON request to the API, waiting on the rate limiter and
// going through the circuit breaker. The response body is returned for
// 200 responses; any other status is returned as a [*GenerationError].
func (n *NovelAI) post(ctx context.Context, baseURL string, endpoint string, body any) ([]byte, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	rv, err := n.breaker.Execute(
		func() (interface{}, error) {
			return n.do(ctx, baseURL+endpoint, body)
		},
	)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &GenerationError{
			Kind:    FailureServerError,
			Message: "NovelAI is temporarily unavailable",
			Err:     err,
		}
	}

	if n.metrics != nil {
		result := "success"
		if err != nil {
			result = ClassifyFailure(err).String()
		}
		n.metrics.novelaiRequests.WithLabelValues(endpoint, result).Inc()
	}
	if err != nil {
		return nil, err
	}
	return rv.([]byte), nil
}

func (n *NovelAI) do(ctx context.Context, url string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &GenerationError{Kind: FailureBadRequest, Message: "unable to encode request", Err: err}
	}

	if n.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &GenerationError{Kind: FailureBadRequest, Message: "unable to create request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+n.config.Token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WarnContext(ctx, "request failed", "url", url, tint.Err(err))
		return nil, transportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(err)
	}
	n.logger.DebugContext(
		ctx,
		"received response",
		"url", url,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
		"size", len(respBody),
	)

	if resp.StatusCode != http.StatusOK {
		genErr := statusError(resp.StatusCode, respBody)
		n.logger.WarnContext(
			ctx,
			"NovelAI API returned an error",
			"url", url,
			"status", resp.StatusCode,
			"failure_kind", genErr.Kind.String(),
			tint.Err(genErr),
		)
		return nil, genErr
	}
	return respBody, nil
}

// transportError classifies an error from sending a request or reading its
// response. Connection failures are server errors, so they're retried.
// Cancellation is returned as-is.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := FailureServerError
	if ClassifyFailure(err) == FailureTimeout {
		kind = FailureTimeout
	}
	return &GenerationError{Kind: kind, Message: "unable to reach NovelAI", Err: err}
}

// statusFailureKind maps an HTTP status code from the API to a [FailureKind]
func statusFailureKind(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return FailureRateLimited
	case status == http.StatusUnauthorized:
		return FailureAuthError
	case status >= 500:
		return FailureServerError
	case status == http.StatusRequestTimeout:
		return FailureTimeout
	case status >= 400:
		return FailureBadRequest
	default:
		return FailureUnknown
	}
}

func statusError(status int, body []byte) *GenerationError {
	message, ok := novelaiStatusMessages[status]
	if !ok {
		message = fmt.Sprintf("NovelAI API status code: %d", status)
	}

	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		message = fmt.Sprintf("%s (%s)", message, shortenString(apiErr.Message, 200))
	}

	return &GenerationError{
		Kind:       statusFailureKind(status),
		StatusCode: status,
		Message:    message,
	}
}

// firstZipEntry returns the contents of the first file in a zip archive.
// A response that can't be read as an archive is treated as a server
// error.
func firstZipEntry(data []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &GenerationError{
			Kind:    FailureServerError,
			Message: "invalid response archive",
			Err:     err,
		}
	}
	if len(r.File) == 0 {
		return nil, &GenerationError{
			Kind:    FailureServerError,
			Message: "response archive is empty",
		}
	}
	f, err := r.File[0].Open()
	if err != nil {
		return nil, &GenerationError{
			Kind:    FailureServerError,
			Message: "unable to open response image",
			Err:     err,
		}
	}
	defer func() {
		_ = f.Close()
	}()

	image, err := io.ReadAll(io.LimitReader(f, maxResponseSize))
	if err != nil {
		return nil, &GenerationError{
			Kind:    FailureServerError,
			Message: "unable to read response image",
			Err:     err,
		}
	}
	return image, nil
}
