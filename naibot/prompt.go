package naibot

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	UndesiredContentHeavy      = "heavy"
	UndesiredContentLight      = "light"
	UndesiredContentHumanFocus = "human_focus"
	UndesiredContentNone       = "none"

	// braceWeight is the emphasis added by each pair of braces
	braceWeight = 0.05

	// defaultGroupWeight is the weight of a parenthesized group without
	// an explicit `:weight` suffix
	defaultGroupWeight = 1.1

	escapedOpen  = '（'
	escapedClose = '）'
)

var (
	UndesiredContentPresets = []string{
		UndesiredContentHeavy,
		UndesiredContentLight,
		UndesiredContentHumanFocus,
		UndesiredContentNone,
	}

	// undesiredContentTags are the tags each preset prepends to the
	// negative prompt, by model. Models without an entry get nothing.
	undesiredContentTags = map[string]map[string]string{
		"nai-diffusion-3": {
			UndesiredContentHeavy:      "lowres, {bad}, error, fewer, extra, missing, worst quality, jpeg artifacts, bad quality, watermark, unfinished, displeasing, chromatic aberration, signature, extra digits, artistic error, username, scan, [abstract],",
			UndesiredContentLight:      "lowres, jpeg artifacts, worst quality, watermark, blurry, very displeasing,",
			UndesiredContentHumanFocus: "lowres, {bad}, error, fewer, extra, missing, worst quality, jpeg artifacts, bad quality, watermark, unfinished, displeasing, chromatic aberration, signature, extra digits, artistic error, username, scan, [abstract], bad anatomy, bad hands, @_@, mismatched pupils, heart-shaped pupils, glowing eyes,",
		},
		"nai-diffusion-2": {
			UndesiredContentHeavy: "lowres, bad, text, error, missing, extra, fewer, cropped, jpeg artifacts, worst quality, bad quality, watermark, displeasing, unfinished, chromatic aberration, scan, scan artifacts,",
			UndesiredContentLight: "lowres, jpeg artifacts, worst quality, watermark, blurry, very displeasing,",
		},
		"nai-diffusion": {
			UndesiredContentHeavy: "lowres, bad anatomy, bad hands, text, error, missing fingers, extra digit, fewer digits, cropped, worst quality, low quality, normal quality, jpeg artifacts, signature, watermark, username, blurry,",
			UndesiredContentLight: "lowres, text, cropped, worst quality, low quality, normal quality, jpeg artifacts, signature, watermark, username, blurry,",
		},
		"nai-diffusion-furry-3": {
			UndesiredContentHeavy: "{{worst quality}}, [displeasing], {unusual pupils}, guide lines, {{unfinished}}, {bad}, url, artist name, {{tall image}}, mosaic, {sketch page}, comic panel, impact (font), [dated], {logo}, ych, {what}, {where is your god now}, {distorted text}, repeated text, {floating head}, {1994}, {widescreen}, absolutely everyone, sequence, {compression artifacts}, hard translated, {cropped}, {commissioner name}, unknown text, high contrast,",
			UndesiredContentLight: "{worst quality}, guide lines, unfinished, bad, url, tall image, widescreen, compression artifacts, unknown text,",
		},
		"nai-diffusion-furry": {
			UndesiredContentHeavy: "{worst quality}, low quality, distracting watermark, [nightmare fuel], {{unfinished}}, deformed, outline, pattern, simple background,",
			UndesiredContentLight: "worst quality, low quality, what has science done, what, nightmare fuel, eldritch horror, where is your god now, why,",
		},
	}

	// qualityTags are added to the prompt when the quality toggle is on
	qualityTags = map[string]struct {
		tags    string
		prepend bool
	}{
		"nai-diffusion-3":       {tags: "best quality, amazing quality, very aesthetic, absurdres"},
		"nai-diffusion-2":       {tags: "very aesthetic, best quality, absurdres, ", prepend: true},
		"nai-diffusion-furry-3": {tags: "{best quality}, {amazing quality}"},
		"nai-diffusion":         {tags: "masterpiece, best quality, ", prepend: true},
		"nai-diffusion-furry":   {tags: "masterpiece, best quality, ", prepend: true},
	}

	groupWeightPattern = regexp.MustCompile(`^(.*):([0-9.]+)$`)
)

// promptGroup is a parenthesized section of a prompt. Parts are either
// strings or nested groups.
type promptGroup struct {
	weight float64
	parts  []any
}

// convertPromptWeights rewrites `(text)` and `(text:1.2)` emphasis into
// NovelAI's brace syntax, where each `{}` pair adds 0.05 weight and each
// `[]` pair removes it. Escaped parentheses `\(` and `\)` are kept as
// literal parentheses.
func convertPromptWeights(prompt string) string {
	prompt = strings.NewReplacer(`\(`, string(escapedOpen), `\)`, string(escapedClose)).Replace(prompt)

	root := &promptGroup{weight: 1}
	stack := []*promptGroup{root}
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			top := stack[len(stack)-1]
			top.parts = append(top.parts, current.String())
		}
		current.Reset()
	}

	for _, r := range prompt {
		switch r {
		case '(':
			flush()
			group := &promptGroup{weight: 1}
			top := stack[len(stack)-1]
			top.parts = append(top.parts, group)
			stack = append(stack, group)
		case ')':
			text := current.String()
			weight := defaultGroupWeight
			if m := groupWeightPattern.FindStringSubmatch(text); m != nil {
				if w, err := strconv.ParseFloat(m[2], 64); err == nil {
					text, weight = m[1], w
				}
			}
			current.Reset()
			current.WriteString(text)
			flush()
			stack[len(stack)-1].weight = weight
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()

	var b strings.Builder
	writePromptParts(&b, root.parts)
	return strings.NewReplacer(string(escapedOpen), "(", string(escapedClose), ")").Replace(b.String())
}

func writePromptParts(b *strings.Builder, parts []any) {
	for _, part := range parts {
		switch p := part.(type) {
		case string:
			b.WriteString(p)
		case *promptGroup:
			braces := int(math.RoundToEven((p.weight - 1) / braceWeight))
			open, closing := "{", "}"
			if braces < 0 {
				open, closing, braces = "[", "]", -braces
			}
			b.WriteString(strings.Repeat(open, braces))
			writePromptParts(b, p.parts)
			b.WriteString(strings.Repeat(closing, braces))
		}
	}
}

// apiPrompts returns the prompt and negative prompt as sent to the API,
// after weight conversion, quality tags and the undesired content preset
// have been applied
func (p Txt2ImgPayload) apiPrompts() (prompt string, negative string) {
	prompt, negative = p.Prompt, p.NegativePrompt
	if p.PromptConversion {
		prompt = convertPromptWeights(prompt)
		negative = convertPromptWeights(negative)
	}
	if p.QualityToggle {
		if q, ok := qualityTags[p.Model]; ok {
			switch {
			case q.prepend:
				prompt = q.tags + prompt
			case prompt == "":
				prompt = q.tags
			default:
				prompt = prompt + ", " + q.tags
			}
		}
	}
	if tags := undesiredContentTags[p.Model][p.UndesiredContentPreset]; tags != "" {
		negative = tags + negative
	}
	return prompt, negative
}
