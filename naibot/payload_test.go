package naibot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestTxt2ImgPayload_Validate(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		modify  func(p *Txt2ImgPayload)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(*Txt2ImgPayload) {},
		},
		{
			name:    "missing prompt",
			modify:  func(p *Txt2ImgPayload) { p.Prompt = "" },
			wantErr: "Prompt",
		},
		{
			name:    "unknown model",
			modify:  func(p *Txt2ImgPayload) { p.Model = "sd-1.5" },
			wantErr: `unknown model "sd-1.5"`,
		},
		{
			name:    "unknown sampler",
			modify:  func(p *Txt2ImgPayload) { p.Sampler = "euler" },
			wantErr: `unknown sampler "euler"`,
		},
		{
			name:    "unknown smea",
			modify:  func(p *Txt2ImgPayload) { p.SMEA = "sometimes" },
			wantErr: "unknown SMEA option",
		},
		{
			name:    "unknown noise schedule",
			modify:  func(p *Txt2ImgPayload) { p.NoiseSchedule = "linear" },
			wantErr: "unknown noise schedule",
		},
		{
			name:    "width not a multiple of 64",
			modify:  func(p *Txt2ImgPayload) { p.Width = 800 },
			wantErr: "multiples of 64",
		},
		{
			name:    "width too small",
			modify:  func(p *Txt2ImgPayload) { p.Width = 0 },
			wantErr: "Width",
		},
		{
			name:    "too many steps",
			modify:  func(p *Txt2ImgPayload) { p.Steps = 50 },
			wantErr: "Steps",
		},
		{
			name:    "cfg out of range",
			modify:  func(p *Txt2ImgPayload) { p.CFG = 11 },
			wantErr: "CFG",
		},
		{
			name: "pixel limit",
			modify: func(p *Txt2ImgPayload) {
				p.Width = 1024
				p.Height = 1088
			},
			wantErr: "exceeds the pixel limit (1048576px)",
		},
		{
			name: "small pixel limit for older models",
			modify: func(p *Txt2ImgPayload) {
				p.Model = "nai-diffusion"
				p.Width = 704
				p.Height = 640
			},
			wantErr: "exceeds the pixel limit (409600px)",
		},
		{
			name: "v4 model",
			modify: func(p *Txt2ImgPayload) {
				p.Model = "nai-diffusion-4-5-full"
				p.Width = 1024
				p.Height = 1024
			},
		},
		{
			name: "upscale too large",
			modify: func(p *Txt2ImgPayload) {
				p.Upscale = true
			},
			wantErr: "for upscaling",
		},
		{
			name: "upscale",
			modify: func(p *Txt2ImgPayload) {
				p.Upscale = true
				p.Width = 640
				p.Height = 640
			},
		},
		{
			name:   "undesired content preset",
			modify: func(p *Txt2ImgPayload) { p.UndesiredContentPreset = UndesiredContentHumanFocus },
		},
		{
			name:    "unknown undesired content preset",
			modify:  func(p *Txt2ImgPayload) { p.UndesiredContentPreset = "medium" },
			wantErr: `unknown undesired content preset "medium"`,
		},
		{
			name: "vibe transfer",
			modify: func(p *Txt2ImgPayload) {
				p.VibeTransfer = []VibeReference{
					{Image: []byte("ref"), InformationExtracted: 1, Strength: 0.6},
					{Image: []byte("ref"), InformationExtracted: 0, Strength: 0},
				}
			},
		},
		{
			name: "vibe strength out of range",
			modify: func(p *Txt2ImgPayload) {
				p.VibeTransfer = []VibeReference{{Image: []byte("ref"), InformationExtracted: 1, Strength: 1.5}}
			},
			wantErr: "Strength",
		},
		{
			name: "vibe without image",
			modify: func(p *Txt2ImgPayload) {
				p.VibeTransfer = []VibeReference{{InformationExtracted: 1, Strength: 0.6}}
			},
			wantErr: "Image",
		},
		{
			name: "too many vibe references",
			modify: func(p *Txt2ImgPayload) {
				for i := 0; i < 6; i++ {
					p.VibeTransfer = append(p.VibeTransfer, VibeReference{Image: []byte("ref"), Strength: 0.6})
				}
			},
			wantErr: "VibeTransfer",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				p := testPayload("a cat")
				tc.modify(&p)
				err := p.Validate()
				if tc.wantErr == "" {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			},
		)
	}
}

func TestTxt2ImgPayload_Normalize(t *testing.T) {
	t.Parallel()
	p := Txt2ImgPayload{Prompt: "foo", CFG: 5.46}
	p.Normalize()
	assert.Greater(t, p.Seed, int64(0))
	assert.Less(t, p.Seed, int64(seedMax))
	assert.InDelta(t, 5.5, p.CFG, 1e-9)
	assert.Equal(t, smeaNone, p.SMEA)
	assert.Equal(t, DefaultNoiseSchedule, p.NoiseSchedule)

	p = Txt2ImgPayload{Seed: 42, CFG: 25}
	p.Normalize()
	assert.Equal(t, int64(42), p.Seed)
	assert.Equal(t, cfgMax, p.CFG)

	p.CFG = -3
	p.Normalize()
	assert.Equal(t, 0.0, p.CFG)
}

func TestTxt2ImgPayload_SMEAFlags(t *testing.T) {
	t.Parallel()
	p := testPayload("foo")

	sm, dyn := p.smeaFlags()
	assert.False(t, sm)
	assert.False(t, dyn)

	p.SMEA = smeaOn
	sm, dyn = p.smeaFlags()
	assert.True(t, sm)
	assert.False(t, dyn)

	p.SMEA = smeaDyn
	sm, dyn = p.smeaFlags()
	assert.True(t, sm)
	assert.True(t, dyn)
}

func TestDirectorToolsPayload_Validate(t *testing.T) {
	t.Parallel()
	valid := DirectorToolsPayload{
		Image:       []byte("png"),
		Width:       512,
		Height:      768,
		RequestType: "lineart",
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, JobKindDirectorTools, valid.Kind())

	p := valid
	p.Image = nil
	assert.ErrorContains(t, p.Validate(), "Image")

	p = valid
	p.RequestType = "upscale"
	assert.ErrorContains(t, p.Validate(), `unknown request type "upscale"`)

	p = valid
	p.RequestType = "emotion"
	assert.ErrorContains(t, p.Validate(), `unknown emotion ""`)

	p.Emotion = "happy"
	p.Prompt = "smiling"
	require.NoError(t, p.Validate())
	assert.Equal(t, "happy;;smiling", p.apiPrompt())

	p = valid
	p.Defry = 6
	assert.ErrorContains(t, p.Validate(), "Defry")

	p = valid
	p.Prompt = "unchanged"
	assert.Equal(t, "unchanged", p.apiPrompt())
}

func TestConvertPromptWeights(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		prompt string
		want   string
	}{
		{"1girl, solo", "1girl, solo"},
		{"(cat)", "{{cat}}"},
		{"(cat:1.15)", "{{{cat}}}"},
		{"(cat:0.9)", "[[cat]]"},
		{"(cat:1)", "cat"},
		{"a, (b, (c)), d", "a, {{b, {{c}}}}, d"},
		{`\(artist\), (cat)`, "(artist), {{cat}}"},
		{"(unclosed", "unclosed"},
		{"stray) paren", "stray paren"},
		{"(cat:1.2.3)", "{{cat:1.2.3}}"},
		{"", ""},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, convertPromptWeights(tc.prompt), tc.prompt)
	}
}

func TestTxt2ImgPayload_APIPrompts(t *testing.T) {
	t.Parallel()
	p := testPayload("(cat), sitting")
	prompt, negative := p.apiPrompts()
	assert.Equal(t, "(cat), sitting", prompt)
	assert.Equal(t, DefaultNegative, negative)

	p.PromptConversion = true
	p.NegativePrompt = "(dog:0.9)"
	prompt, negative = p.apiPrompts()
	assert.Equal(t, "{{cat}}, sitting", prompt)
	assert.Equal(t, "[[dog]]", negative)

	p.PromptConversion = false
	p.QualityToggle = true
	p.UndesiredContentPreset = UndesiredContentLight
	prompt, negative = p.apiPrompts()
	assert.Equal(t, "(cat), sitting, best quality, amazing quality, very aesthetic, absurdres", prompt)
	assert.Equal(t, "lowres, jpeg artifacts, worst quality, watermark, blurry, very displeasing,(dog:0.9)", negative)

	p.Model = "nai-diffusion-2"
	prompt, _ = p.apiPrompts()
	assert.Equal(t, "very aesthetic, best quality, absurdres, (cat), sitting", prompt)

	p.Model = "nai-diffusion-4-5-full"
	p.UndesiredContentPreset = UndesiredContentHeavy
	prompt, negative = p.apiPrompts()
	assert.Equal(t, "(cat), sitting", prompt, "no quality tags for this model")
	assert.Equal(t, "(dog:0.9)", negative)

	p.Model = "nai-diffusion-furry-3"
	p.UndesiredContentPreset = UndesiredContentNone
	_, negative = p.apiPrompts()
	assert.Equal(t, "(dog:0.9)", negative)
}
