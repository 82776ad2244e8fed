package naibot

import (
	"bytes"
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApplyGenerationOptions(t *testing.T) {
	t.Parallel()
	p := DefaultTxt2ImgPayload()
	opts := optionMap(
		[]*discordgo.ApplicationCommandInteractionDataOption{
			stringOption(optionPrompt, "a cat"),
			stringOption(optionNegative, "dogs"),
			stringOption(optionModel, "nai-diffusion-4-full"),
			intOption(optionWidth, 1024),
			intOption(optionHeight, 768),
			intOption(optionSteps, 23),
			numberOption(optionCFG, 6.26),
			intOption(optionSeed, 99),
			stringOption(optionSampler, "k_euler"),
			stringOption(optionSMEA, smeaDyn),
			stringOption(optionNoiseSchedule, "exponential"),
			boolOption(optionDynamicThresholding, true),
			boolOption(optionVarietyPlus, true),
			boolOption(optionUpscale, true),
			boolOption(optionQualityToggle, true),
			stringOption(optionUndesiredContent, UndesiredContentHeavy),
			boolOption(optionPromptConversion, true),
		},
	)
	applyGenerationOptions(&p, opts)

	assert.Equal(t, "a cat", p.Prompt)
	assert.Equal(t, "dogs", p.NegativePrompt)
	assert.Equal(t, "nai-diffusion-4-full", p.Model)
	assert.Equal(t, 1024, p.Width)
	assert.Equal(t, 768, p.Height)
	assert.Equal(t, 23, p.Steps)
	assert.InDelta(t, 6.3, p.CFG, 1e-9)
	assert.Equal(t, int64(99), p.Seed)
	assert.Equal(t, "k_euler", p.Sampler)
	assert.Equal(t, smeaDyn, p.SMEA)
	assert.Equal(t, "exponential", p.NoiseSchedule)
	assert.True(t, p.DynamicThresholding)
	assert.True(t, p.SkipCFGAboveSigma)
	assert.True(t, p.Upscale)
	assert.True(t, p.QualityToggle)
	assert.Equal(t, UndesiredContentHeavy, p.UndesiredContentPreset)
	assert.True(t, p.PromptConversion)
}

func TestVibeReference(t *testing.T) {
	t.Parallel()
	ref := vibeReference([]byte("img"), optionMap(nil))
	assert.Equal(
		t,
		VibeReference{
			Image:                []byte("img"),
			InformationExtracted: DefaultVibeInformationExtracted,
			Strength:             DefaultVibeStrength,
		},
		ref,
	)

	ref = vibeReference(
		[]byte("img"),
		optionMap(
			[]*discordgo.ApplicationCommandInteractionDataOption{
				numberOption(optionVibeInformation, 0.4),
				numberOption(optionVibeStrength, 0.9),
			},
		),
	)
	assert.InDelta(t, 0.4, ref.InformationExtracted, 1e-9)
	assert.InDelta(t, 0.9, ref.Strength, 1e-9)
}

func TestApplyGenerationOptions_KeepsUnset(t *testing.T) {
	t.Parallel()
	p := DefaultTxt2ImgPayload()
	want := p
	want.Prompt = "only the prompt"

	applyGenerationOptions(
		&p,
		optionMap(
			[]*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(optionPrompt, "only the prompt"),
			},
		),
	)
	assert.Equal(t, want, p)
}

func TestFormatPresets(t *testing.T) {
	t.Parallel()
	assert.Contains(t, formatPresets(nil), "/preset save")

	params := DefaultTxt2ImgPayload()
	params.Width = 832
	params.Height = 1216
	params.Steps = 28
	params.CFG = 5
	out := formatPresets([]Preset{{Name: "portrait", Params: params}})
	assert.Contains(t, out, "**Your presets**")
	assert.Contains(t, out, "- `portrait`: ")
	assert.Contains(t, out, "832x1216, 28 steps, cfg 5.0")
}

func TestFormatLeaderboard(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Nobody has generated anything yet.", formatLeaderboard(nil, "1", 0))

	out := formatLeaderboard(
		[]LeaderboardEntry{
			{UserID: "alice", Generations: 3},
			{UserID: "bob", Generations: 1},
		},
		"carol",
		0,
	)
	assert.Equal(t, "**Leaderboard**\n1. <@alice>: 3\n2. <@bob>: 1\n\nYou (<@carol>): 0", out)
}

func TestCommandAttachment(t *testing.T) {
	t.Parallel()
	attachment := &discordgo.MessageAttachment{ID: "att1", URL: "https://example.com/a.png"}
	i := commandInteraction("42", DiscordSlashCommandDirector)
	i.Data = discordgo.ApplicationCommandInteractionData{
		Name: DiscordSlashCommandDirector,
		Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
			Attachments: map[string]*discordgo.MessageAttachment{"att1": attachment},
		},
	}

	opt := &discordgo.ApplicationCommandInteractionDataOption{
		Name:  optionImage,
		Type:  discordgo.ApplicationCommandOptionAttachment,
		Value: "att1",
	}
	assert.Same(t, attachment, commandAttachment(i, opt))
	assert.Nil(t, commandAttachment(i, nil))

	opt.Value = "missing"
	assert.Nil(t, commandAttachment(i, opt))

	opt.Value = 12.0
	assert.Nil(t, commandAttachment(i, opt))
}

func TestFetchAttachment(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/ok.png":
					_, _ = w.Write([]byte("png bytes"))
				case "/large.png":
					_, _ = w.Write(bytes.Repeat([]byte{0}, maxAttachmentSize+1))
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			},
		),
	)
	t.Cleanup(srv.Close)
	ctx := context.Background()

	data, err := fetchAttachment(ctx, srv.Client(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)

	_, err = fetchAttachment(ctx, srv.Client(), srv.URL+"/large.png")
	assert.ErrorIs(t, err, errAttachmentTooLarge)

	_, err = fetchAttachment(ctx, srv.Client(), srv.URL+"/missing.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
