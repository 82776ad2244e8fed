package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"math"
	"strings"
)

// handleNAICommand builds a txt2img payload from the `/nai` options,
// starting from the user's preset if one was named, and submits it.
func (b *NAIBot) handleNAICommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	payload := DefaultTxt2ImgPayload()
	if opt, ok := opts[optionPreset]; ok {
		name := opt.StringValue()
		preset, err := b.store.GetPreset(ctx, user.ID, name)
		switch {
		case errors.Is(err, ErrPresetNotFound):
			_ = editContent(ctx, handler, fmt.Sprintf("You don't have a preset named `%s`", name))
			return
		case err != nil:
			logger.ErrorContext(ctx, "error loading preset", tint.Err(err))
			_ = editContent(ctx, handler, DefaultDiscordErrorMessage)
			return
		}
		payload = preset.Params
	}

	applyGenerationOptions(&payload, opts)
	if attachment := commandAttachment(i, opts[optionVibeImage]); attachment != nil {
		if !strings.HasPrefix(attachment.ContentType, "image/") {
			_ = editContent(ctx, handler, "The vibe transfer reference must be an image.")
			return
		}
		image, err := fetchAttachment(ctx, b.httpClient, attachment.URL)
		if err != nil {
			logger.ErrorContext(ctx, "error downloading vibe transfer reference", tint.Err(err))
			msg := DefaultDiscordErrorMessage
			if errors.Is(err, errAttachmentTooLarge) {
				msg = err.Error()
			}
			_ = editContent(ctx, handler, msg)
			return
		}
		payload.VibeTransfer = append(payload.VibeTransfer, vibeReference(image, opts))
	}
	payload.Normalize()
	b.submitJob(ctx, handler, user, payload)
}

// applyGenerationOptions overrides the payload's parameters with any
// options given in the command
func applyGenerationOptions(
	p *Txt2ImgPayload,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	if opt, ok := opts[optionPrompt]; ok {
		p.Prompt = opt.StringValue()
	}
	if opt, ok := opts[optionNegative]; ok {
		p.NegativePrompt = opt.StringValue()
	}
	if opt, ok := opts[optionModel]; ok {
		p.Model = opt.StringValue()
	}
	if opt, ok := opts[optionWidth]; ok {
		p.Width = int(opt.IntValue())
	}
	if opt, ok := opts[optionHeight]; ok {
		p.Height = int(opt.IntValue())
	}
	if opt, ok := opts[optionSteps]; ok {
		p.Steps = int(opt.IntValue())
	}
	if opt, ok := opts[optionCFG]; ok {
		p.CFG = math.Round(opt.FloatValue()*10) / 10
	}
	if opt, ok := opts[optionSeed]; ok {
		p.Seed = opt.IntValue()
	}
	if opt, ok := opts[optionSampler]; ok {
		p.Sampler = opt.StringValue()
	}
	if opt, ok := opts[optionSMEA]; ok {
		p.SMEA = opt.StringValue()
	}
	if opt, ok := opts[optionNoiseSchedule]; ok {
		p.NoiseSchedule = opt.StringValue()
	}
	if opt, ok := opts[optionDynamicThresholding]; ok {
		p.DynamicThresholding = opt.BoolValue()
	}
	if opt, ok := opts[optionVarietyPlus]; ok {
		p.SkipCFGAboveSigma = opt.BoolValue()
	}
	if opt, ok := opts[optionUpscale]; ok {
		p.Upscale = opt.BoolValue()
	}
	if opt, ok := opts[optionQualityToggle]; ok {
		p.QualityToggle = opt.BoolValue()
	}
	if opt, ok := opts[optionUndesiredContent]; ok {
		p.UndesiredContentPreset = opt.StringValue()
	}
	if opt, ok := opts[optionPromptConversion]; ok {
		p.PromptConversion = opt.BoolValue()
	}
}

// vibeReference builds a vibe transfer reference from the image and its
// settings in the command options
func vibeReference(
	image []byte,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) VibeReference {
	ref := VibeReference{
		Image:                image,
		InformationExtracted: DefaultVibeInformationExtracted,
		Strength:             DefaultVibeStrength,
	}
	if opt, ok := opts[optionVibeInformation]; ok {
		ref.InformationExtracted = opt.FloatValue()
	}
	if opt, ok := opts[optionVibeStrength]; ok {
		ref.Strength = opt.FloatValue()
	}
	return ref
}

// submitJob submits the payload on behalf of the user. A rejected
// submission is answered immediately by editing the deferred response.
func (b *NAIBot) submitJob(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	payload Payload,
) {
	logger := handler.Logger()
	sink := newInteractionSink(handler, user.ID, payload)

	handle, err := b.dispatcher.Submit(ctx, user.ID, payload, sink)
	if err != nil {
		logger.InfoContext(ctx, "submission rejected", tint.Err(err))
		_ = editContent(ctx, handler, b.submitErrorMessage(err))
		return
	}
	logger.InfoContext(ctx, "submitted job", "job_id", handle.ID.String())
}

func (b *NAIBot) submitErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return fmt.Sprintf(
			"You already have %d requests waiting in the queue. Please wait for one of them to start.",
			b.config.Queue.MaxPerSubmitter,
		)
	case errors.Is(err, ErrPaused):
		return "I'm not accepting requests right now, please try again later."
	case errors.Is(err, ErrQueueFull):
		return "The queue is full, please try again later."
	case errors.Is(err, ErrQueueClosed):
		return "I'm restarting, please try again in a moment."
	case errors.Is(err, ErrInvalidPayload):
		return fmt.Sprintf("Invalid request:\n```\n%s\n```", err.Error())
	default:
		return DefaultDiscordErrorMessage
	}
}
