package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

func (b *NAIBot) handlePresetCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	logger := handler.Logger()
	data := handler.GetInteraction().ApplicationCommandData()
	if len(data.Options) == 0 {
		_ = editContent(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	sub := data.Options[0]
	opts := optionMap(sub.Options)

	var reply string
	switch sub.Name {
	case presetSubcommandSave:
		params := DefaultTxt2ImgPayload()
		applyGenerationOptions(&params, opts)
		preset := &Preset{
			UserID: user.ID,
			Name:   opts[optionName].StringValue(),
			Params: params,
		}
		err := b.store.SavePreset(ctx, preset)
		switch {
		case errors.Is(err, ErrTooManyPresets), errors.Is(err, ErrPresetName):
			reply = err.Error()
		case err != nil:
			logger.ErrorContext(ctx, "error saving preset", tint.Err(err))
			reply = DefaultDiscordErrorMessage
		default:
			reply = fmt.Sprintf("Saved preset `%s`", preset.Name)
		}
	case presetSubcommandList:
		presets, err := b.store.ListPresets(ctx, user.ID)
		if err != nil {
			logger.ErrorContext(ctx, "error listing presets", tint.Err(err))
			reply = DefaultDiscordErrorMessage
			break
		}
		reply = formatPresets(presets)
	case presetSubcommandDelete:
		name := opts[optionName].StringValue()
		err := b.store.DeletePreset(ctx, user.ID, name)
		switch {
		case errors.Is(err, ErrPresetNotFound):
			reply = fmt.Sprintf("You don't have a preset named `%s`", name)
		case err != nil:
			logger.ErrorContext(ctx, "error deleting preset", tint.Err(err))
			reply = DefaultDiscordErrorMessage
		default:
			reply = fmt.Sprintf("Deleted preset `%s`", name)
		}
	default:
		reply = DefaultDiscordErrorMessage
	}
	_ = editContent(ctx, handler, reply)
}

func formatPresets(presets []Preset) string {
	if len(presets) == 0 {
		return "You don't have any presets yet. Save one with `/preset save`."
	}
	var sb strings.Builder
	sb.WriteString("**Your presets**\n")
	for _, p := range presets {
		_, _ = fmt.Fprintf(
			&sb,
			"- `%s`: %s, %dx%d, %d steps, cfg %.1f, %s\n",
			p.Name,
			p.Params.Model,
			p.Params.Width,
			p.Params.Height,
			p.Params.Steps,
			p.Params.CFG,
			p.Params.Sampler,
		)
	}
	return sb.String()
}

func (b *NAIBot) handleLeaderboardCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	logger := handler.Logger()
	entries, err := b.store.Leaderboard(ctx, leaderboardSize)
	if err != nil {
		logger.ErrorContext(ctx, "error loading leaderboard", tint.Err(err))
		_ = editContent(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	own, err := b.store.UserGenerations(ctx, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error counting user generations", tint.Err(err))
	}
	_ = editContent(ctx, handler, formatLeaderboard(entries, user.ID, own))
}

func formatLeaderboard(entries []LeaderboardEntry, userID string, own int64) string {
	if len(entries) == 0 {
		return "Nobody has generated anything yet."
	}
	var sb strings.Builder
	sb.WriteString("**Leaderboard**\n")
	for n, e := range entries {
		_, _ = fmt.Fprintf(&sb, "%d. <@%s>: %d\n", n+1, e.UserID, e.Generations)
	}
	_, _ = fmt.Fprintf(&sb, "\nYou (<@%s>): %d", userID, own)
	return sb.String()
}
