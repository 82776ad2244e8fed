package naibot

import (
	"bytes"
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionHandler responds to a single Discord interaction
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	opts = append(opts, discordgo.WithContext(ctx))
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	opts = append(opts, discordgo.WithContext(ctx))
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// editContent replaces the content of the interaction's response
func editContent(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) error {
	content = shortenString(content, discordMaxMessageLength)
	_, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}

// interactionSink reports a job's progress by editing the deferred
// response to the interaction that submitted it. A job sends its events
// one at a time, so Send is never called concurrently.
type interactionSink struct {
	handler InteractionHandler
	userID  string
	label   string

	// lastPosition is the position last shown, so an unchanged position
	// doesn't cost another edit
	lastPosition int
}

func newInteractionSink(handler InteractionHandler, userID string, payload Payload) *interactionSink {
	label := "Generating image"
	switch p := payload.(type) {
	case Txt2ImgPayload:
		label = fmt.Sprintf("Generating image\nModel: `%s`", p.Model)
	case DirectorToolsPayload:
		label = fmt.Sprintf("Directing image\nRequest: `%s`", p.RequestType)
	}
	return &interactionSink{handler: handler, userID: userID, label: label}
}

func (s *interactionSink) Send(ctx context.Context, ev JobEvent) error {
	switch ev.Kind {
	case EventPositionUpdate:
		if ev.Position == s.lastPosition {
			return nil
		}
		if err := editContent(
			ctx,
			s.handler,
			fmt.Sprintf("Queued, position `%d`", ev.Position),
		); err != nil {
			return err
		}
		s.lastPosition = ev.Position
		return nil
	case EventStarted:
		return editContent(ctx, s.handler, s.label)
	case EventRetrying:
		return editContent(
			ctx,
			s.handler,
			fmt.Sprintf(
				"%s\nAttempt %d failed: %s\nRetrying in %s (%d attempts left)",
				s.label,
				ev.Attempt,
				ev.Message,
				ev.RetryIn,
				ev.AttemptsRemaining,
			),
		)
	case EventSuccess:
		return s.sendResult(ctx, ev.Result)
	case EventFailure:
		return editContent(ctx, s.handler, fmt.Sprintf("Generation failed: %s", ev.Message))
	case EventAborted:
		return editContent(
			ctx,
			s.handler,
			"The bot is restarting and your request was cancelled. Please try again in a moment.",
		)
	default:
		return nil
	}
}

func (s *interactionSink) sendResult(ctx context.Context, result *GenerationResult) error {
	if result == nil {
		return editContent(ctx, s.handler, DefaultDiscordErrorMessage)
	}
	var content string
	if result.Seed > 0 {
		content = fmt.Sprintf(
			"Seed: `%d` | Elapsed time: `%.2fs`\nBy: <@%s>",
			result.Seed,
			result.Elapsed.Seconds(),
			s.userID,
		)
	} else {
		content = fmt.Sprintf(
			"Request: `%s` | Elapsed time: `%.2fs`\nBy: <@%s>",
			result.Model,
			result.Elapsed.Seconds(),
			s.userID,
		)
	}
	if result.Attempts > 1 {
		content += fmt.Sprintf("\nAttempts: `%d`", result.Attempts)
	}

	_, err := s.handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content: &content,
			Files: []*discordgo.File{
				{
					Name:        result.Filename,
					ContentType: "image/png",
					Reader:      bytes.NewReader(result.Image),
				},
			},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	return err
}
