package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"net/http"
	"strings"
)

// maxAttachmentSize limits the size of images accepted by `/director`
const maxAttachmentSize = 10 << 20

var errAttachmentTooLarge = fmt.Errorf("image must be %dMB or smaller", maxAttachmentSize>>20)

// handleDirectorCommand downloads the attached image and submits a
// director tools request for it.
func (b *NAIBot) handleDirectorCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	attachment := commandAttachment(i, opts[optionImage])
	if attachment == nil {
		_ = editContent(ctx, handler, "Please attach an image.")
		return
	}
	if !strings.HasPrefix(attachment.ContentType, "image/") {
		_ = editContent(ctx, handler, "The attachment must be an image.")
		return
	}

	image, err := fetchAttachment(ctx, b.httpClient, attachment.URL)
	if err != nil {
		logger.ErrorContext(ctx, "error downloading attachment", tint.Err(err))
		msg := DefaultDiscordErrorMessage
		if errors.Is(err, errAttachmentTooLarge) {
			msg = err.Error()
		}
		_ = editContent(ctx, handler, msg)
		return
	}

	payload := DirectorToolsPayload{
		Image:  image,
		Width:  attachment.Width,
		Height: attachment.Height,
	}
	if opt, ok := opts[optionRequestType]; ok {
		payload.RequestType = opt.StringValue()
	}
	if opt, ok := opts[optionPrompt]; ok {
		payload.Prompt = opt.StringValue()
	}
	if opt, ok := opts[optionEmotion]; ok {
		payload.Emotion = opt.StringValue()
	}
	if opt, ok := opts[optionDefry]; ok {
		payload.Defry = int(opt.IntValue())
	}
	b.submitJob(ctx, handler, user, payload)
}

// commandAttachment resolves an attachment option to the attachment
func commandAttachment(
	i *discordgo.InteractionCreate,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.MessageAttachment {
	if opt == nil {
		return nil
	}
	id, ok := opt.Value.(string)
	if !ok {
		return nil
	}
	resolved := i.ApplicationCommandData().Resolved
	if resolved == nil {
		return nil
	}
	return resolved.Attachments[id]
}

func fetchAttachment(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status downloading attachment: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAttachmentSize {
		return nil, errAttachmentTooLarge
	}
	return data, nil
}
