package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/coah80/grabbot/internal/alerts"
	"github.com/coah80/grabbot/internal/quota"
	"github.com/coah80/grabbot/internal/services"
	"github.com/coah80/grabbot/internal/util"
)

const cancelPrefix = "cancel:"

type cancelEntry struct {
	url   string
	owner string
}

// cancelTable maps cancel button ids to the download they stop. Button
// ids are interaction ids, URLs can be longer than Discord allows.
type cancelTable struct {
	mu      sync.Mutex
	entries map[string]cancelEntry
}

func newCancelTable() *cancelTable {
	return &cancelTable{entries: make(map[string]cancelEntry)}
}

func (c *cancelTable) add(key, url, owner string) {
	c.mu.Lock()
	c.entries[key] = cancelEntry{url: url, owner: owner}
	c.mu.Unlock()
}

func (c *cancelTable) get(key string) (cancelEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *cancelTable) remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (b *Bot) handleGrab(s session, i *discordgo.InteractionCreate) {
	rawURL := strings.TrimSpace(stringOption(i, "url"))
	quality := stringOption(i, "quality")
	owner := userID(i)

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.logger.Error().Err(err).Msg("failed to defer grab response")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runGrab(b.ctx, s, i.Interaction, rawURL, quality, owner)
	}()
}

func (b *Bot) preferredQuality(ctx context.Context, owner string) string {
	if b.prefs == nil {
		return quota.DefaultQuality
	}
	q, err := b.prefs.PreferredQuality(ctx, owner)
	if err != nil {
		b.logger.Warn().Err(err).Str("owner", owner).Msg("preferred quality lookup failed")
		return quota.DefaultQuality
	}
	return q
}

func (b *Bot) runGrab(ctx context.Context, s session, in *discordgo.Interaction, url, quality, owner string) {
	if quality == "" {
		quality = b.preferredQuality(ctx, owner)
	}
	if util.IsPlaylistURL(url) {
		b.runPlaylist(ctx, s, in, url, quality, owner)
		return
	}

	b.cancels.add(in.ID, url, owner)
	defer b.cancels.remove(in.ID)

	buttons := cancelRow(in.ID)
	editEmbed(s, in, startingEmbed(url, quality), buttons)

	rep := services.ReporterFunc(func(st services.DownloadState) {
		editEmbed(s, in, progressEmbed(st), buttons)
	})
	res, err := b.orch.RequestDownload(ctx, services.Request{
		URL:           url,
		Quality:       quality,
		OwnerID:       owner,
		DestinationID: in.ChannelID,
		Reporter:      rep,
	})
	if err != nil {
		b.reportFailure(s, in, url, err)
		return
	}
	defer res.Release()

	if err := b.deliver(s, in, res, successEmbed(res)); err != nil {
		b.logger.Error().Err(err).Str("url", url).Msg("upload failed")
		editEmbed(s, in, errorEmbed("Upload Failed", util.ToUserError(err.Error())), noComponents())
	}
}

func (b *Bot) reportFailure(s session, in *discordgo.Interaction, url string, err error) {
	title := "Download Failed"
	if errors.Is(err, services.ErrCancelled) {
		title = "Download Cancelled"
	}
	editEmbed(s, in, errorEmbed(title, services.UserMessage(err)), noComponents())

	if shouldAlert(err) {
		alerts.DownloadFailed(url, err)
	}
	b.logger.Info().Err(err).Str("url", url).Msg("grab finished without a file")
}

// shouldAlert skips failures that are the user's doing or the source's.
func shouldAlert(err error) bool {
	switch {
	case errors.Is(err, services.ErrCancelled),
		errors.Is(err, services.ErrAlreadyActive),
		errors.Is(err, services.ErrInvalidURL),
		errors.Is(err, services.ErrResourceUnavailable),
		errors.Is(err, quota.ErrLimitReached):
		return false
	}
	return true
}

// deliver puts the first part on the progress message and sends the rest
// as follow-ups.
func (b *Bot) deliver(s session, in *discordgo.Interaction, res *services.Result, embed *discordgo.MessageEmbed) error {
	for idx, part := range res.Parts {
		file, closeFile, err := openPart(res.Title, part)
		if err != nil {
			return err
		}
		if idx == 0 && embed != nil {
			_, err = s.InteractionResponseEdit(in, &discordgo.WebhookEdit{
				Embeds:     &[]*discordgo.MessageEmbed{embed},
				Components: noComponents(),
				Files:      []*discordgo.File{file},
			})
		} else {
			_, err = s.FollowupMessageCreate(in, true, &discordgo.WebhookParams{
				Content: partCaption(res.Title, part),
				Files:   []*discordgo.File{file},
			})
		}
		closeFile()
		if err != nil {
			return fmt.Errorf("send part %d/%d: %w", part.Index+1, part.Count, err)
		}
	}
	return nil
}

func openPart(title string, part services.Part) (*discordgo.File, func(), error) {
	f, err := os.Open(part.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open part: %w", err)
	}
	return &discordgo.File{
		Name:        services.PartName(title, part),
		ContentType: services.GetMimeType(filepath.Ext(part.Path)),
		Reader:      f,
	}, func() { f.Close() }, nil
}

func (b *Bot) runPlaylist(ctx context.Context, s session, in *discordgo.Interaction, url, quality, owner string) {
	b.cancels.add(in.ID, url, owner)
	defer b.cancels.remove(in.ID)

	buttons := cancelRow(in.ID)
	editEmbed(s, in, startingEmbed(url, quality), buttons)

	var (
		mu    sync.Mutex
		board = playlistBoard{}
	)
	res, err := b.orch.RequestBatch(ctx, services.BatchRequest{
		URL:           url,
		Quality:       quality,
		OwnerID:       owner,
		DestinationID: in.ChannelID,
		OnStart: func(info *services.PlaylistInfo) {
			mu.Lock()
			defer mu.Unlock()
			board.title = info.Title
			board.total = len(info.Entries)
			editEmbed(s, in, playlistProgressEmbed(board), buttons)
		},
		OnItem: func(index int, entry services.PlaylistEntry, r *services.Result, err error) {
			if err == nil {
				if sendErr := b.deliver(s, in, r, nil); sendErr != nil {
					b.logger.Warn().Err(sendErr).Str("entry", entry.URL).Msg("playlist upload failed")
					err = sendErr
				}
				r.Release()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				board.failed++
			} else {
				board.done++
			}
			editEmbed(s, in, playlistProgressEmbed(board), buttons)
		},
	})
	if err != nil {
		b.reportFailure(s, in, url, err)
		return
	}

	editEmbed(s, in, playlistDoneEmbed(res), noComponents())
	if res.Failed > 0 && !res.Cancelled {
		alerts.PlaylistFailed(url, res.Failed, res.Total)
	}
	b.logger.Info().Str("url", url).Str("result", res.String()).Msg("playlist finished")
}

func (b *Bot) handleCancelButton(s session, i *discordgo.InteractionCreate, key string) {
	entry, ok := b.cancels.get(key)
	if !ok {
		respondEphemeral(s, i, errorEmbed("Nothing to Cancel", "This download has already finished"))
		return
	}
	if entry.owner != userID(i) {
		respondEphemeral(s, i, errorEmbed("Not Yours", "Only the person who started this download can cancel it"))
		return
	}

	if !b.orch.Cancel(entry.url) {
		respondEphemeral(s, i, errorEmbed("Nothing to Cancel", "This download has already finished"))
		return
	}
	b.logger.Info().Str("url", entry.url).Str("owner", entry.owner).Msg("cancelled from button")
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
}

func cancelRow(key string) *[]discordgo.MessageComponent {
	return &[]discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Cancel",
					Style:    discordgo.DangerButton,
					CustomID: cancelPrefix + key,
				},
			},
		},
	}
}

func noComponents() *[]discordgo.MessageComponent {
	return &[]discordgo.MessageComponent{}
}

func editEmbed(s session, in *discordgo.Interaction, embed *discordgo.MessageEmbed, components *[]discordgo.MessageComponent) {
	s.InteractionResponseEdit(in, &discordgo.WebhookEdit{
		Embeds:     &[]*discordgo.MessageEmbed{embed},
		Components: components,
	})
}
