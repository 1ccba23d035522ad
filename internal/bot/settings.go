package bot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/coah80/grabbot/internal/config"
)

func (b *Bot) handleSettings(s session, i *discordgo.InteractionCreate) {
	quality := stringOption(i, "quality")
	if !config.Contains(config.AllowedQualities, quality) {
		respondEphemeral(s, i, errorEmbed("Unknown Quality", fmt.Sprintf("%q is not a quality preset", quality)))
		return
	}
	if b.prefs == nil {
		respondEphemeral(s, i, errorEmbed("Settings Unavailable", "Settings are not stored on this instance"))
		return
	}

	owner := userID(i)
	if err := b.prefs.SetPreferredQuality(b.ctx, owner, quality); err != nil {
		b.logger.Error().Err(err).Str("owner", owner).Msg("failed to save preferred quality")
		respondEphemeral(s, i, errorEmbed("Settings Failed", "Could not save your settings, try again later"))
		return
	}
	respondEphemeral(s, i, &discordgo.MessageEmbed{
		Title:       "Settings Saved",
		Description: fmt.Sprintf("Downloads now default to **%s** quality", quality),
		Color:       colorSuccess,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	})
}

func (b *Bot) handleStats(s session, i *discordgo.InteractionCreate) {
	if b.prefs == nil {
		respondEphemeral(s, i, errorEmbed("Stats Unavailable", "Stats are not stored on this instance"))
		return
	}
	owner := userID(i)
	st, err := b.prefs.Stats(b.ctx, owner)
	if err != nil {
		b.logger.Error().Err(err).Str("owner", owner).Msg("failed to load stats")
		respondEphemeral(s, i, errorEmbed("Stats Failed", "Could not load your stats, try again later"))
		return
	}
	respondEphemeral(s, i, statsEmbed(st))
}
