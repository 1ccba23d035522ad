package bot

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/coah80/grabbot/internal/quota"
	"github.com/coah80/grabbot/internal/services"
	"github.com/coah80/grabbot/internal/util"
)

const (
	colorProgress = 0x5865F2
	colorSuccess  = 0x57F287
	colorError    = 0xED4245
)

const footer = "grabbot"

func progressBar(percent float64) string {
	filled := int(percent / 10)
	if filled > 10 {
		filled = 10
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
}

func formatSize(bytes int64) string {
	if bytes <= 0 {
		return "Unknown"
	}
	return humanize.IBytes(uint64(bytes))
}

func startingEmbed(url, quality string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Starting...",
		Description: fmt.Sprintf("%s\nQuality: **%s**", url, quality),
		Color:       colorProgress,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

func progressEmbed(st services.DownloadState) *discordgo.MessageEmbed {
	desc := fmt.Sprintf("%s %d%%", progressBar(st.Percent), st.PercentRounded)

	details := []string{}
	if st.TotalBytes > 0 {
		details = append(details, fmt.Sprintf("%s / %s", formatSize(st.DownloadedBytes), formatSize(st.TotalBytes)))
	}
	if st.Speed > 0 {
		details = append(details, humanize.IBytes(uint64(st.Speed))+"/s")
	}
	if eta := util.FormatETA(st.ETA); eta != "" {
		details = append(details, "~"+eta+" left")
	}
	if len(details) > 0 {
		desc += " · " + strings.Join(details, " · ")
	}

	return &discordgo.MessageEmbed{
		Title:       "Downloading...",
		Description: desc,
		Color:       colorProgress,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

func successEmbed(res *services.Result) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Size", Value: formatSize(res.SizeBytes), Inline: true},
		{Name: "Quality", Value: res.Quality, Inline: true},
	}
	if len(res.Parts) > 1 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Parts", Value: fmt.Sprintf("Split into %d parts to fit the upload limit", len(res.Parts)),
		})
	}

	title := "Grabbed"
	if res.Cached {
		title = "Grabbed (cached)"
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: res.Title,
		Color:       colorSuccess,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

func partCaption(title string, part services.Part) string {
	if part.Count <= 1 {
		return title
	}
	return fmt.Sprintf("%s (part %d/%d)", title, part.Index+1, part.Count)
}

type playlistBoard struct {
	title  string
	total  int
	done   int
	failed int
}

func playlistProgressEmbed(b playlistBoard) *discordgo.MessageEmbed {
	var percent float64
	if b.total > 0 {
		percent = float64(b.done+b.failed) / float64(b.total) * 100
	}
	desc := fmt.Sprintf("%s %d%%", progressBar(percent), int(percent))
	desc += fmt.Sprintf("\n\n**Progress:** %d/%d videos", b.done+b.failed, b.total)
	if b.failed > 0 {
		desc += fmt.Sprintf(" (%d failed)", b.failed)
	}
	if b.title != "" {
		desc += fmt.Sprintf("\n**Playlist:** %s", b.title)
	}

	return &discordgo.MessageEmbed{
		Title:       "Downloading playlist...",
		Description: desc,
		Color:       colorProgress,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

func playlistDoneEmbed(res *services.BatchResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Playlist Done",
		Description: fmt.Sprintf("**%s**\n%d of %d videos sent", res.Title, res.Succeeded, res.Total),
		Color:       colorSuccess,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
	if res.Cancelled {
		embed.Title = "Playlist Cancelled"
		embed.Color = colorError
	}
	if len(res.Failures) > 0 {
		lines := make([]string, 0, len(res.Failures))
		for idx, f := range res.Failures {
			if idx == 10 {
				lines = append(lines, fmt.Sprintf("...and %d more", len(res.Failures)-idx))
				break
			}
			lines = append(lines, fmt.Sprintf("%d. %s: %s", f.Index+1, f.Title, f.Reason))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("Failed (%d)", res.Failed),
			Value: strings.Join(lines, "\n"),
		})
	}
	return embed
}

func statsEmbed(st quota.Stats) *discordgo.MessageEmbed {
	last := "Never"
	if !st.LastDownload.IsZero() {
		last = humanize.Time(st.LastDownload)
	}
	today := fmt.Sprintf("%d", st.Today)
	if st.DailyLimit > 0 {
		today = fmt.Sprintf("%d / %d", st.Today, st.DailyLimit)
	}
	return &discordgo.MessageEmbed{
		Title: "Your Stats",
		Color: colorProgress,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Downloads", Value: humanize.Comma(int64(st.TotalDownloads)), Inline: true},
			{Name: "Data", Value: humanize.IBytes(uint64(st.TotalBytes)), Inline: true},
			{Name: "Today", Value: today, Inline: true},
			{Name: "Preferred quality", Value: st.PreferredQuality, Inline: true},
			{Name: "Last download", Value: last, Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footer},
	}
}

func errorEmbed(title, message string) *discordgo.MessageEmbed {
	if message == "" {
		message = "Something went wrong"
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: message,
		Color:       colorError,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Try a different URL or quality"},
	}
}
