// Package alerts posts operational events to a Discord webhook.
package alerts

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/config"
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorCrit   = 0xFF0000
	colorGreen  = 0x2ECC71
)

var errBadWebhook = errors.New("not a discord webhook url")

// Notifier sends embeds to one webhook, at most once per cooldown per
// category.
type Notifier struct {
	id, token string
	pingUser  string
	send      func(id, token string, params *discordgo.WebhookParams) error
	now       func() time.Time
	logger    zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	wg        sync.WaitGroup
}

// parseWebhookURL pulls the id and token out of
// https://discord.com/api/webhooks/<id>/<token>.
func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errBadWebhook
}

func NewNotifier(webhookURL, pingUser string, logger zerolog.Logger) (*Notifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &Notifier{
		id:       id,
		token:    token,
		pingUser: pingUser,
		send: func(id, token string, params *discordgo.WebhookParams) error {
			_, err := session.WebhookExecute(id, token, false, params)
			return err
		},
		now:       time.Now,
		logger:    logger,
		cooldowns: make(map[string]time.Time),
	}, nil
}

func (n *Notifier) notify(category string, cooldown time.Duration, ping bool, color int, title, description string, fields map[string]string) bool {
	if n == nil {
		return false
	}
	now := n.now()
	n.mu.Lock()
	if last, ok := n.cooldowns[category]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		n.mu.Unlock()
		return false
	}
	n.cooldowns[category] = now
	n.mu.Unlock()

	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	embedFields := make([]*discordgo.MessageEmbedField, 0, len(keys))
	for _, k := range keys {
		embedFields = append(embedFields, &discordgo.MessageEmbedField{Name: k, Value: truncate(fields[k], 1024), Inline: true})
	}

	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: truncate(description, 2048),
			Color:       color,
			Fields:      embedFields,
			Timestamp:   now.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: "grabbot " + config.Version},
		}},
	}
	if ping && n.pingUser != "" {
		params.Content = fmt.Sprintf("<@%s>", n.pingUser)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(n.id, n.token, params); err != nil {
			n.logger.Warn().Err(err).Str("category", category).Msg("alert not delivered")
		}
	}()
	return true
}

// Wait blocks until queued alerts have been sent.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

var (
	defaultMu sync.RWMutex
	notifier  *Notifier
)

// Setup enables the package-level alert helpers from config. Alerts stay
// off when no webhook is configured.
func Setup(logger zerolog.Logger) {
	if !config.DiscordAlerts || config.DiscordWebhookURL == "" {
		return
	}
	n, err := NewNotifier(config.DiscordWebhookURL, config.DiscordPingUserID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("discord alerts disabled")
		return
	}
	defaultMu.Lock()
	notifier = n
	defaultMu.Unlock()
}

func current() *Notifier {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return notifier
}

// Flush waits for queued alerts, used during shutdown.
func Flush() { current().Wait() }

func ServerStarted() {
	current().notify("server-start", 0, false, colorGreen, "Server Started",
		fmt.Sprintf("grabbot %s listening on :%s", config.Version, config.Port), nil)
}

func ServerStopping() {
	current().notify("server-stop", 0, false, colorOrange, "Server Stopping", "grabbot is shutting down", nil)
}

func DownloadFailed(url string, err error) {
	current().notify("download", 5*time.Second, true, colorRed, "Download Failed", err.Error(), map[string]string{
		"URL":   truncate(url, 200),
		"Error": truncate(err.Error(), 500),
	})
}

func PlaylistFailed(url string, failed, total int) {
	current().notify("playlist", 5*time.Second, true, colorRed, "Playlist Had Failures",
		fmt.Sprintf("%d of %d entries failed", failed, total), map[string]string{
			"URL": truncate(url, 200),
		})
}

func CookieIssue(details string) {
	current().notify("cookie", 60*time.Second, true, colorOrange, "Cookie Issue", details, nil)
}

func LowDiskSpace(details string) {
	current().notify("disk", 10*time.Minute, true, colorCrit, "Low Disk Space", details, nil)
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
