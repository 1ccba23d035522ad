package bot

import (
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/quota"
	"github.com/coah80/grabbot/internal/services"
)

type Config struct {
	Token string
	AppID string
}

// Preferences is the per-user storage behind /settings and /stats.
type Preferences interface {
	PreferredQuality(ctx context.Context, ownerID string) (string, error)
	SetPreferredQuality(ctx context.Context, ownerID, quality string) error
	Stats(ctx context.Context, ownerID string) (quota.Stats, error)
}

// session is the part of *discordgo.Session the handlers talk to.
type session interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Bot struct {
	session *discordgo.Session
	cfg     Config
	orch    *services.Orchestrator
	prefs   Preferences
	cmdIDs  []string
	cancels *cancelTable
	logger  zerolog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(cfg Config, orch *services.Orchestrator, prefs Preferences, logger zerolog.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}

	b := newBot(orch, prefs, logger)
	b.session = s
	b.cfg = cfg

	s.AddHandler(b.handleInteraction)
	s.Identify.Intents = discordgo.IntentsGuilds

	return b, nil
}

func newBot(orch *services.Orchestrator, prefs Preferences, logger zerolog.Logger) *Bot {
	ctx, stop := context.WithCancel(context.Background())
	return &Bot{
		orch:    orch,
		prefs:   prefs,
		cancels: newCancelTable(),
		logger:  logger,
		ctx:     ctx,
		stop:    stop,
	}
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return err
	}

	b.logger.Info().Str("user", b.session.State.User.Username).Msg("bot logged in")

	for _, cmd := range commandDefinitions() {
		created, err := b.session.ApplicationCommandCreate(b.cfg.AppID, "", cmd)
		if err != nil {
			b.logger.Error().Err(err).Str("command", cmd.Name).Msg("failed to register command")
			continue
		}
		b.cmdIDs = append(b.cmdIDs, created.ID)
		b.logger.Info().Str("command", created.Name).Msg("registered command")
	}

	return nil
}

// Stop cancels running downloads, waits for their handlers and
// disconnects.
func (b *Bot) Stop() {
	b.stop()
	b.wg.Wait()
	for _, id := range b.cmdIDs {
		b.session.ApplicationCommandDelete(b.cfg.AppID, "", id)
	}
	b.session.Close()
}

func qualityChoices() []*discordgo.ApplicationCommandOptionChoice {
	return []*discordgo.ApplicationCommandOptionChoice{
		{Name: "Auto (best available up to 1080p)", Value: "auto"},
		{Name: "High (1080p)", Value: "high"},
		{Name: "Medium (720p)", Value: "medium"},
		{Name: "Low", Value: "low"},
		{Name: "Audio only", Value: "audio"},
	}
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	integrations := &[]discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
		discordgo.ApplicationIntegrationUserInstall,
	}
	contexts := &[]discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
		discordgo.InteractionContextPrivateChannel,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:             "grab",
			Description:      "Download a video or playlist",
			IntegrationTypes: integrations,
			Contexts:         contexts,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "url",
					Description: "The video or playlist URL",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "quality",
					Description: "Quality (defaults to your /settings choice)",
					Required:    false,
					Choices:     qualityChoices(),
				},
			},
		},
		{
			Name:             "settings",
			Description:      "Choose your default download quality",
			IntegrationTypes: integrations,
			Contexts:         contexts,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "quality",
					Description: "Default quality",
					Required:    true,
					Choices:     qualityChoices(),
				},
			},
		},
		{
			Name:             "stats",
			Description:      "Show your download statistics",
			IntegrationTypes: integrations,
			Contexts:         contexts,
		},
	}
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.dispatch(s, i)
}

func (b *Bot) dispatch(s session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		switch i.ApplicationCommandData().Name {
		case "grab":
			b.handleGrab(s, i)
		case "settings":
			b.handleSettings(s, i)
		case "stats":
			b.handleStats(s, i)
		}
	case discordgo.InteractionMessageComponent:
		if key, ok := strings.CutPrefix(i.MessageComponentData().CustomID, cancelPrefix); ok {
			b.handleCancelButton(s, i, key)
		}
	}
}

// userID works for guild interactions, where User is nil, and DMs.
func userID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func stringOption(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func respondEphemeral(s session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
}
