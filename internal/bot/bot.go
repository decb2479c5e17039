package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/livelink/internal/background"
	"github.com/xaenox/livelink/internal/chat"
	"github.com/xaenox/livelink/internal/commands"
	"github.com/xaenox/livelink/internal/directory"
	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/postal"
	"github.com/xaenox/livelink/internal/presence"
	"github.com/xaenox/livelink/internal/profiles"
	"go.uber.org/zap"
)

const (
	searchLimit = 10
	// historySize is how many earlier messages are shown when joining a channel.
	historySize = 5
)

// Services are the components the bot drives.
type Services struct {
	Profiles  *profiles.Repository
	Directory *directory.Directory
	Tracker   *presence.Tracker
	Visits    presence.VisitRecorder
	Chat      *chat.Service
	Processor *commands.Processor
	Postal    postal.Lookup
	Runner    *background.Runner
}

type Bot struct {
	api    *tgbotapi.BotAPI
	svc    Services
	logger *zap.Logger

	mu      sync.Mutex
	clients map[int64]*client
	names   sync.Map
}

// client is one Telegram user with their presence session. Updates of one client
// are handled in arrival order through inbox.
type client struct {
	chatID  int64
	uid     string
	session *presence.Session
	inbox   *background.Serial
}

func New(token string, svc Services, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:     api,
		svc:     svc,
		logger:  logger,
		clients: make(map[int64]*client),
	}, nil
}

// Start handles updates until ctx is cancelled, then leaves every open channel.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.leaveAll()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.leaveAll()
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			message := update.Message
			c := b.clientFor(message)
			c.inbox.Push("handle message", func(ctx context.Context) error {
				b.handleMessage(ctx, c, message)
				return nil
			})
		}
	}
}

func (b *Bot) leaveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range b.clients {
		if err := c.session.Leave(ctx); err != nil {
			b.logger.Warn("Failed to leave on shutdown", zap.Error(err), zap.String("uid", c.uid))
		}
	}
}

func (b *Bot) clientFor(message *tgbotapi.Message) *client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[message.From.ID]
	if !ok {
		c = &client{
			chatID:  message.Chat.ID,
			uid:     "tg-" + strconv.FormatInt(message.From.ID, 10),
			session: presence.NewSession(b.svc.Tracker, b.svc.Visits, b.svc.Runner, b.logger),
			inbox:   background.NewSerial(b.svc.Runner),
		}
		b.clients[message.From.ID] = c
	}
	return c
}

func (b *Bot) handleMessage(ctx context.Context, c *client, message *tgbotapi.Message) {
	// Handle commands
	if message.IsCommand() {
		switch message.Command() {
		case "start":
			b.handleStart(message)
			return
		case "help":
			b.handleHelp(message)
			return
		case "register":
			b.handleRegister(ctx, c, message)
			return
		case "channels":
			b.handleChannels(ctx, message)
			return
		case "join":
			b.handleJoin(ctx, c, message)
			return
		case "leave":
			b.handleLeave(ctx, c, message)
			return
		case "who":
			b.handleWho(ctx, c, message)
			return
		case "where":
			b.handleWhere(ctx, message)
			return
		case "search":
			b.handleSearch(ctx, message)
			return
		case "location":
			b.handleLocation(ctx, c, message)
			return
		}
	}

	profile := b.requireProfile(ctx, c, message)
	if profile == nil {
		return
	}

	channel := ""
	if membership := c.session.Current(); membership != nil {
		channel = membership.ChannelID
	} else if !strings.HasPrefix(strings.TrimSpace(message.Text), "/") {
		b.sendStatus(message.Chat.ID, "Join a channel first with /join <channel>")
		return
	}

	res := b.svc.Processor.Handle(ctx, profile, channel, message.Text)
	if res.Status != "" {
		b.sendStatus(message.Chat.ID, res.Status)
	}
	if res.Profile != nil {
		b.sendMarkdown(message.Chat.ID, formatProfile(res.Profile, res.OnlineIn, time.Now()))
	}
}

// requireProfile loads the caller's profile or tells them to register.
func (b *Bot) requireProfile(ctx context.Context, c *client, message *tgbotapi.Message) *models.UserProfile {
	profile, err := b.svc.Profiles.Get(ctx, c.uid)
	if err != nil {
		b.logger.Error("Failed to load profile", zap.Error(err), zap.String("uid", c.uid))
		b.sendErrorMessage(message.Chat.ID, "Sorry, your profile could not be loaded. Please try again later.")
		return nil
	}
	if profile == nil {
		b.sendMessage(message.Chat.ID, "Please register first with /register <username>.")
		return nil
	}
	return profile
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Livelink! 💬
Chat live with people in themed channels.

Register with /register <username>, then pick a channel from /channels and /join it.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/register <username> - Create your profile
/channels - List all channels
/join <channel> - Enter a channel
/leave - Leave the current channel
/who - Show who is in your channel
/where <username> - Find the channel a user is in
/search <prefix> - Search users by name
/location <country> <postal code> - Set your city

While in a channel:
/profil <username> - Show a user's profile
/userlock <username>: <reason>[: <days>|!] - Lock a user (moderators)
/userlock !<username> - Unlock a user (moderators)
@bot <question> - Ask the bot

Anything else you type is sent to the channel.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleRegister(ctx context.Context, c *client, message *tgbotapi.Message) {
	username := strings.TrimSpace(message.CommandArguments())
	if username == "" || strings.ContainsAny(username, " /") {
		b.sendMessage(message.Chat.ID, "Usage: /register <username> (no spaces)")
		return
	}

	existing, err := b.svc.Profiles.Get(ctx, c.uid)
	if err != nil {
		b.logger.Error("Failed to load profile", zap.Error(err), zap.String("uid", c.uid))
		b.sendErrorMessage(message.Chat.ID, "Sorry, registration failed. Please try again later.")
		return
	}
	if existing != nil {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("You are already registered as %s.", existing.Username))
		return
	}

	profile, err := b.svc.Profiles.Register(ctx, c.uid, username, "")
	if errors.Is(err, profiles.ErrUsernameTaken) {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("The username %s is already taken.", username))
		return
	}
	if err != nil || profile == nil {
		b.logger.Error("Failed to register user",
			zap.Error(err),
			zap.String("uid", c.uid),
			zap.String("username", username))
		b.sendErrorMessage(message.Chat.ID, "Sorry, registration failed. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Welcome, %s! Use /channels to find a channel.", profile.Username))
}

func (b *Bot) handleChannels(ctx context.Context, message *tgbotapi.Message) {
	categories, err := b.svc.Directory.Categories(ctx)
	if err != nil {
		b.logger.Warn("Channel list may be stale", zap.Error(err))
	}
	b.sendMarkdown(message.Chat.ID, formatCategories(categories))
}

func (b *Bot) handleJoin(ctx context.Context, c *client, message *tgbotapi.Message) {
	name := strings.TrimSpace(message.CommandArguments())
	if name == "" {
		b.sendMessage(message.Chat.ID, "Usage: /join <channel>")
		return
	}
	profile := b.requireProfile(ctx, c, message)
	if profile == nil {
		return
	}
	if profile.IsLocked(time.Now()) {
		lock := profile.LockInfo
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Your account is %s. Reason: %s", lock.Describe(), lock.Reason))
		return
	}

	channel, found, err := b.svc.Directory.Lookup(ctx, name)
	if err != nil && !found {
		b.sendErrorMessage(message.Chat.ID, "Sorry, the channel list is unavailable. Please try again later.")
		return
	}
	if !found {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Channel %s does not exist. See /channels.", name))
		return
	}

	if _, err := c.session.Join(ctx, channel, profile); err != nil {
		b.sendErrorMessage(message.Chat.ID, "Sorry, you could not join the channel. Please try again.")
		return
	}
	b.sendMarkdown(message.Chat.ID, fmt.Sprintf("You are now in *%s*\\.", escapeMarkdown(channel.Name)))
	b.watchChannel(c, channel.Name, profile.Username)
}

func (b *Bot) handleLeave(ctx context.Context, c *client, message *tgbotapi.Message) {
	membership := c.session.Current()
	if membership == nil {
		b.sendStatus(message.Chat.ID, "You are not in a channel")
		return
	}
	if err := c.session.Leave(ctx); err != nil {
		b.logger.Warn("Leave did not remove presence", zap.Error(err), zap.String("uid", c.uid))
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("You left %s.", membership.ChannelID))
}

func (b *Bot) handleWho(ctx context.Context, c *client, message *tgbotapi.Message) {
	membership := c.session.Current()
	if membership == nil {
		b.sendStatus(message.Chat.ID, "You are not in a channel")
		return
	}
	records, err := b.svc.Tracker.ListPresent(ctx, membership.ChannelID)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve who is online.")
		return
	}
	b.sendMarkdown(message.Chat.ID, formatPresent(membership.ChannelID, records))
}

func (b *Bot) handleWhere(ctx context.Context, message *tgbotapi.Message) {
	username := strings.TrimSpace(message.CommandArguments())
	if username == "" {
		b.sendMessage(message.Chat.ID, "Usage: /where <username>")
		return
	}
	profile, err := b.svc.Profiles.FindByUsername(ctx, username)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Sorry, the lookup failed. Please try again later.")
		return
	}
	if profile == nil {
		b.sendStatus(message.Chat.ID, fmt.Sprintf("User %s not found", username))
		return
	}
	channel, online, err := b.svc.Tracker.FindOnline(ctx, profile.Username)
	if err != nil {
		b.logger.Error("Online lookup failed", zap.Error(err), zap.String("username", profile.Username))
		b.sendErrorMessage(message.Chat.ID, "Sorry, the lookup failed. Please try again later.")
		return
	}
	if !online {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("%s is offline.", profile.Username))
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("%s is online in %s.", profile.Username, channel))
}

func (b *Bot) handleSearch(ctx context.Context, message *tgbotapi.Message) {
	prefix := strings.TrimSpace(message.CommandArguments())
	if prefix == "" {
		b.sendMessage(message.Chat.ID, "Usage: /search <prefix>")
		return
	}
	results, err := b.svc.Profiles.Search(ctx, prefix, searchLimit)
	if err != nil {
		b.logger.Error("User search failed", zap.Error(err), zap.String("prefix", prefix))
		b.sendErrorMessage(message.Chat.ID, "Sorry, the search failed. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, formatSearch(prefix, results))
}

func (b *Bot) handleLocation(ctx context.Context, c *client, message *tgbotapi.Message) {
	args := strings.Fields(message.CommandArguments())
	if len(args) != 2 {
		b.sendMessage(message.Chat.ID, "Usage: /location <country> <postal code>, e.g. /location DE 10115")
		return
	}
	if b.requireProfile(ctx, c, message) == nil {
		return
	}
	country := strings.ToUpper(args[0])
	locality, err := b.svc.Profiles.UpdateLocation(ctx, b.svc.Postal, c.uid, country, args[1])
	if errors.Is(err, postal.ErrNoLocality) {
		b.sendStatus(message.Chat.ID, fmt.Sprintf("No place found for %s %s", country, args[1]))
		return
	}
	if err != nil {
		b.logger.Error("Location update failed", zap.Error(err), zap.String("uid", c.uid))
		b.sendErrorMessage(message.Chat.ID, "Sorry, your location could not be updated. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Your location is now %s, %s.", locality.Name, locality.Region))
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// sendStatus shows a transient status text that is deleted after commands.StatusDisplayDuration.
func (b *Bot) sendStatus(chatID int64, text string) {
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, "ℹ️ "+text))
	if err != nil {
		b.logger.Error("Failed to send status",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
		return
	}
	time.AfterFunc(commands.StatusDisplayDuration, func() {
		if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, sent.MessageID)); err != nil {
			b.logger.Debug("Failed to delete status",
				zap.Error(err),
				zap.Int64("chat_id", chatID))
		}
	})
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
