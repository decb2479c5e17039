// Package commands interprets chat input: slash-commands are routed to profile
// lookup or moderation, everything else is sent to the channel.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/livelink/internal/background"
	"github.com/xaenox/livelink/internal/completion"
	"github.com/xaenox/livelink/internal/models"
	"go.uber.org/zap"
)

// StatusDisplayDuration is how long a status text stays visible.
const StatusDisplayDuration = 3 * time.Second

const (
	DefaultBotTrigger    = "@bot"
	DefaultBotSender     = "bot"
	DefaultFallbackReply = "The bot is not available right now. Please try again later."
	DefaultSystemPrompt  = "You are a friendly assistant in a public chat channel. Keep your answers short."
)

type ProfileStore interface {
	FindByUsername(ctx context.Context, username string) (*models.UserProfile, error)
	SetLock(ctx context.Context, uid string, lock models.LockInfo) error
	ClearLock(ctx context.Context, uid string) error
}

type MessageSender interface {
	Send(ctx context.Context, channel, senderID, content string) (string, error)
}

type VisitRecorder interface {
	RecordProfileVisit(ctx context.Context, visitedUID string, visitor models.ProfileVisitor) error
}

type PresenceFinder interface {
	FindOnline(ctx context.Context, username string) (string, bool, error)
}

// Recorder counts handled input. *metrics.Metrics satisfies it.
type Recorder interface {
	MessageSent(channel string)
	CommandHandled(command string)
	BotReplied(fallback bool)
}

type Config struct {
	BotTrigger      string
	BotSender       string
	SystemPrompt    string
	FallbackReply   string
	ModeratorStatus models.Status
}

func (c Config) withDefaults() Config {
	if c.BotTrigger == "" {
		c.BotTrigger = DefaultBotTrigger
	}
	if c.BotSender == "" {
		c.BotSender = DefaultBotSender
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.FallbackReply == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	if c.ModeratorStatus == 0 {
		c.ModeratorStatus = models.StatusModerator
	}
	return c
}

// Dependencies are the collaborators a Processor routes to. Completer may be nil,
// which disables bot replies.
type Dependencies struct {
	Profiles  ProfileStore
	Messages  MessageSender
	Visits    VisitRecorder
	Presence  PresenceFinder
	Completer completion.Completer
	Runner    *background.Runner
	Metrics   Recorder
}

// Result is the outcome of one input. Status is transient feedback for the caller;
// it is empty when there is nothing to report.
type Result struct {
	Command Command
	Status  string
	Sent    bool
	// Profile and OnlineIn are set by a successful /profil.
	Profile  *models.UserProfile
	OnlineIn string
}

type Option func(*Processor)

func WithClock(clock func() time.Time) Option {
	return func(p *Processor) {
		p.clock = clock
	}
}

type Processor struct {
	cfg    Config
	deps   Dependencies
	clock  func() time.Time
	logger *zap.Logger
}

func NewProcessor(cfg Config, deps Dependencies, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes text typed by caller into channel. It never fails; every
// outcome, including validation and transport errors, is reported in the Result.
func (p *Processor) Handle(ctx context.Context, caller *models.UserProfile, channel, text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}

	cmd, token, arg, isCommand := Parse(text)
	if !isCommand {
		return p.sendMessage(ctx, caller, channel, text)
	}

	p.countCommand(cmd, token)
	p.logger.Debug("Handling command",
		zap.String("command", token),
		zap.String("caller", caller.Username),
		zap.String("channel", channel))

	switch cmd {
	case CommandProfile:
		return p.handleProfile(ctx, caller, arg)
	case CommandUserLock:
		return p.handleUserLock(ctx, caller, arg)
	default:
		return Result{Command: CommandUnknown, Status: fmt.Sprintf("Unknown command %s", token)}
	}
}

func (p *Processor) handleProfile(ctx context.Context, caller *models.UserProfile, username string) Result {
	res := Result{Command: CommandProfile}
	if username == "" {
		res.Status = "Usage: /profil <username>"
		return res
	}

	target, err := p.deps.Profiles.FindByUsername(ctx, username)
	if err != nil {
		p.logger.Error("Profile lookup failed", zap.Error(err), zap.String("username", username))
		res.Status = "Profile lookup failed, please try again"
		return res
	}
	if target == nil {
		res.Status = fmt.Sprintf("User %s not found", username)
		return res
	}
	res.Profile = target

	if target.ID != caller.ID && p.deps.Visits != nil {
		visitor := caller.Visitor()
		p.deps.Runner.Go("record profile visit", func(ctx context.Context) error {
			return p.deps.Visits.RecordProfileVisit(ctx, target.ID, visitor)
		})
	}

	if p.deps.Presence != nil {
		channel, online, err := p.deps.Presence.FindOnline(ctx, target.Username)
		if err != nil {
			p.logger.Warn("Online lookup failed", zap.Error(err), zap.String("username", target.Username))
		} else if online {
			res.OnlineIn = channel
		}
	}
	return res
}

func (p *Processor) handleUserLock(ctx context.Context, caller *models.UserProfile, arg string) Result {
	res := Result{Command: CommandUserLock}
	if !caller.CanModerate(p.cfg.ModeratorStatus) {
		p.logger.Warn("Unauthorized lock attempt", zap.String("caller", caller.Username))
		res.Status = "You are not allowed to lock users"
		return res
	}

	req, err := parseLock(arg, p.clock())
	if err != nil {
		res.Status = err.Error()
		return res
	}

	target, err := p.deps.Profiles.FindByUsername(ctx, req.username)
	if err != nil {
		p.logger.Error("Lock target lookup failed", zap.Error(err), zap.String("username", req.username))
		res.Status = "Lookup failed, please try again"
		return res
	}
	if target == nil {
		res.Status = fmt.Sprintf("User %s not found", req.username)
		return res
	}

	if req.unlock {
		if err := p.deps.Profiles.ClearLock(ctx, target.ID); err != nil {
			p.logger.Error("Unlock failed", zap.Error(err), zap.String("username", target.Username))
			res.Status = fmt.Sprintf("Could not unlock %s", target.Username)
			return res
		}
		p.logger.Info("User unlocked",
			zap.String("username", target.Username),
			zap.String("moderator", caller.Username))
		res.Status = fmt.Sprintf("%s has been unlocked", target.Username)
		return res
	}

	lock := models.LockInfo{
		LockedBy:            caller.Username,
		Reason:              req.reason,
		ExpirationTimestamp: req.expiration,
	}
	if err := p.deps.Profiles.SetLock(ctx, target.ID, lock); err != nil {
		p.logger.Error("Lock failed", zap.Error(err), zap.String("username", target.Username))
		res.Status = fmt.Sprintf("Could not lock %s", target.Username)
		return res
	}
	p.logger.Info("User locked",
		zap.String("username", target.Username),
		zap.String("moderator", caller.Username),
		zap.Int64("expiration", lock.ExpirationTimestamp))

	if lock.Permanent() {
		res.Status = fmt.Sprintf("%s has been locked permanently: %s", target.Username, lock.Reason)
	} else {
		res.Status = fmt.Sprintf("%s has been locked until %s: %s",
			target.Username, models.FormatExpiration(lock.ExpirationTimestamp), lock.Reason)
	}
	return res
}

// sendMessage appends text to the channel and, when it starts with the bot
// trigger, asks the completer for a reply in the background.
func (p *Processor) sendMessage(ctx context.Context, caller *models.UserProfile, channel, text string) Result {
	if caller.IsLocked(p.clock()) {
		p.logger.Info("Message from locked user dropped",
			zap.String("caller", caller.Username),
			zap.String("channel", channel))
		return Result{Status: "Your account is locked"}
	}
	if _, err := p.deps.Messages.Send(ctx, channel, caller.ID, text); err != nil {
		return Result{Status: "Message could not be sent"}
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.MessageSent(channel)
	}

	prompt, triggered := p.botPrompt(text)
	if triggered && p.deps.Completer != nil {
		p.deps.Runner.Go("bot reply", func(ctx context.Context) error {
			reply, err := p.deps.Completer.Complete(ctx, p.cfg.SystemPrompt, prompt)
			if err != nil {
				p.logger.Warn("Bot completion failed, sending fallback",
					zap.Error(err),
					zap.String("channel", channel))
				reply = p.cfg.FallbackReply
			}
			if p.deps.Metrics != nil {
				p.deps.Metrics.BotReplied(err != nil)
			}
			_, err = p.deps.Messages.Send(ctx, channel, p.cfg.BotSender, reply)
			return err
		})
	}
	return Result{Sent: true}
}

func (p *Processor) botPrompt(text string) (string, bool) {
	text = strings.TrimSpace(text)
	trigger := p.cfg.BotTrigger
	if len(text) < len(trigger) || !strings.EqualFold(text[:len(trigger)], trigger) {
		return "", false
	}
	prompt := strings.TrimSpace(text[len(trigger):])
	return prompt, prompt != ""
}

func (p *Processor) countCommand(cmd Command, token string) {
	if p.deps.Metrics == nil {
		return
	}
	if cmd == CommandUnknown {
		token = "unknown"
	}
	p.deps.Metrics.CommandHandled(token)
}
