// Package discord is the Discord front end of the bot: it maps prefix
// commands onto the bot core and streams answers back through message
// edits.
package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"unllamabot/internal/bot"
	"unllamabot/internal/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Client owns the Discord session.
type Client struct {
	session *discordgo.Session
	bot     *bot.Bot
	cfg     *config.Config
	log     *zap.Logger

	helpMu   sync.Mutex
	helpText string
}

func New(cfg *config.Config, b *bot.Bot, log *zap.Logger) (*Client, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent

	c := &Client{
		session: session,
		bot:     b,
		cfg:     cfg,
		log:     log,
	}
	session.AddHandler(c.onReady)
	session.AddHandler(c.onMessageCreate)
	session.AddHandler(c.onReactionAdd)
	return c, nil
}

// Open connects to the Discord gateway.
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	c.log.Info("discord gateway ready", zap.String("user", s.State.User.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.refreshPresence(ctx, s)
}

// refreshPresence queries the inference server and advertises the loaded
// model in the bot's status line. Also rebuilds the help text.
func (c *Client) refreshPresence(ctx context.Context, s *discordgo.Session) {
	helpCmd := c.cfg.Bot.Prefix + c.cfg.CommandString(config.CmdHelp)
	status := "Try me with " + helpCmd

	props, err := c.bot.Props(ctx)
	if err != nil {
		c.log.Warn("could not query model properties", zap.Error(err))
	} else {
		status = fmt.Sprintf("Try me with %s. Running %s (%d ctx)",
			helpCmd, props.ModelName(), props.DefaultGenerationSettings.NCtx)
	}

	c.helpMu.Lock()
	c.helpText = c.buildHelpMessage(props)
	c.helpMu.Unlock()

	if err := s.UpdateCustomStatus(status); err != nil {
		c.log.Warn("could not update presence", zap.Error(err))
	}
}

func (c *Client) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User == nil || r.UserID == s.State.User.ID {
		return
	}
	if r.Emoji.Name != c.cfg.Messages.RemoveReaction {
		return
	}

	msg, err := s.ChannelMessage(r.ChannelID, r.MessageID)
	if err != nil {
		c.log.Warn("could not fetch reacted message", zap.Error(err))
		return
	}
	if !c.shouldRemoveMessage(s.State.User.ID, r.UserID, r.Emoji.Name, msg) {
		return
	}

	c.log.Info("removing own message on reaction",
		zap.String("message_id", r.MessageID),
		zap.String("requested_by", r.UserID))
	if err := s.ChannelMessageDelete(r.ChannelID, r.MessageID); err != nil {
		c.log.Warn("could not delete message", zap.Error(err))
	}
}

func (c *Client) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !strings.HasPrefix(m.Content, c.cfg.Bot.Prefix) {
		return
	}

	raw := strings.TrimSpace(strings.TrimPrefix(m.Content, c.cfg.Bot.Prefix))
	command, argument, _ := strings.Cut(raw, " ")
	argument = strings.TrimSpace(argument)

	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		c.log.Warn("non-numeric author id", zap.String("author_id", m.Author.ID))
		return
	}

	name, binding, found := c.resolveCommand(command)
	if !found {
		return
	}
	if binding.RequiresAdmin && !c.cfg.IsAdmin(userID) {
		c.reply(s, m, "Sorry, this command is reserved for bot administrators.")
		return
	}

	c.log.Debug("dispatching command",
		zap.String("command", name),
		zap.Int64("user_id", userID))
	c.dispatch(s, m, name, argument, userID)
}

// shouldRemoveMessage decides whether a removal reaction is honored: the
// emoji must match the configured one, the message must be the bot's own,
// and the reactor must be the user the message answers (the author of the
// replied-to message) or an admin.
func (c *Client) shouldRemoveMessage(botID, reactorID, emoji string, msg *discordgo.Message) bool {
	if reactorID == "" || reactorID == botID || emoji != c.cfg.Messages.RemoveReaction {
		return false
	}
	if msg == nil || msg.Author == nil || msg.Author.ID != botID {
		return false
	}
	if ref := msg.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == reactorID {
		return true
	}
	userID, err := strconv.ParseInt(reactorID, 10, 64)
	return err == nil && c.cfg.IsAdmin(userID)
}

// resolveCommand maps a typed command word back to its canonical name.
func (c *Client) resolveCommand(word string) (string, config.Command, bool) {
	for name, binding := range c.cfg.Commands {
		if binding.Cmd == word {
			return name, binding, true
		}
	}
	return "", config.Command{}, false
}

// reply answers as a Discord reply so the addressee stays attached to
// the message, which the removal reaction check relies on.
func (c *Client) reply(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	if _, err := s.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		c.log.Warn("could not send reply", zap.Error(err))
	}
}
