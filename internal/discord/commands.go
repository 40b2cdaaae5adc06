package discord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"unllamabot/internal/bot"
	"unllamabot/internal/config"
	"unllamabot/internal/llama"
	"unllamabot/internal/models"
	"unllamabot/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (c *Client) dispatch(s *discordgo.Session, m *discordgo.MessageCreate, name, argument string, userID int64) {
	switch name {
	case config.CmdInference:
		c.handleInference(s, m, argument, userID)
	case config.CmdHelp:
		c.handleHelp(s, m)
	case config.CmdReset:
		c.handleReset(s, m, userID)
	case config.CmdStats:
		c.handleStats(s, m, userID)
	case config.CmdSystemPrompt:
		c.handleSystemPrompt(s, m, argument, userID)
	case config.CmdParam:
		c.handleParam(s, m, argument, userID)
	case config.CmdRefresh:
		c.handleRefresh(s, m)
	}
}

func (c *Client) handleInference(s *discordgo.Session, m *discordgo.MessageCreate, prompt string, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	stopTyping := c.keepTyping(ctx, s, m.ChannelID)
	defer stopTyping()

	responder := newStreamingResponder(s, m.ChannelID, m.Reference(),
		time.Duration(c.cfg.Messages.EditCooldownMS)*time.Millisecond)

	err := c.bot.ProcessMessage(ctx, userID, prompt, responder.handle)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, bot.ErrEmptyPrompt):
		c.reply(s, m, "Give me a prompt! Usage: `"+c.cfg.Bot.Prefix+c.cfg.CommandString(config.CmdInference)+" [prompt]`")
	case errors.Is(err, bot.ErrRateLimited):
		c.reply(s, m, "You're sending prompts too fast, give me a moment to cool down.")
	case errors.Is(err, llama.ErrServerUnavailable):
		c.reply(s, m, "The inference server is not responding. Try again later, or poke an admin.")
	default:
		c.log.Error("inference failed", zap.Int64("user_id", userID), zap.Error(err))
		c.reply(s, m, "Something went wrong while generating the response.")
	}
}

// keepTyping refreshes the typing indicator until the returned stop
// function is called. Discord drops the indicator after ~10 seconds.
func (c *Client) keepTyping(ctx context.Context, s *discordgo.Session, channelID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			if err := s.ChannelTyping(channelID); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (c *Client) handleHelp(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.helpMu.Lock()
	help := c.helpText
	c.helpMu.Unlock()
	if help == "" {
		help = c.buildHelpMessage(nil)
	}
	c.reply(s, m, help)
}

func (c *Client) buildHelpMessage(props *llama.Props) string {
	prefix := c.cfg.Bot.Prefix
	var b strings.Builder
	b.WriteString("This is **unllamabot**, a bridge between Discord and a locally hosted LLM.\n")
	b.WriteString("# Available commands\n")
	b.WriteString(fmt.Sprintf("* `%s%s [prompt]` - ask the LLM; your conversation history is kept between prompts.\n",
		prefix, c.cfg.CommandString(config.CmdInference)))
	b.WriteString(fmt.Sprintf("* `%s%s` - show this message.\n", prefix, c.cfg.CommandString(config.CmdHelp)))
	b.WriteString(fmt.Sprintf("* `%s%s` - reset your conversation history.\n", prefix, c.cfg.CommandString(config.CmdReset)))
	b.WriteString(fmt.Sprintf("* `%s%s` - show your conversation statistics.\n", prefix, c.cfg.CommandString(config.CmdStats)))
	b.WriteString(fmt.Sprintf("* `%s%s show|set <prompt>|preset <key>|default` - manage your system prompt (presets: %s).\n",
		prefix, c.cfg.CommandString(config.CmdSystemPrompt), strings.Join(models.PresetKeys(), ", ")))
	b.WriteString(fmt.Sprintf("* `%s%s <name> <value>` - tweak a generation parameter.\n",
		prefix, c.cfg.CommandString(config.CmdParam)))
	b.WriteString(fmt.Sprintf("* `%s%s` - re-read model properties from the server (admin).\n",
		prefix, c.cfg.CommandString(config.CmdRefresh)))
	b.WriteString("\nReact with " + c.cfg.Messages.RemoveReaction + " to one of my messages to make me delete it.\n")
	b.WriteString("\nDefault system prompt: " + c.cfg.Bot.DefaultSystemPrompt + "\n")

	if props != nil {
		settings := props.DefaultGenerationSettings
		b.WriteString("# Loaded model\n")
		b.WriteString(fmt.Sprintf("Name: `%s`\n", props.ModelName()))
		b.WriteString(fmt.Sprintf("Context length (tokens): `%d`\n", settings.NCtx))
		b.WriteString(fmt.Sprintf("Temperature: `%g`, Top K: `%d`, Top P: `%g`, Min P: `%g`\n",
			settings.Temperature, settings.TopK, settings.TopP, settings.MinP))
		if len(settings.Samplers) > 0 {
			b.WriteString(fmt.Sprintf("Samplers: `%s`\n", strings.Join(settings.Samplers, ", ")))
		}
	}
	return b.String()
}

func (c *Client) handleReset(s *discordgo.Session, m *discordgo.MessageCreate, userID int64) {
	if err := c.bot.ResetConversation(userID); err != nil {
		c.log.Error("conversation reset failed", zap.Int64("user_id", userID), zap.Error(err))
		c.reply(s, m, "Could not reset your conversation history.")
		return
	}
	c.reply(s, m, "Your conversation history was reset. Next prompt starts a fresh session.")
}

func (c *Client) handleStats(s *discordgo.Session, m *discordgo.MessageCreate, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := c.bot.UserStats(ctx, userID)
	if err != nil {
		c.log.Error("stats query failed", zap.Int64("user_id", userID), zap.Error(err))
		c.reply(s, m, "Could not compute your conversation statistics.")
		return
	}
	c.reply(s, m, fmt.Sprintf(
		"**Your conversation statistics**\nMessages in history: `%d`\nChat length: `%d` characters, `%d` tokens\nModel context: `%d` tokens (`%.1f%%` used)",
		stats.MessagesInHistory, stats.ChatLengthChars, stats.ChatLengthTokens,
		stats.ContextLength, stats.ContextPercentUsed))
}

func (c *Client) handleSystemPrompt(s *discordgo.Session, m *discordgo.MessageCreate, argument string, userID int64) {
	subcommand, rest, _ := strings.Cut(argument, " ")
	rest = strings.TrimSpace(rest)

	switch subcommand {
	case "show", "":
		user, err := c.bot.Store().GetUser(userID)
		if errors.Is(err, storage.ErrUserNotFound) {
			c.reply(s, m, "You're on the default system prompt:\n> "+c.cfg.Bot.DefaultSystemPrompt)
			return
		}
		if err != nil {
			c.reply(s, m, "Could not look up your system prompt.")
			return
		}
		c.reply(s, m, "Your system prompt:\n> "+user.SystemPrompt)
	case "set":
		if rest == "" {
			c.reply(s, m, "Usage: `system-prompt set <prompt text>`")
			return
		}
		if err := c.bot.SetSystemPrompt(userID, rest); err != nil {
			c.reply(s, m, "Could not change your system prompt.")
			return
		}
		c.reply(s, m, "System prompt updated. It also replaces the system message in your existing history.")
	case "preset":
		preset, err := c.bot.UsePreset(userID, rest)
		if err != nil {
			c.reply(s, m, "Unknown preset. Available presets: "+strings.Join(models.PresetKeys(), ", "))
			return
		}
		c.reply(s, m, fmt.Sprintf("Applied preset **%s** (%s).", preset.Name, preset.Description))
	case "default":
		if err := c.bot.SetSystemPrompt(userID, c.cfg.Bot.DefaultSystemPrompt); err != nil {
			c.reply(s, m, "Could not change your system prompt.")
			return
		}
		c.reply(s, m, "Back to the default system prompt.")
	default:
		c.reply(s, m, "Usage: `system-prompt show|set <prompt>|preset <key>|default`")
	}
}

func (c *Client) handleParam(s *discordgo.Session, m *discordgo.MessageCreate, argument string, userID int64) {
	name, value, _ := strings.Cut(argument, " ")
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		names := storage.ParameterNames()
		sort.Strings(names)
		c.reply(s, m, "Usage: `param <name> <value>`. Settable parameters: `"+strings.Join(names, "`, `")+"`")
		return
	}

	old, updated, err := c.bot.SetParameter(userID, name, value)
	switch {
	case errors.Is(err, storage.ErrUnknownParameter):
		c.reply(s, m, fmt.Sprintf("Unknown parameter `%s`.", name))
	case errors.Is(err, storage.ErrInvalidParamValue):
		c.reply(s, m, fmt.Sprintf("`%s` is not a valid value for `%s`.", value, name))
	case err != nil:
		c.log.Error("parameter update failed", zap.Int64("user_id", userID), zap.Error(err))
		c.reply(s, m, "Could not update the parameter.")
	default:
		c.reply(s, m, fmt.Sprintf("Parameter `%s` changed: `%s` → `%s`.", name, old, updated))
	}
}

func (c *Client) handleRefresh(s *discordgo.Session, m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	props, err := c.bot.Refresh(ctx)
	if err != nil {
		c.reply(s, m, "Could not refresh model properties from the inference server.")
		return
	}
	c.refreshPresence(ctx, s)
	c.reply(s, m, fmt.Sprintf("Model properties refreshed: `%s`, context length `%d`.",
		props.ModelName(), props.DefaultGenerationSettings.NCtx))
}
