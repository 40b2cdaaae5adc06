package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Environment variables honored on top of the config file. The Discord
// token is intentionally never stored in the file.
const (
	EnvDiscordToken = "UNREASONABLE_LLAMA_DISCORD_API_KEY"
	EnvLlamaURL     = "LLAMA_CPP_SERVER_URL"
	EnvJWTSecret    = "UNLLAMABOT_JWT_SECRET"
)

// Command is a single bot command binding.
type Command struct {
	Cmd           string `toml:"cmd"`
	RequiresAdmin bool   `toml:"requires-admin"`
}

// Canonical command names used as keys of Config.Commands.
const (
	CmdInference    = "inference"
	CmdHelp         = "help"
	CmdReset        = "reset-conversation"
	CmdStats        = "stats"
	CmdSystemPrompt = "system-prompt"
	CmdParam        = "param"
	CmdRefresh      = "refresh"
)

type MessagesConfig struct {
	EditCooldownMS int    `toml:"edit-cooldown-ms"`
	LengthLimit    int    `toml:"length-limit"`
	RemoveReaction string `toml:"remove-reaction"`
}

type BotConfig struct {
	Prefix              string  `toml:"prefix"`
	DefaultSystemPrompt string  `toml:"default-system-prompt"`
	ChatDatabasePath    string  `toml:"chat-database-path"`
	AdminIDs            []int64 `toml:"admin-ids"`
	RateLimitPerMinute  int     `toml:"rate-limit-per-minute"`
}

type LlamaConfig struct {
	// URL is optional; when empty, LLAMA_CPP_SERVER_URL is used instead.
	URL              string `toml:"url"`
	RequestTimeoutMS int    `toml:"request-timeout-ms"`
	ChatTemplate     string `toml:"chat-template"`
	ChatTemplateFile string `toml:"chat-template-file"`
}

type AdminAPIConfig struct {
	Enabled           bool   `toml:"enabled"`
	Listen            string `toml:"listen"`
	Username          string `toml:"username"`
	PasswordHash      string `toml:"password-hash"`
	JWTSecret         string `toml:"jwt-secret"`
	RequestsPerSecond int    `toml:"requests-per-second"`
}

// Config is the full bot configuration, loaded from a TOML file.
type Config struct {
	Messages MessagesConfig     `toml:"messages"`
	Commands map[string]Command `toml:"commands"`
	Bot      BotConfig          `toml:"bot"`
	Llama    LlamaConfig        `toml:"llama"`
	AdminAPI AdminAPIConfig     `toml:"admin-api"`

	// DiscordToken comes from the environment only.
	DiscordToken string `toml:"-"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Messages: MessagesConfig{
			EditCooldownMS: 750,
			LengthLimit:    1990,
			RemoveReaction: "💀",
		},
		Commands: map[string]Command{
			CmdInference:    {Cmd: "llm"},
			CmdHelp:         {Cmd: "llm-help"},
			CmdReset:        {Cmd: "llm-reset"},
			CmdStats:        {Cmd: "llm-stats"},
			CmdSystemPrompt: {Cmd: "llm-prompt"},
			CmdParam:        {Cmd: "llm-param"},
			CmdRefresh:      {Cmd: "llm-refresh", RequiresAdmin: true},
		},
		Bot: BotConfig{
			Prefix:              "$",
			DefaultSystemPrompt: "You are a helpful AI assistant. Assist the user best to your ability.",
			ChatDatabasePath:    "./chats.db",
			AdminIDs:            []int64{},
			RateLimitPerMinute:  6,
		},
		Llama: LlamaConfig{
			RequestTimeoutMS: 10000,
			ChatTemplate:     "chatml",
		},
		AdminAPI: AdminAPIConfig{
			Enabled:           false,
			Listen:            ":8080",
			Username:          "admin",
			RequestsPerSecond: 5,
		},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	raw, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// LoadOrCreate loads the config at path, creating the default one if the
// file is missing. An existing but broken file is only replaced when
// overwrite is set.
func LoadOrCreate(path string, overwrite bool) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) && !overwrite {
		return nil, err
	}

	cfg = Default()
	if saveErr := cfg.Save(path); saveErr != nil {
		return nil, saveErr
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv pulls the environment-only settings into the config.
func (c *Config) ApplyEnv() {
	if token := os.Getenv(EnvDiscordToken); token != "" {
		c.DiscordToken = token
	}
	if c.Llama.URL == "" {
		c.Llama.URL = os.Getenv(EnvLlamaURL)
	}
	if c.AdminAPI.JWTSecret == "" {
		c.AdminAPI.JWTSecret = os.Getenv(EnvJWTSecret)
	}
}

func (c *Config) Validate() error {
	if c.Messages.LengthLimit < 16 {
		return fmt.Errorf("messages.length-limit must be at least 16, got %d", c.Messages.LengthLimit)
	}
	if c.Messages.EditCooldownMS < 0 {
		return errors.New("messages.edit-cooldown-ms cannot be negative")
	}
	if c.Bot.Prefix == "" {
		return errors.New("bot.prefix cannot be empty")
	}
	if c.Bot.ChatDatabasePath == "" {
		return errors.New("bot.chat-database-path cannot be empty")
	}
	if c.Bot.RateLimitPerMinute < 0 {
		return errors.New("bot.rate-limit-per-minute cannot be negative")
	}
	if c.Llama.RequestTimeoutMS <= 0 {
		return errors.New("llama.request-timeout-ms must be positive")
	}
	for name, command := range c.Commands {
		if command.Cmd == "" {
			return fmt.Errorf("commands.%s.cmd cannot be empty", name)
		}
	}
	if c.AdminAPI.Enabled {
		if c.AdminAPI.Listen == "" {
			return errors.New("admin-api.listen cannot be empty when the admin API is enabled")
		}
		if c.AdminAPI.Username == "" || c.AdminAPI.PasswordHash == "" {
			return errors.New("admin-api requires username and password-hash when enabled")
		}
	}
	return nil
}

// CommandString returns the command word bound to a canonical command
// name, or the empty string if unbound.
func (c *Config) CommandString(name string) string {
	return c.Commands[name].Cmd
}

// IsAdmin reports whether a Discord user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Bot.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
