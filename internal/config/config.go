package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

const (
	configPathEnv     = "SEARCHER_AGENT_CONFIG"
	pollSecondsEnv    = "AGENT_POLL_SECONDS"
	dryRunEnv         = "AGENT_DRY_RUN"
	agentIDEnv        = "AGENT_ID"
	workersEnv        = "AGENT_WORKERS"
	testUserEnv       = "AGENT_TEST_USER_ID"
	databaseDriverEnv = "DATABASE_DRIVER"
	databaseDSNEnv    = "DATABASE_DSN"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	chatGPTModelEnv   = "CHATGPT_MODEL"
	geminiAPIKeyEnv   = "GEMINI_API_KEY"
	githubTokenEnv    = "GITHUB_TOKEN"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	logLevelEnv       = "LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Agent         AgentConfig        `yaml:"agent"`
	Queue         QueueConfig        `yaml:"queue"`
	Plans         PlansConfig        `yaml:"plans"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Analysis      AnalysisConfig     `yaml:"analysis"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	Gemini        GeminiConfig       `yaml:"gemini"`
	Sources       SourcesConfig      `yaml:"sources"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// LoggingConfig selects slog level (error, warn, info, debug) and format
// (text, json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig picks a driver (sqlite, sqlite3, postgres, pgx) and DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AgentConfig drives the worker loop.
type AgentConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	DryRun       bool          `yaml:"dryRun"`
	ID           string        `yaml:"id"`
	Workers      int           `yaml:"workers"`
	RetryCeiling int           `yaml:"retryCeiling"`
	StaleLease   time.Duration `yaml:"staleLease"`
	TestUserID   string        `yaml:"testUserId"`
}

// QueueConfig tunes the priority model.
type QueueConfig struct {
	RecencyBonus   float64       `yaml:"recencyBonus"`
	RecencyWindow  time.Duration `yaml:"recencyWindow"`
	StarvationBase float64       `yaml:"starvationBase"`
	AgingPerMinute float64       `yaml:"agingPerMinute"`
}

// PlanConfig mirrors domain.Plan in YAML.
type PlanConfig struct {
	MaxConcurrent int     `yaml:"maxConcurrent"`
	CycleLimit    int     `yaml:"cycleLimit"`
	DailyQuota    int     `yaml:"dailyQuota"`
	Weight        float64 `yaml:"weight"`
}

// PlansConfig holds both tiers.
type PlansConfig struct {
	Free    PlanConfig `yaml:"free"`
	Premium PlanConfig `yaml:"premium"`
}

// Table converts the YAML plans into the domain lookup table.
func (p PlansConfig) Table() domain.PlanTable {
	return domain.PlanTable{
		domain.PlanFree:    p.Free.plan(domain.PlanFree),
		domain.PlanPremium: p.Premium.plan(domain.PlanPremium),
	}
}

func (p PlanConfig) plan(tier domain.PlanTier) domain.Plan {
	return domain.Plan{
		Tier:          tier,
		MaxConcurrent: p.MaxConcurrent,
		CycleLimit:    p.CycleLimit,
		DailyQuota:    p.DailyQuota,
		Weight:        p.Weight,
	}
}

// PipelineConfig bounds one research cycle.
type PipelineConfig struct {
	Expander            string        `yaml:"expander"`
	MaxQueries          int           `yaml:"maxQueries"`
	PerQueryLimit       int           `yaml:"perQueryLimit"`
	TopK                int           `yaml:"topK"`
	MaxAnalyze          int           `yaml:"maxAnalyze"`
	AnalysisConcurrency int           `yaml:"analysisConcurrency"`
	DefaultMinRelevance float64       `yaml:"defaultMinRelevance"`
	SourceTimeout       time.Duration `yaml:"sourceTimeout"`
	AnalysisTimeout     time.Duration `yaml:"analysisTimeout"`
	DefaultSources      []string      `yaml:"defaultSources"`
	BroadenOnEmpty      bool          `yaml:"broadenOnEmpty"`
}

// AnalysisConfig selects the analyzer backend: heuristic, openai or gemini.
type AnalysisConfig struct {
	Backend  string `yaml:"backend"`
	Fallback bool   `yaml:"fallback"`
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"apiKey"`
	SystemPrompt string        `yaml:"systemPrompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// GeminiConfig defines how to contact the Gemini API.
type GeminiConfig struct {
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseUrl"`
}

// SourceConfig overrides a provider endpoint.
type SourceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SourcesConfig groups the retrieval providers.
type SourcesConfig struct {
	Arxiv   SourceConfig `yaml:"arxiv"`
	Scholar SourceConfig `yaml:"scholar"`
	PubMed  SourceConfig `yaml:"pubmed"`
	GitHub  SourceConfig `yaml:"github"`
}

// NotificationConfig encapsulates outbound channels and digest cadence.
type NotificationConfig struct {
	Telegram         TelegramConfig `yaml:"telegram"`
	DigestInterval   time.Duration  `yaml:"digestInterval"`
	DispatchInterval time.Duration  `yaml:"dispatchInterval"`
	DispatchBatch    int            `yaml:"dispatchBatch"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	APIURL   string `yaml:"apiUrl"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		fileCfg, err := readFile(path)
		if err != nil {
			log.Printf("config: %v (falling back to defaults)", err)
		} else {
			cfg = mergeConfig(cfg, fileCfg)
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// LoadFile is Load with an explicit path; unlike Load it reports file errors.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		fileCfg, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeConfig(cfg, fileCfg)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func readFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	// Fields missing from the file keep their defaults, so booleans that
	// default to true can still be switched off.
	fileCfg := defaultConfig()
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return fileCfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(pollSecondsEnv); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Agent.PollInterval = time.Duration(secs) * time.Second
		} else {
			log.Printf("config: ignoring %s=%q", pollSecondsEnv, v)
		}
	}
	if v := os.Getenv(dryRunEnv); v != "" {
		c.Agent.DryRun = parseBool(v)
	}
	if v := os.Getenv(agentIDEnv); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv(workersEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.Workers = n
		} else {
			log.Printf("config: ignoring %s=%q", workersEnv, v)
		}
	}
	if v := os.Getenv(testUserEnv); v != "" {
		c.Agent.TestUserID = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}
	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}
	if v := os.Getenv(geminiAPIKeyEnv); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv(githubTokenEnv); v != "" {
		c.Sources.GitHub.Token = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func mergePlan(base *PlanConfig, override PlanConfig) {
	setInt(&base.MaxConcurrent, override.MaxConcurrent)
	setInt(&base.CycleLimit, override.CycleLimit)
	setInt(&base.DailyQuota, override.DailyQuota)
	setFloat(&base.Weight, override.Weight)
}

func mergeSource(base *SourceConfig, override SourceConfig) {
	setString(&base.URL, override.URL)
	setString(&base.Token, override.Token)
}

func mergeConfig(base, override Config) Config {
	setString(&base.Logging.Level, override.Logging.Level)
	setString(&base.Logging.Format, override.Logging.Format)

	setString(&base.Database.Driver, override.Database.Driver)
	setString(&base.Database.DSN, override.Database.DSN)

	setDuration(&base.Agent.PollInterval, override.Agent.PollInterval)
	base.Agent.DryRun = override.Agent.DryRun
	setString(&base.Agent.ID, override.Agent.ID)
	setInt(&base.Agent.Workers, override.Agent.Workers)
	setInt(&base.Agent.RetryCeiling, override.Agent.RetryCeiling)
	setDuration(&base.Agent.StaleLease, override.Agent.StaleLease)
	setString(&base.Agent.TestUserID, override.Agent.TestUserID)

	setFloat(&base.Queue.RecencyBonus, override.Queue.RecencyBonus)
	setDuration(&base.Queue.RecencyWindow, override.Queue.RecencyWindow)
	setFloat(&base.Queue.StarvationBase, override.Queue.StarvationBase)
	setFloat(&base.Queue.AgingPerMinute, override.Queue.AgingPerMinute)

	mergePlan(&base.Plans.Free, override.Plans.Free)
	mergePlan(&base.Plans.Premium, override.Plans.Premium)

	setString(&base.Pipeline.Expander, override.Pipeline.Expander)
	setInt(&base.Pipeline.MaxQueries, override.Pipeline.MaxQueries)
	setInt(&base.Pipeline.PerQueryLimit, override.Pipeline.PerQueryLimit)
	setInt(&base.Pipeline.TopK, override.Pipeline.TopK)
	setInt(&base.Pipeline.MaxAnalyze, override.Pipeline.MaxAnalyze)
	setInt(&base.Pipeline.AnalysisConcurrency, override.Pipeline.AnalysisConcurrency)
	setFloat(&base.Pipeline.DefaultMinRelevance, override.Pipeline.DefaultMinRelevance)
	setDuration(&base.Pipeline.SourceTimeout, override.Pipeline.SourceTimeout)
	setDuration(&base.Pipeline.AnalysisTimeout, override.Pipeline.AnalysisTimeout)
	if len(override.Pipeline.DefaultSources) > 0 {
		base.Pipeline.DefaultSources = override.Pipeline.DefaultSources
	}
	base.Pipeline.BroadenOnEmpty = override.Pipeline.BroadenOnEmpty

	setString(&base.Analysis.Backend, override.Analysis.Backend)
	base.Analysis.Fallback = override.Analysis.Fallback

	setString(&base.ChatGPT.Endpoint, override.ChatGPT.Endpoint)
	setString(&base.ChatGPT.Model, override.ChatGPT.Model)
	setString(&base.ChatGPT.APIKey, override.ChatGPT.APIKey)
	setString(&base.ChatGPT.SystemPrompt, override.ChatGPT.SystemPrompt)
	setDuration(&base.ChatGPT.Timeout, override.ChatGPT.Timeout)

	setString(&base.Gemini.APIKey, override.Gemini.APIKey)
	setString(&base.Gemini.Model, override.Gemini.Model)
	setString(&base.Gemini.BaseURL, override.Gemini.BaseURL)

	mergeSource(&base.Sources.Arxiv, override.Sources.Arxiv)
	mergeSource(&base.Sources.Scholar, override.Sources.Scholar)
	mergeSource(&base.Sources.PubMed, override.Sources.PubMed)
	mergeSource(&base.Sources.GitHub, override.Sources.GitHub)

	setString(&base.Notifications.Telegram.BotToken, override.Notifications.Telegram.BotToken)
	setString(&base.Notifications.Telegram.ChatID, override.Notifications.Telegram.ChatID)
	setString(&base.Notifications.Telegram.APIURL, override.Notifications.Telegram.APIURL)
	setDuration(&base.Notifications.DigestInterval, override.Notifications.DigestInterval)
	setDuration(&base.Notifications.DispatchInterval, override.Notifications.DispatchInterval)
	setInt(&base.Notifications.DispatchBatch, override.Notifications.DispatchBatch)

	return base
}

func defaultConfig() Config {
	plans := domain.DefaultPlans()
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "searcher-agent.db"},
		Agent: AgentConfig{
			PollInterval: 5 * time.Second,
			ID:           "agent",
			Workers:      2,
			RetryCeiling: 3,
			StaleLease:   30 * time.Minute,
		},
		Queue: QueueConfig{
			RecencyBonus:   5,
			RecencyWindow:  time.Hour,
			StarvationBase: 25,
			AgingPerMinute: 1,
		},
		Plans: PlansConfig{
			Free:    planConfig(plans[domain.PlanFree]),
			Premium: planConfig(plans[domain.PlanPremium]),
		},
		Pipeline: PipelineConfig{
			Expander:            "heuristic",
			MaxQueries:          5,
			PerQueryLimit:       25,
			TopK:                20,
			MaxAnalyze:          10,
			AnalysisConcurrency: 4,
			DefaultMinRelevance: 50,
			SourceTimeout:       20 * time.Second,
			AnalysisTimeout:     60 * time.Second,
			DefaultSources:      []string{"arxiv"},
			BroadenOnEmpty:      true,
		},
		Analysis: AnalysisConfig{Backend: "heuristic", Fallback: true},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are an expert research assistant who judges how relevant papers are to a research task.",
			Timeout:      30 * time.Second,
		},
		Gemini: GeminiConfig{Model: "gemini-2.5-flash"},
		Notifications: NotificationConfig{
			Telegram:         TelegramConfig{APIURL: "https://api.telegram.org"},
			DigestInterval:   time.Hour,
			DispatchInterval: 10 * time.Second,
			DispatchBatch:    50,
		},
	}
}

func planConfig(p domain.Plan) PlanConfig {
	return PlanConfig{
		MaxConcurrent: p.MaxConcurrent,
		CycleLimit:    p.CycleLimit,
		DailyQuota:    p.DailyQuota,
		Weight:        p.Weight,
	}
}
