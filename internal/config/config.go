package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/koscakluka/ema-calls/internal/utils"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-calls/internal/config"

var logger = otelslog.NewLogger(scopeName)

const (
	LLMTypeOpenAI    = "openai"
	LLMTypeWebsocket = "websocket"
	LLMTypeGroq      = "groq"
)

const (
	DefaultHTTPAddress  = ":8080"
	DefaultLLMType      = LLMTypeOpenAI
	DefaultGreeting     = "Hello! How can I help you today?"
	DefaultSystemPrompt = "You are a friendly phone assistant. Keep answers short and conversational, they are spoken aloud."
	DefaultStoreDriver  = "sqlite"
	DefaultStoreDSN     = "data/calls.db"

	DefaultIdleTimeout        = 15 * time.Second
	DefaultIdleWarningTimeout = 10 * time.Second
	DefaultRingTimeout        = 30 * time.Second
)

type Config struct {
	HTTPAddress string
	// PublicBaseURL is where Twilio reaches this service. When empty it is
	// derived from incoming requests.
	PublicBaseURL string

	Agent    Agent
	LLM      LLM
	Idle     Idle
	Deepgram Deepgram
	Twilio   Twilio
	Store    Store
}

type Agent struct {
	Greeting      string
	SystemPrompt  string
	// KnowledgeFile, when set, is loaded into the call store and offered to
	// the model as a lookup tool.
	KnowledgeFile string
}

type LLM struct {
	Type        string
	Model       string
	Temperature *float64
	MaxTokens   int

	OpenAIAPIKey string
	GroqAPIKey   string

	WebsocketURL             string
	WebsocketCallID          string
	WebsocketConnectTimeout  time.Duration
	WebsocketResponseTimeout time.Duration
}

type Idle struct {
	Timeout        time.Duration
	WarningTimeout time.Duration
}

type Deepgram struct {
	APIKey string
	Voice  string
}

type Twilio struct {
	AccountSID string
	AuthToken  string
	// FromNumber is the caller id of outbound calls. Outbound calls are
	// disabled without it.
	FromNumber  string
	RingTimeout time.Duration
}

type Store struct {
	Driver string
	DSN    string

	SupabaseURL   string
	SupabaseKey   string
	SupabaseTable string
}

// Load reads .env, if present, and the environment, then validates the
// result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logger.Info("configuration loaded",
		"http_address", cfg.HTTPAddress,
		"llm_type", cfg.LLM.Type,
		"store", cfg.Store.Driver)
	return cfg, nil
}

// FromEnv builds a Config from environment variables without validating it.
func FromEnv() (Config, error) {
	p := &parser{}

	cfg := Config{
		HTTPAddress:   getEnv("HTTP_ADDRESS", DefaultHTTPAddress),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		Agent: Agent{
			Greeting:      getEnv("AGENT_GREETING", DefaultGreeting),
			SystemPrompt:  getEnv("AGENT_SYSTEM_PROMPT", DefaultSystemPrompt),
			KnowledgeFile: strings.TrimSpace(os.Getenv("KNOWLEDGE_BASE_FILE")),
		},
		LLM: LLM{
			Type:         strings.ToLower(getEnv("LLM_TYPE", DefaultLLMType)),
			Model:        os.Getenv("LLM_MODEL"),
			Temperature:  p.optionalFloat("LLM_TEMPERATURE"),
			MaxTokens:    p.integer("LLM_MAX_TOKENS", 0),
			OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
			GroqAPIKey:   os.Getenv("GROQ_API_KEY"),

			WebsocketURL:             os.Getenv("WEBSOCKET_LLM_URL"),
			WebsocketCallID:          os.Getenv("WEBSOCKET_CALL_ID"),
			WebsocketConnectTimeout:  p.seconds("WEBSOCKET_CONNECTION_TIMEOUT", 10*time.Second),
			WebsocketResponseTimeout: p.seconds("WEBSOCKET_RESPONSE_TIMEOUT", 30*time.Second),
		},
		Idle: Idle{
			Timeout:        p.seconds("IDLE_TIMEOUT", DefaultIdleTimeout),
			WarningTimeout: p.seconds("IDLE_WARNING_TIMEOUT", DefaultIdleWarningTimeout),
		},
		Deepgram: Deepgram{
			APIKey: os.Getenv("DEEPGRAM_API_KEY"),
			Voice:  os.Getenv("TTS_VOICE"),
		},
		Twilio: Twilio{
			AccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
			FromNumber:  strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER")),
			RingTimeout: p.seconds("TWILIO_RING_TIMEOUT", DefaultRingTimeout),
		},
		Store: Store{
			Driver:        strings.ToLower(getEnv("CALL_STORE", DefaultStoreDriver)),
			DSN:           strings.TrimSpace(os.Getenv("CALL_STORE_DSN")),
			SupabaseURL:   os.Getenv("SUPABASE_URL"),
			SupabaseKey:   os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
			SupabaseTable: os.Getenv("SUPABASE_TABLE"),
		},
	}

	if cfg.Store.Driver == DefaultStoreDriver && cfg.Store.DSN == "" {
		cfg.Store.DSN = DefaultStoreDSN
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	require := func(value, name, reason string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required %s", name, reason))
		}
	}

	switch c.LLM.Type {
	case LLMTypeOpenAI:
		require(c.LLM.OpenAIAPIKey, "OPENAI_API_KEY", "when LLM_TYPE is openai")
	case LLMTypeGroq:
		require(c.LLM.GroqAPIKey, "GROQ_API_KEY", "when LLM_TYPE is groq")
	case LLMTypeWebsocket:
		require(c.LLM.WebsocketURL, "WEBSOCKET_LLM_URL", "when LLM_TYPE is websocket")
		if c.LLM.WebsocketURL != "" {
			if parsed, err := url.Parse(c.LLM.WebsocketURL); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
				errs = append(errs, fmt.Errorf("WEBSOCKET_LLM_URL must be a ws:// or wss:// url, got %q", c.LLM.WebsocketURL))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("LLM_TYPE must be one of %s, %s or %s, got %q",
			LLMTypeOpenAI, LLMTypeWebsocket, LLMTypeGroq, c.LLM.Type))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must not be negative, got %d", c.LLM.MaxTokens))
	}

	if c.Idle.WarningTimeout <= 0 || c.Idle.Timeout <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT and IDLE_WARNING_TIMEOUT must be positive"))
	} else if c.Idle.WarningTimeout >= c.Idle.Timeout {
		errs = append(errs, fmt.Errorf("IDLE_WARNING_TIMEOUT (%s) must be shorter than IDLE_TIMEOUT (%s)",
			c.Idle.WarningTimeout, c.Idle.Timeout))
	}

	require(c.Deepgram.APIKey, "DEEPGRAM_API_KEY", "for speech recognition and synthesis")
	require(c.Twilio.AccountSID, "TWILIO_ACCOUNT_SID", "to hang up calls")
	require(c.Twilio.AuthToken, "TWILIO_AUTH_TOKEN", "to hang up calls and verify webhooks")
	if c.Twilio.RingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TWILIO_RING_TIMEOUT must be positive, got %s", c.Twilio.RingTimeout))
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		require(c.Store.DSN, "CALL_STORE_DSN", "when CALL_STORE is postgres")
	case "supabase":
		require(c.Store.SupabaseURL, "SUPABASE_URL", "when CALL_STORE is supabase")
		require(c.Store.SupabaseKey, "SUPABASE_SERVICE_ROLE_KEY", "when CALL_STORE is supabase")
	default:
		errs = append(errs, fmt.Errorf("CALL_STORE must be one of sqlite, postgres or supabase, got %q", c.Store.Driver))
	}
	if c.Agent.KnowledgeFile != "" && c.Store.Driver == "supabase" {
		errs = append(errs, errors.New("KNOWLEDGE_BASE_FILE needs CALL_STORE to be sqlite or postgres"))
	}

	if c.PublicBaseURL != "" {
		if parsed, err := url.Parse(c.PublicBaseURL); err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute url, got %q", c.PublicBaseURL))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// parser collects parse errors so all bad variables are reported at once.
type parser struct {
	errs []error
}

// seconds accepts plain seconds ("15", "2.5") or Go durations ("15s").
func (p *parser) seconds(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number of seconds or a duration, got %q", key, raw))
		return fallback
	}
	return duration
}

func (p *parser) integer(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
		return fallback
	}
	return value
}

func (p *parser) optionalFloat(key string) *float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, raw))
		return nil
	}
	return utils.Ptr(value)
}
