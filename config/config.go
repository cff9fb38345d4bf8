package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa de polyledger.
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	API        APIConfig        `yaml:"api"`
	Polymarket PolymarketConfig `yaml:"polymarket"`
	Chain      ChainConfig      `yaml:"chain"`
	Storage    StorageConfig    `yaml:"storage"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Log        LogConfig        `yaml:"log"`
}

// PipelineConfig controla el envío de órdenes.
type PipelineConfig struct {
	SigningTimeoutSeconds int    `yaml:"signing_timeout_seconds"`
	SubmitTimeoutSeconds  int    `yaml:"submit_timeout_seconds"`
	SubmitRetries         int    `yaml:"submit_retries"`
	RetryBaseMS           int    `yaml:"retry_base_ms"`
	DedupWindowSeconds    int    `yaml:"dedup_window_seconds"`
	BalanceChain          string `yaml:"balance_chain"`
	OrderType             string `yaml:"order_type"` // GTC | FOK
}

// ReconcileConfig controla los loops de reconciliación.
// Un intervalo negativo desactiva ese loop.
type ReconcileConfig struct {
	FillIntervalSeconds     int    `yaml:"fill_interval_seconds"`
	TransferIntervalSeconds int    `yaml:"transfer_interval_seconds"`
	BalanceIntervalSeconds  int    `yaml:"balance_interval_seconds"`
	SweepIntervalSeconds    int    `yaml:"sweep_interval_seconds"`
	MarketIntervalSeconds   int    `yaml:"market_interval_seconds"`
	StaleAfterSeconds       int    `yaml:"stale_after_seconds"`
	PollConcurrency         int    `yaml:"poll_concurrency"`
	Confirmations           uint64 `yaml:"confirmations"`
	InitialLookbackBlocks   uint64 `yaml:"initial_lookback_blocks"`
}

// APIConfig controla el servidor HTTP.
type APIConfig struct {
	Listen                string `yaml:"listen"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	SessionTTLMinutes     int    `yaml:"session_ttl_minutes"`
}

// PolymarketConfig contiene los base URLs y las credenciales L2 del CLOB.
type PolymarketConfig struct {
	CLOBBase   string `yaml:"clob_base"`
	GammaBase  string `yaml:"gamma_base"`
	Address    string `yaml:"address"`
	APIKey     string `yaml:"-"`
	Secret     string `yaml:"-"`
	Passphrase string `yaml:"-"`
}

// ChainConfig selecciona la red y el RPC del indexer.
type ChainConfig struct {
	Network string `yaml:"network"` // polygon | amoy
	RPCURL  string `yaml:"rpc_url"`
	Token   string `yaml:"token"` // vacío = USDC de la red
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// SecretsConfig nunca se lee del YAML: solo de entorno o .env.
type SecretsConfig struct {
	MasterKey string `yaml:"-"`
	JWTSecret string `yaml:"-"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
// Un path vacío usa solo entorno y defaults.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := domain.ParseChain(c.Chain.Network); err != nil {
		return fmt.Errorf("chain.network: %w", err)
	}
	if _, err := domain.ParseChain(c.Pipeline.BalanceChain); err != nil {
		return fmt.Errorf("pipeline.balance_chain: %w", err)
	}
	switch c.Pipeline.OrderType {
	case "GTC", "FOK":
	default:
		return fmt.Errorf("pipeline.order_type: %q not in GTC|FOK", c.Pipeline.OrderType)
	}
	return nil
}

// Network devuelve la red del indexer ya validada.
func (c *Config) Network() domain.Chain {
	ch, _ := domain.ParseChain(c.Chain.Network)
	return ch
}

// BalanceChain devuelve la red cuyo balance respalda las compras.
func (c *Config) BalanceChain() domain.Chain {
	ch, _ := domain.ParseChain(c.Pipeline.BalanceChain)
	return ch
}

// SigningTimeout devuelve el tiempo máximo de firma como time.Duration.
func (c *Config) SigningTimeout() time.Duration {
	return seconds(c.Pipeline.SigningTimeoutSeconds)
}

// SubmitTimeout devuelve el tiempo máximo por intento de envío.
func (c *Config) SubmitTimeout() time.Duration {
	return seconds(c.Pipeline.SubmitTimeoutSeconds)
}

// RetryBase devuelve el backoff base entre reintentos de envío.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Pipeline.RetryBaseMS) * time.Millisecond
}

// DedupWindow devuelve la ventana de deduplicación de intents.
func (c *Config) DedupWindow() time.Duration {
	return seconds(c.Pipeline.DedupWindowSeconds)
}

// RequestTimeout devuelve el timeout por request HTTP.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.API.RequestTimeoutSeconds)
}

// SessionTTL devuelve la vida de un token de sesión.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.API.SessionTTLMinutes) * time.Minute
}

// Interval convierte segundos de YAML a time.Duration. Negativo se conserva
// para que el worker desactive el loop.
func Interval(secs int) time.Duration {
	return seconds(secs)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Log.Level, "LOG_LEVEL")
	set(&cfg.Log.Format, "LOG_FORMAT")
	set(&cfg.Secrets.MasterKey, "POLYLEDGER_MASTER_KEY")
	set(&cfg.Secrets.JWTSecret, "POLYLEDGER_JWT_SECRET")
	set(&cfg.Polymarket.APIKey, "POLY_API_KEY")
	set(&cfg.Polymarket.Secret, "POLY_API_SECRET")
	set(&cfg.Polymarket.Passphrase, "POLY_API_PASSPHRASE")
	set(&cfg.Polymarket.Address, "POLY_ADDRESS")
	set(&cfg.Chain.RPCURL, "POLYGON_RPC_URL")
	set(&cfg.Storage.DSN, "POLYLEDGER_DSN")
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.SigningTimeoutSeconds <= 0 {
		p.SigningTimeoutSeconds = 30
	}
	if p.SubmitTimeoutSeconds <= 0 {
		p.SubmitTimeoutSeconds = 10
	}
	if p.SubmitRetries <= 0 {
		p.SubmitRetries = 3
	}
	if p.RetryBaseMS <= 0 {
		p.RetryBaseMS = 500
	}
	if p.DedupWindowSeconds <= 0 {
		p.DedupWindowSeconds = 10
	}
	if p.BalanceChain == "" {
		p.BalanceChain = string(domain.ChainPolygon)
	}
	p.OrderType = strings.ToUpper(p.OrderType)
	if p.OrderType == "" {
		p.OrderType = "GTC"
	}

	r := &cfg.Reconcile
	defInterval := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	defInterval(&r.FillIntervalSeconds, 15)
	defInterval(&r.TransferIntervalSeconds, 30)
	defInterval(&r.BalanceIntervalSeconds, 300)
	defInterval(&r.SweepIntervalSeconds, 60)
	defInterval(&r.MarketIntervalSeconds, 600)
	if r.StaleAfterSeconds <= 0 {
		r.StaleAfterSeconds = 900
	}
	if r.PollConcurrency <= 0 {
		r.PollConcurrency = 8
	}
	if r.Confirmations == 0 {
		r.Confirmations = 5
	}
	if r.InitialLookbackBlocks == 0 {
		r.InitialLookbackBlocks = 10000
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.API.RequestTimeoutSeconds <= 0 {
		cfg.API.RequestTimeoutSeconds = 60
	}
	if cfg.API.SessionTTLMinutes <= 0 {
		cfg.API.SessionTTLMinutes = 60
	}
	if cfg.Polymarket.CLOBBase == "" {
		cfg.Polymarket.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.Polymarket.GammaBase == "" {
		cfg.Polymarket.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.Chain.Network == "" {
		cfg.Chain.Network = string(domain.ChainPolygon)
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyledger.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
