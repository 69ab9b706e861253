package params

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/bytestrike/matcher/pkg/app/core/settlement"
)

const (
	LedgerEthereum  = "ethereum"
	LedgerSimulated = "simulated"
)

type API struct {
	Addr        string   `env:"API_ADDR" envDefault:":8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001"`
}

type Ledger struct {
	// Mode selects the settlement ledger. "simulated" settles in process and
	// is meant for development only.
	Mode            string        `env:"LEDGER_MODE" envDefault:"ethereum"`
	RPCURL          string        `env:"RPC_URL" envDefault:"http://127.0.0.1:8545"`
	ContractAddress string        `env:"ORDER_BOOK_CONTRACT_ADDRESS"`
	OperatorKey     string        `env:"OPERATOR_PRIVATE_KEY"`
	ChainID         int64         `env:"CHAIN_ID" envDefault:"31337"`
	GasLimit        uint64        `env:"GAS_LIMIT" envDefault:"500000"`
	PollInterval    time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"1s"`
}

type Settlement struct {
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"30s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"250ms"`
}

// Sinks are optional; an empty address disables the sink.
type Sinks struct {
	PostgresDSN  string   `env:"POSTGRES_DSN"`
	KafkaBrokers []string `env:"KAFKA_BROKERS"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"bytestrike-events"`
	RedisAddr    string   `env:"REDIS_ADDR"`
	RedisPass    string   `env:"REDIS_PASSWORD"`
	RedisChannel string   `env:"REDIS_CHANNEL" envDefault:"bytestrike"`
	P2PListen    string   `env:"P2P_LISTEN"`
	P2PBootstrap []string `env:"P2P_BOOTSTRAP"`
	EventBuffer  int      `env:"EVENT_BUFFER" envDefault:"1024"`
}

type Config struct {
	API        API
	Ledger     Ledger
	Settlement Settlement `envPrefix:"SETTLEMENT_"`
	Sinks      Sinks

	LogFile string `env:"LOG_FILE" envDefault:"logs/matcher.log"`
	DataDir string `env:"DATA_DIR" envDefault:"data"`
}

func Default() Config {
	var cfg Config
	// Defaults come from struct tags; parsing an empty environment cannot fail.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Mode {
	case LedgerEthereum:
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			errs = append(errs, fmt.Errorf("ORDER_BOOK_CONTRACT_ADDRESS: invalid address %q", c.Ledger.ContractAddress))
		}
		if c.Ledger.OperatorKey == "" {
			errs = append(errs, errors.New("OPERATOR_PRIVATE_KEY is required"))
		}
	case LedgerSimulated:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_MODE: want %q or %q, got %q", LedgerEthereum, LedgerSimulated, c.Ledger.Mode))
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID must be positive, got %d", c.Ledger.ChainID))
	}
	if c.Settlement.Timeout <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_TIMEOUT must be positive"))
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Sinks.EventBuffer < 1 {
		errs = append(errs, errors.New("EVENT_BUFFER must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c Config) ChainID() *big.Int { return big.NewInt(c.Ledger.ChainID) }

// Contract returns the order book contract address. The simulated ledger has
// no contract and signs against the zero address.
func (c Config) Contract() common.Address {
	if common.IsHexAddress(c.Ledger.ContractAddress) {
		return common.HexToAddress(c.Ledger.ContractAddress)
	}
	return common.Address{}
}

func (c Config) SettlementConfig() settlement.Config {
	return settlement.Config{
		Timeout:      c.Settlement.Timeout,
		MaxAttempts:  c.Settlement.MaxAttempts,
		RetryBackoff: c.Settlement.RetryBackoff,
	}
}

// ShutdownTimeout covers the longest settlement one request can wait on: every
// attempt timing out plus the backoff between attempts, with a margin.
func (c Config) ShutdownTimeout() time.Duration {
	s := c.Settlement
	total := time.Duration(s.MaxAttempts) * s.Timeout
	backoff := s.RetryBackoff
	for i := 1; i < s.MaxAttempts; i++ {
		total += backoff
		backoff *= 2
	}
	return total + 5*time.Second
}

// DataPath joins name onto DATA_DIR, creating the directory.
func (c Config) DataPath(name string) (string, error) {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(c.DataDir, name), nil
}
