package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the settled daemon configuration, loaded from TOML.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	GatewayAddress string `toml:"GatewayAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	Environment    string `toml:"Environment"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`

	// JWTSecretEnv names the environment variable holding the gateway's
	// token-signing secret. The secret itself never lives in the file.
	JWTSecretEnv string `toml:"JWTSecretEnv"`

	SolvencyActivationBps uint64 `toml:"SolvencyActivationBps"`
	SolvencyRecoveryBps   uint64 `toml:"SolvencyRecoveryBps"`

	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	ExplorerDBPath string `toml:"ExplorerDBPath"`

	Genesis Genesis `toml:"Genesis"`
	Roles   Roles   `toml:"Roles"`
}

// Roles seeds the node's role table at startup. Addresses are hex strings.
type Roles struct {
	Distributors []string `toml:"Distributors"`
	Treasurers   []string `toml:"Treasurers"`
	Updaters     []string `toml:"Updaters"`
}

// Genesis seeds a fresh ledger on first start.
type Genesis struct {
	Owner            string `toml:"Owner"`
	Root             string `toml:"Root"`
	RulebookCID      string `toml:"RulebookCID"`
	RulebookHashHex  string `toml:"RulebookHashHex"`
	PoolDailyLimit   string `toml:"PoolDailyLimit"`
	PoolMonthlyLimit string `toml:"PoolMonthlyLimit"`
}

// Load reads the configuration at path, writing a default file first if none
// exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(c.GatewayAddress) == "" {
		c.GatewayAddress = "127.0.0.1:8660"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./settle-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "settle-local"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if strings.TrimSpace(c.JWTSecretEnv) == "" {
		c.JWTSecretEnv = "SETTLE_JWT_SECRET"
	}
	if c.SolvencyActivationBps == 0 {
		c.SolvencyActivationBps = 11_000
	}
	if c.SolvencyRecoveryBps == 0 {
		c.SolvencyRecoveryBps = 13_000
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 25
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 50
	}
	if strings.TrimSpace(c.ExplorerDBPath) == "" {
		c.ExplorerDBPath = filepath.Join(c.DataDir, "explorer.db")
	}
}

// Validate rejects configurations the daemon cannot serve with.
func (c *Config) Validate() error {
	if c.SolvencyRecoveryBps <= c.SolvencyActivationBps {
		return fmt.Errorf("config: SolvencyRecoveryBps (%d) must exceed SolvencyActivationBps (%d)", c.SolvencyRecoveryBps, c.SolvencyActivationBps)
	}
	if strings.TrimSpace(c.Genesis.Owner) == "" {
		return fmt.Errorf("config: Genesis.Owner is required")
	}
	if strings.TrimSpace(c.Genesis.Root) == "" {
		return fmt.Errorf("config: Genesis.Root is required")
	}
	if strings.TrimSpace(c.Genesis.RulebookCID) == "" {
		return fmt.Errorf("config: Genesis.RulebookCID is required")
	}
	if _, ok := c.PoolDailyLimit(); !ok {
		return fmt.Errorf("config: Genesis.PoolDailyLimit is not a valid integer")
	}
	if _, ok := c.PoolMonthlyLimit(); !ok {
		return fmt.Errorf("config: Genesis.PoolMonthlyLimit is not a valid integer")
	}
	return nil
}

// PoolDailyLimit parses the configured daily withdrawal cap.
func (c *Config) PoolDailyLimit() (*big.Int, bool) {
	return parseAmount(c.Genesis.PoolDailyLimit)
}

// PoolMonthlyLimit parses the configured monthly withdrawal cap.
func (c *Config) PoolMonthlyLimit() (*big.Int, bool) {
	return parseAmount(c.Genesis.PoolMonthlyLimit)
}

func parseAmount(v string) (*big.Int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return big.NewInt(0), true
	}
	amount, ok := new(big.Int).SetString(v, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

// JWTSecret resolves the gateway signing secret from the environment.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(c.JWTSecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("config: environment variable %s is empty", c.JWTSecretEnv)
	}
	return []byte(secret), nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Genesis: Genesis{
			Owner:            "0x0000000000000000000000000000000000000002",
			Root:             "0x0000000000000000000000000000000000000001",
			RulebookCID:      "QmRulebookPlaceholder",
			RulebookHashHex:  "00",
			PoolDailyLimit:   "1000000000000",
			PoolMonthlyLimit: "10000000000000",
		},
	}
	cfg.applyDefaults()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
