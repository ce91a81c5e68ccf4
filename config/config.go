package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the keeper daemon's TOML configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	LogFile       string `toml:"LogFile"`

	Scheduler Scheduler `toml:"scheduler"`
	Vault     Vault     `toml:"vault"`
	Fees      Fees      `toml:"fees"`
	Topup     Topup     `toml:"topup"`
	Managers  Managers  `toml:"managers"`
}

// Scheduler tunes the shared queue and retry policy.
type Scheduler struct {
	BucketSizeSecs        uint64 `toml:"BucketSizeSecs"`
	MaxQueueAgeSecs       uint64 `toml:"MaxQueueAgeSecs"`
	PaymentRetryDelaySecs uint64 `toml:"PaymentRetryDelaySecs"`
	MaxSkips              uint64 `toml:"MaxSkips"`
	MaxPerPoll            int    `toml:"MaxPerPoll"`
	PollIntervalSecs      uint64 `toml:"PollIntervalSecs"`
}

// Vault tunes deposit and oracle policy.
type Vault struct {
	BaseSymbol          string `toml:"BaseSymbol"`
	MinDepositWei       string `toml:"MinDepositWei"`
	MaxPriceFeedAgeSecs uint64 `toml:"MaxPriceFeedAgeSecs"`
}

// Fees is the protocol fee schedule shared by the managers.
type Fees struct {
	Bps          uint32 `toml:"Bps"`
	FloorWei     string `toml:"FloorWei"`
	RouteAddress string `toml:"RouteAddress"`
}

// Topup tunes registry top-up grouping.
type Topup struct {
	GroupSize       uint64 `toml:"GroupSize"`
	MaxTopupsPerRun int    `toml:"MaxTopupsPerRun"`
	BridgeSymbol    string `toml:"BridgeSymbol"`
}

// Managers carries the protocol addresses registered on the vault allow-list,
// one per obligation kind.
type Managers struct {
	SubscriptionAddress string `toml:"SubscriptionAddress"`
	DCAAddress          string `toml:"DCAAddress"`
	P2PAddress          string `toml:"P2PAddress"`
	TopupAddress        string `toml:"TopupAddress"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddress: ":8884",
		DataDir:       "./recurd-data",
		Environment:   "dev",
		Scheduler: Scheduler{
			BucketSizeSecs:        3600,
			MaxQueueAgeSecs:       7 * 86400,
			PaymentRetryDelaySecs: 6 * 3600,
			MaxSkips:              3,
			MaxPerPoll:            20,
			PollIntervalSecs:      15,
		},
		Vault: Vault{
			BaseSymbol:          "USDV",
			MinDepositWei:       "0",
			MaxPriceFeedAgeSecs: 900,
		},
		Topup: Topup{
			GroupSize:       10,
			MaxTopupsPerRun: 5,
			BridgeSymbol:    "LINK",
		},
	}
}

// Load reads the configuration from path, falling back to defaults when the
// file does not exist. Zero-valued fields are filled from the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	defaults := Default()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaults.ListenAddress
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.Scheduler.BucketSizeSecs == 0 {
		cfg.Scheduler.BucketSizeSecs = defaults.Scheduler.BucketSizeSecs
	}
	if cfg.Scheduler.PollIntervalSecs == 0 {
		cfg.Scheduler.PollIntervalSecs = defaults.Scheduler.PollIntervalSecs
	}
	if cfg.Vault.BaseSymbol == "" {
		cfg.Vault.BaseSymbol = defaults.Vault.BaseSymbol
	}
	if cfg.Topup.GroupSize == 0 {
		cfg.Topup.GroupSize = defaults.Topup.GroupSize
	}
	if cfg.Topup.BridgeSymbol == "" {
		cfg.Topup.BridgeSymbol = defaults.Topup.BridgeSymbol
	}
	return cfg, nil
}

// Validate rejects configurations that could never run correctly.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if c.Scheduler.BucketSizeSecs == 0 {
		return fmt.Errorf("scheduler: BucketSizeSecs must be positive")
	}
	if c.Scheduler.MaxQueueAgeSecs > 0 && c.Scheduler.MaxQueueAgeSecs < c.Scheduler.BucketSizeSecs {
		return fmt.Errorf("scheduler: MaxQueueAgeSecs smaller than one bucket")
	}
	if c.Scheduler.MaxPerPoll <= 0 {
		return fmt.Errorf("scheduler: MaxPerPoll must be positive")
	}
	if c.Scheduler.PollIntervalSecs == 0 {
		return fmt.Errorf("scheduler: PollIntervalSecs must be positive")
	}
	if strings.TrimSpace(c.Vault.BaseSymbol) == "" {
		return fmt.Errorf("vault: BaseSymbol required")
	}
	if _, err := parseWei(c.Vault.MinDepositWei); err != nil {
		return fmt.Errorf("vault: MinDepositWei: %w", err)
	}
	if _, err := parseWei(c.Fees.FloorWei); err != nil {
		return fmt.Errorf("fees: FloorWei: %w", err)
	}
	if c.Fees.Bps > 10000 {
		return fmt.Errorf("fees: Bps above 10000")
	}
	if c.Topup.GroupSize == 0 {
		return fmt.Errorf("topup: GroupSize must be positive")
	}
	for name, raw := range map[string]string{
		"SubscriptionAddress": c.Managers.SubscriptionAddress,
		"DCAAddress":          c.Managers.DCAAddress,
		"P2PAddress":          c.Managers.P2PAddress,
		"TopupAddress":        c.Managers.TopupAddress,
	} {
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("managers: %s is not a valid address", name)
		}
	}
	return nil
}

// MinDeposit parses the configured minimum deposit value.
func (c *Config) MinDeposit() (*big.Int, error) {
	return parseWei(c.Vault.MinDepositWei)
}

// FeeFloor parses the configured fee floor.
func (c *Config) FeeFloor() (*big.Int, error) {
	return parseWei(c.Fees.FloorWei)
}

// FeeRoute parses the fee distributor address.
func (c *Config) FeeRoute() [20]byte {
	return Address(c.Fees.RouteAddress)
}

// Address decodes a hex protocol address, returning the zero address for
// empty input.
func Address(raw string) [20]byte {
	if raw == "" {
		return [20]byte{}
	}
	return [20]byte(common.HexToAddress(raw))
}

func parseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", raw)
	}
	return value, nil
}
