package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/mysofinance/v2-sub001/crypto"
	nativecommon "github.com/mysofinance/v2-sub001/native/common"
	"github.com/mysofinance/v2-sub001/native/pool"
)

// GatewayConfig throttles borrower traffic through the gateway.
type GatewayConfig struct {
	ChainID              uint64 `toml:"ChainID"`
	MaxBorrowsPerEpoch   uint32 `toml:"MaxBorrowsPerEpoch"`
	MaxVolumePerEpochWei string `toml:"MaxVolumePerEpochWei"`
	EpochSeconds         uint32 `toml:"EpochSeconds"`
}

// PoolConfig carries the peer-to-pool governance knobs. Percentages are
// fixed-point strings against a 1e18 base.
type PoolConfig struct {
	TermsUpdateCoolOffSecs   int64  `toml:"TermsUpdateCoolOffSecs"`
	MinRepaymentIntervalSecs int64  `toml:"MinRepaymentIntervalSecs"`
	FirstDueMinLeadSecs      int64  `toml:"FirstDueMinLeadSecs"`
	SubscribeCooldownSecs    int64  `toml:"SubscribeCooldownSecs"`
	ProtocolFeePctInBase     string `toml:"ProtocolFeePctInBase"`
	ArrangerFeeCapPctInBase  string `toml:"ArrangerFeeCapPctInBase"`
	Treasury                 string `toml:"Treasury"`
}

type Config struct {
	DataDir string        `toml:"DataDir"`
	Gateway GatewayConfig `toml:"Gateway"`
	Pool    PoolConfig    `toml:"Pool"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./myso-data"
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir: "./myso-data",
		Gateway: GatewayConfig{
			ChainID:              1,
			MaxBorrowsPerEpoch:   0,
			MaxVolumePerEpochWei: "0",
			EpochSeconds:         86_400,
		},
		Pool: PoolConfig{
			TermsUpdateCoolOffSecs:   3_600,
			MinRepaymentIntervalSecs: 86_400,
			FirstDueMinLeadSecs:      86_400,
			SubscribeCooldownSecs:    60,
			ProtocolFeePctInBase:     "0",
			ArrangerFeeCapPctInBase:  "50000000000000000",
			Treasury:                 "",
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func parseWei(s, field string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative decimal integer", field)
	}
	return v, nil
}

// GatewayQuota resolves the gateway throttles into engine form.
func (c *Config) GatewayQuota() (nativecommon.Quota, error) {
	volume, err := parseWei(c.Gateway.MaxVolumePerEpochWei, "Gateway.MaxVolumePerEpochWei")
	if err != nil {
		return nativecommon.Quota{}, err
	}
	return nativecommon.Quota{
		MaxBorrowsPerEpoch: c.Gateway.MaxBorrowsPerEpoch,
		MaxVolumePerEpoch:  volume,
		EpochSeconds:       c.Gateway.EpochSeconds,
	}, nil
}

// PoolParams resolves the pool section into engine form, decoding the
// treasury address from its bech32 representation.
func (c *Config) PoolParams() (pool.Params, error) {
	protocolFee, err := parseWei(c.Pool.ProtocolFeePctInBase, "Pool.ProtocolFeePctInBase")
	if err != nil {
		return pool.Params{}, err
	}
	arrangerCap, err := parseWei(c.Pool.ArrangerFeeCapPctInBase, "Pool.ArrangerFeeCapPctInBase")
	if err != nil {
		return pool.Params{}, err
	}
	params := pool.Params{
		TermsUpdateCoolOff:      c.Pool.TermsUpdateCoolOffSecs,
		MinRepaymentInterval:    c.Pool.MinRepaymentIntervalSecs,
		FirstDueMinLead:         c.Pool.FirstDueMinLeadSecs,
		SubscribeCooldown:       c.Pool.SubscribeCooldownSecs,
		ProtocolFeePctInBase:    protocolFee,
		ArrangerFeeCapPctInBase: arrangerCap,
	}
	if c.Pool.Treasury != "" {
		addr, err := crypto.DecodeAddress(c.Pool.Treasury)
		if err != nil {
			return pool.Params{}, fmt.Errorf("config: Pool.Treasury: %w", err)
		}
		params.Treasury = addr.Raw()
	}
	return params, nil
}
