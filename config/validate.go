package config

import (
	"fmt"
	"math/big"
)

var (
	// MaxPctInBase caps fixed-point percentages at 100%.
	MaxPctInBase = func() *big.Int {
		v, _ := new(big.Int).SetString("1000000000000000000", 10)
		return v
	}()

	MinEpochSeconds = uint32(60)
)

func ValidateConfig(c *Config) error {
	if c.Gateway.EpochSeconds != 0 && c.Gateway.EpochSeconds < MinEpochSeconds {
		return fmt.Errorf("gateway: epoch_seconds below minimum")
	}
	if _, err := parseWei(c.Gateway.MaxVolumePerEpochWei, "Gateway.MaxVolumePerEpochWei"); err != nil {
		return err
	}
	if c.Pool.TermsUpdateCoolOffSecs < 0 {
		return fmt.Errorf("pool: terms_update_cool_off_secs negative")
	}
	if c.Pool.MinRepaymentIntervalSecs <= 0 {
		return fmt.Errorf("pool: min_repayment_interval_secs <= 0")
	}
	if c.Pool.FirstDueMinLeadSecs < 0 {
		return fmt.Errorf("pool: first_due_min_lead_secs negative")
	}
	if c.Pool.SubscribeCooldownSecs < 0 {
		return fmt.Errorf("pool: subscribe_cooldown_secs negative")
	}
	protocolFee, err := parseWei(c.Pool.ProtocolFeePctInBase, "Pool.ProtocolFeePctInBase")
	if err != nil {
		return err
	}
	if protocolFee.Cmp(MaxPctInBase) > 0 {
		return fmt.Errorf("pool: protocol_fee_pct above 100%%")
	}
	arrangerCap, err := parseWei(c.Pool.ArrangerFeeCapPctInBase, "Pool.ArrangerFeeCapPctInBase")
	if err != nil {
		return err
	}
	if arrangerCap.Cmp(MaxPctInBase) > 0 {
		return fmt.Errorf("pool: arranger_fee_cap_pct above 100%%")
	}
	return nil
}
