package models

import (
	"fmt"
	"strings"
)

// DataRequirement is the static per-strategy description of the candles it needs.
type DataRequirement struct {
	Timeframe       Timeframe `yaml:"timeframe" json:"timeframe" validate:"required"`
	Periods         int       `yaml:"periods" json:"periods" validate:"gt=0"`
	MinPeriods      int       `yaml:"min_periods" json:"min_periods" validate:"gte=0,ltefield=Periods"`
	RealtimeEnabled bool      `yaml:"realtime_enabled" json:"realtime_enabled"`
}

// AssetType selects the trading calendar used to size historical lookbacks.
type AssetType string

const (
	AssetEquity AssetType = "equity"
	AssetIndex  AssetType = "index"
	AssetFuture AssetType = "future"
	AssetCrypto AssetType = "crypto"
)

// ParseAssetType maps raw input to an AssetType; empty input means equity.
func ParseAssetType(s string) (AssetType, error) {
	switch a := AssetType(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AssetEquity, nil
	case AssetEquity, AssetIndex, AssetFuture, AssetCrypto:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported asset type: %s", s)
	}
}
