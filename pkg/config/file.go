package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// fileOverrides is the subset of [Config] an operator may override from a
// human-edited file; most fields are load-bearing constants baked into
// [Magic] and are deliberately not exposed here.
type fileOverrides struct {
	SegmentSize     *uint32 `json:"segment_size,omitempty"`
	MaxThreads      *uint32 `json:"max_threads,omitempty"`
	MaxKeyLength    *uint16 `json:"max_key_length,omitempty"`
	Checksum        *string `json:"checksum,omitempty"`
	ValidateOnOpen  *bool   `json:"validate_checksum_on_recover,omitempty"`
	RecoverUnsynced *bool   `json:"recover_unsynced,omitempty"`
}

// LoadFile reads an optional JSON-with-comments override file at path (see
// [hujson.Standardize]) and applies it on top of base. A missing file is not
// an error; base is returned unchanged.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: invalid JSONC: %w", path, err)
	}

	var overlay fileOverrides
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: invalid JSON: %w", path, err)
	}

	cfg := base
	if overlay.SegmentSize != nil {
		WithSegmentSize(*overlay.SegmentSize)(&cfg)
	}
	if overlay.MaxThreads != nil {
		WithMaxThreads(*overlay.MaxThreads)(&cfg)
	}
	if overlay.MaxKeyLength != nil {
		WithMaxKeyLength(*overlay.MaxKeyLength)(&cfg)
	}
	if overlay.Checksum != nil {
		switch *overlay.Checksum {
		case "modify":
			cfg.Checksum = ChecksumOnModify
		case "msync":
			cfg.Checksum = ChecksumOnMsync
		case "compact":
			cfg.Checksum = ChecksumOnCompact
		default:
			return Config{}, fmt.Errorf("parsing config %s: unknown checksum policy %q", path, *overlay.Checksum)
		}
	}
	if overlay.ValidateOnOpen != nil {
		cfg.ValidateChecksumOnRecover = *overlay.ValidateOnOpen
	}
	if overlay.RecoverUnsynced != nil {
		cfg.RecoverUnsynced = *overlay.RecoverUnsynced
	}

	return cfg, cfg.Validate()
}
