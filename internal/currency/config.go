package currency

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryptohook/cryptohook/internal/confirmations"
	"github.com/cryptohook/cryptohook/internal/validation"
)

// ErrConfiguration marks every invalid or missing currency setting.
var ErrConfiguration = errors.New("currency: configuration error")

// ConfigError carries the structured violations (or the underlying cause)
// that made a currency configuration unusable.
type ConfigError struct {
	Violations validation.Violations
	Err        error
}

func (e *ConfigError) Error() string {
	switch {
	case len(e.Violations) > 0:
		return "currency: invalid configuration: " + e.Violations.Error()
	case e.Err != nil:
		return "currency: invalid configuration: " + e.Err.Error()
	default:
		return "currency: invalid configuration"
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is lets callers match any ConfigError against ErrConfiguration.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Config is the operator-supplied setup for one (symbol, network).
type Config struct {
	Symbol                       string
	Network                      string
	DisplayName                  string
	Enabled                      bool
	ExtendedPublicKey            string
	InitialPaymentTimeoutMinutes int64
	ConfirmationTiers            []confirmations.Tier

	// Optional data provider overrides.
	ProviderURL string
	APIKey      string
	RPCURL      string
}

// Key returns the normalized lookup key.
func (c Config) Key() Key {
	return NewKey(c.Symbol, c.Network)
}

// PaymentTimeout converts the configured minutes into a duration.
func (c Config) PaymentTimeout() time.Duration {
	return time.Duration(c.InitialPaymentTimeoutMinutes) * time.Minute
}

// RequiredConfirmations evaluates the tier policy for amount.
func (c Config) RequiredConfirmations(amount *big.Int) (uint32, error) {
	return confirmations.Required(c.ConfirmationTiers, amount)
}

// fileTier is the YAML shape of a tier. Thresholds are strings so that
// wei-sized values survive YAML's integer handling.
type fileTier struct {
	Threshold     string `yaml:"threshold"`
	Confirmations uint32 `yaml:"confirmations"`
}

type fileCurrency struct {
	Symbol                       string     `yaml:"symbol"`
	Network                      string     `yaml:"network"`
	DisplayName                  string     `yaml:"displayName"`
	Enabled                      *bool      `yaml:"enabled"`
	ExtendedPublicKey            string     `yaml:"extendedPublicKey"`
	InitialPaymentTimeoutMinutes int64      `yaml:"initialPaymentTimeoutMinutes"`
	ConfirmationTiers            []fileTier `yaml:"confirmationTiers"`
	ProviderURL                  string     `yaml:"providerUrl"`
	APIKey                       string     `yaml:"apiKey"`
	RPCURL                       string     `yaml:"rpcUrl"`
}

type fileRoot struct {
	Currencies []fileCurrency `yaml:"currencies"`
}

// LoadFile reads currency configs from a YAML file.
func LoadFile(path string) ([]Config, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("open %s: %w", path, err)}
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load decodes currency configs from YAML. Thresholds that are not base-10
// integers are reported as violations; the remaining rules are checked by
// ValidateConfigs.
func Load(r io.Reader) ([]Config, error) {
	var root fileRoot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&root); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Err: fmt.Errorf("decode currencies: %w", err)}
	}

	var bad validation.Violations
	out := make([]Config, 0, len(root.Currencies))
	for i, fc := range root.Currencies {
		enabled := true
		if fc.Enabled != nil {
			enabled = *fc.Enabled
		}
		cfg := Config{
			Symbol:                       fc.Symbol,
			Network:                      fc.Network,
			DisplayName:                  fc.DisplayName,
			Enabled:                      enabled,
			ExtendedPublicKey:            strings.TrimSpace(fc.ExtendedPublicKey),
			InitialPaymentTimeoutMinutes: fc.InitialPaymentTimeoutMinutes,
			ProviderURL:                  fc.ProviderURL,
			APIKey:                       fc.APIKey,
			RPCURL:                       fc.RPCURL,
		}
		for j, ft := range fc.ConfirmationTiers {
			threshold, ok := new(big.Int).SetString(strings.TrimSpace(ft.Threshold), 10)
			if !ok {
				bad = append(bad, validation.Violation{
					Field:   fmt.Sprintf("currencies[%d].confirmationTiers[%d].threshold", i, j),
					Message: fmt.Sprintf("%q is not an integer", ft.Threshold),
				})
				continue
			}
			cfg.ConfirmationTiers = append(cfg.ConfirmationTiers, confirmations.Tier{
				Threshold:     threshold,
				Confirmations: ft.Confirmations,
			})
		}
		out = append(out, cfg)
	}
	if len(bad) > 0 {
		return nil, &ConfigError{Violations: bad}
	}
	return out, nil
}

// ValidateConfigs checks every entry and the list as a whole. It does not
// parse key material; see the derive package for that.
func ValidateConfigs(catalog *Catalog, configs []Config) validation.Violations {
	var out validation.Violations
	seen := make(map[Key]int, len(configs))

	for i, c := range configs {
		prefix := fmt.Sprintf("currencies[%d]", i)
		vs := validation.Validate(
			validation.Required("symbol", c.Symbol),
			validation.Required("network", c.Network),
			validation.Required("displayName", c.DisplayName),
			validation.Required("extendedPublicKey", c.ExtendedPublicKey),
			validation.Positive("initialPaymentTimeoutMinutes", c.InitialPaymentTimeoutMinutes),
		)
		if c.Symbol != "" && c.Network != "" {
			if _, ok := catalog.Lookup(c.Symbol, c.Network); !ok {
				vs = append(vs, validation.Violation{
					Message: fmt.Sprintf("%s is not a supported currency (supported: %s)", c.Key(), supportedKeys(catalog)),
				})
			}
			if prev, dup := seen[c.Key()]; dup {
				vs = append(vs, validation.Violation{
					Message: fmt.Sprintf("%s is already configured at currencies[%d]", c.Key(), prev),
				})
			} else {
				seen[c.Key()] = i
			}
		}
		vs = append(vs, confirmations.Validate(c.ConfirmationTiers).Prefixed("confirmationTiers")...)
		out = append(out, vs.Prefixed(prefix)...)
	}
	return out
}

func supportedKeys(catalog *Catalog) string {
	all := catalog.All()
	keys := make([]string, len(all))
	for i, d := range all {
		keys[i] = d.Key().String()
	}
	return strings.Join(keys, ", ")
}

// Normalize sorts every tier list ascending. Call once, after validation.
func Normalize(configs []Config) {
	for i := range configs {
		confirmations.Sort(configs[i].ConfirmationTiers)
	}
}
