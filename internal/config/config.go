package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
)

type Config struct {
	Plan      Plan
	Plans     []Plan
	Chain     ChainConfig
	Relay     RelayConfig
	Redis     RedisConfig
	Billing   BillingConfig
	Server    ServerConfig
	RateLimit RateLimitConfig
}

// Plan selects which limiter contract and route namespace the process serves.
type Plan struct {
	Name     string
	Quota    string // total quota per period, decimal, in Unit
	Unit     string
	Decimals int
	Limiter  common.Address
	BaseURL  string
}

type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`
}

// RelayConfig holds the parsed signing keys. Keys never leave the process.
type RelayConfig struct {
	Wallets []*ecdsa.PrivateKey
	Owner   *ecdsa.PrivateKey
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type BillingConfig struct {
	StripeKey      string `mapstructure:"stripe_key"`
	EndpointSecret string `mapstructure:"endpoint_secret"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	GRPCPort    int      `mapstructure:"grpc_port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// raw mirrors the flat part of the configuration that viper can unmarshal
// directly; indexed lists are read separately.
type raw struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("plan", 0)
	v.SetDefault("plans", 0)
	v.SetDefault("wallets", 0)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings (names match the existing deployment)
	bindings := map[string][]string{
		"chain.rpc_url":           {"RPC"},
		"chain.chain_id":          {"CHAIN", "VUE_APP_CHAIN"},
		"redis.addr":              {"REDIS_ADDR"},
		"redis.password":          {"REDIS_PASSWORD"},
		"billing.stripe_key":      {"STRIPE"},
		"billing.endpoint_secret": {"ENDPOINT_SECRET"},
		"server.port":             {"PORT"},
		"server.grpc_port":        {"GRPC_PORT"},
		"server.cors_origins":     {"CORS_ORIGINS"},
		"rate_limit.rps":          {"RATE_LIMIT_RPS"},
		"rate_limit.burst":        {"RATE_LIMIT_BURST"},
		"plan":                    {"PLAN"},
		"plans":                   {"PLANS", "VUE_APP_PLANS"},
		"wallets":                 {"WALLETS"},
		"owner":                   {"OWNER"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", envs[0], err)
		}
	}

	var r raw
	if err := v.Unmarshal(&r); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg := &Config{
		Chain:     r.Chain,
		Redis:     r.Redis,
		Billing:   r.Billing,
		Server:    r.Server,
		RateLimit: r.RateLimit,
	}
	cfg.Server.CORSOrigins = splitList(v.GetStringSlice("server.cors_origins"))

	plans, err := loadPlans(v, v.GetInt("plans"))
	if err != nil {
		return nil, err
	}
	cfg.Plans = plans

	idx := v.GetInt("plan")
	if idx < 0 || idx >= len(plans) {
		return nil, fmt.Errorf("PLAN=%d out of range (%d plans configured)", idx, len(plans))
	}
	cfg.Plan = plans[idx]

	wallets, err := loadKeys(v, "wallet", v.GetInt("wallets"))
	if err != nil {
		return nil, err
	}
	cfg.Relay.Wallets = wallets

	if owner := v.GetString("owner"); owner != "" {
		key, err := parseKey(owner)
		if err != nil {
			return nil, fmt.Errorf("parse OWNER: %w", err)
		}
		cfg.Relay.Owner = key
	}

	return cfg, cfg.validate()
}

func loadPlans(v *viper.Viper, n int) ([]Plan, error) {
	plans := make([]Plan, 0, n)
	for i := 0; i < n; i++ {
		prefix := fmt.Sprintf("plan_%d", i)
		for _, field := range []string{"name", "quota", "limiter", "baseurl", "unit", "decimals"} {
			key := prefix + "_" + field
			if err := v.BindEnv(key, strings.ToUpper(key), "VUE_APP_"+strings.ToUpper(key)); err != nil {
				return nil, fmt.Errorf("bind env %s: %w", key, err)
			}
		}
		v.SetDefault(prefix+"_unit", "LYXe")
		v.SetDefault(prefix+"_decimals", 18)

		limiter := v.GetString(prefix + "_limiter")
		if !common.IsHexAddress(limiter) {
			return nil, fmt.Errorf("PLAN_%d_LIMITER is not a hex address: %q", i, limiter)
		}
		quota := v.GetString(prefix + "_quota")
		if _, ok := new(big.Rat).SetString(quota); !ok {
			return nil, fmt.Errorf("PLAN_%d_QUOTA is not a number: %q", i, quota)
		}
		decimals := v.GetInt(prefix + "_decimals")
		if decimals < 0 || decimals > 36 {
			return nil, fmt.Errorf("PLAN_%d_DECIMALS out of range: %d", i, decimals)
		}
		plans = append(plans, Plan{
			Name:     v.GetString(prefix + "_name"),
			Quota:    quota,
			Unit:     v.GetString(prefix + "_unit"),
			Decimals: decimals,
			Limiter:  common.HexToAddress(limiter),
			BaseURL:  normalizeBaseURL(v.GetString(prefix + "_baseurl")),
		})
	}
	return plans, nil
}

func loadKeys(v *viper.Viper, name string, n int) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s_%d", name, i)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
		pk, err := parseKey(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", strings.ToUpper(key), err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

// normalizeBaseURL makes the prefix start and end with "/" so routes can be
// appended directly ("/" + "execute").
func normalizeBaseURL(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return "/"
	}
	return "/" + s + "/"
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC"},
		{c.Billing.StripeKey, "STRIPE"},
		{c.Billing.EndpointSecret, "ENDPOINT_SECRET"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN")
	}
	if len(c.Relay.Wallets) == 0 {
		return fmt.Errorf("required config missing: WALLETS (at least one relay wallet)")
	}
	if c.Relay.Owner == nil {
		return fmt.Errorf("required config missing: OWNER")
	}

	owner := crypto.PubkeyToAddress(c.Relay.Owner.PublicKey)
	seen := make(map[common.Address]int, len(c.Relay.Wallets))
	for i, k := range c.Relay.Wallets {
		addr := crypto.PubkeyToAddress(k.PublicKey)
		if addr == owner {
			return fmt.Errorf("WALLET_%d is the owner identity; the owner must not relay", i)
		}
		if j, dup := seen[addr]; dup {
			return fmt.Errorf("WALLET_%d duplicates WALLET_%d", i, j)
		}
		seen[addr] = i
	}
	return nil
}
