package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 {
		t.Fatalf("expected port 3000, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Chain.ChainID != 480 {
		t.Fatalf("expected chain 480, got %d", cfg.Chain.ChainID)
	}
	if cfg.Payment.VerifyMaxAttempts != 12 || cfg.Payment.VerifyInitialDelay != 5*time.Second {
		t.Fatalf("unexpected confirm policy: %d %s", cfg.Payment.VerifyMaxAttempts, cfg.Payment.VerifyInitialDelay)
	}
	if cfg.Payment.RetryMaxAttempts != 15 || cfg.Payment.RetryInitialDelay != 2*time.Second {
		t.Fatalf("unexpected retry policy: %d %s", cfg.Payment.RetryMaxAttempts, cfg.Payment.RetryInitialDelay)
	}
	if cfg.Chain.VoucherNonceMode != NonceModeRandom {
		t.Fatalf("expected random nonce mode, got %q", cfg.Chain.VoucherNonceMode)
	}
	if cfg.Chain.SignerEnabled() {
		t.Fatalf("signer must be disabled without a key")
	}
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("API_HTTP_PORT", "8081")
	t.Setenv("VERIFY_INITIAL_DELAY", "250ms")
	t.Setenv("STARTING_BALANCE", "12.5")
	t.Setenv("VOUCHER_NONCE_MODE", "CLOCK")
	t.Setenv("SIGNER_PRIVATE_KEY", "0xabc")
	t.Setenv("DISTRIBUTOR_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Service.HTTPPort != 8081 {
		t.Fatalf("expected port 8081, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Payment.VerifyInitialDelay != 250*time.Millisecond {
		t.Fatalf("unexpected delay %s", cfg.Payment.VerifyInitialDelay)
	}
	if cfg.Auth.StartingBalance.String() != "12.5" {
		t.Fatalf("unexpected starting balance %s", cfg.Auth.StartingBalance)
	}
	if cfg.Chain.VoucherNonceMode != NonceModeClock {
		t.Fatalf("expected clock mode, got %q", cfg.Chain.VoucherNonceMode)
	}
	if !cfg.Chain.SignerEnabled() {
		t.Fatalf("signer should be enabled")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"missing jwt secret": {"JWT_SECRET": ""},
		"negative balance":   {"JWT_SECRET": "0123456789abcdef0123", "STARTING_BALANCE": "-1"},
		"bad nonce mode":     {"JWT_SECRET": "0123456789abcdef0123", "VOUCHER_NONCE_MODE": "sequential"},
		"sub-wei bonus":      {"JWT_SECRET": "0123456789abcdef0123", "FREE_CHALLENGE_BONUS": "0.0000000000000000001"},
		"sub-wei drip":       {"JWT_SECRET": "0123456789abcdef0123", "DISTRIBUTION_AMOUNT": "1.0000000000000000005"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
