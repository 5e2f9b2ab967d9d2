package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesContributionServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "CONTRIBUTION_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_RejectScoreNeverBelowFlagScore(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "BAD_ACTOR_FLAG_SCORE", "4")
	setEnvWithCleanup(t, "BAD_ACTOR_REJECT_SCORE", "2")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BadActorRejectScore != cfg.BadActorFlagScore {
		t.Fatalf("expected reject score raised to flag score, got flag=%d reject=%d", cfg.BadActorFlagScore, cfg.BadActorRejectScore)
	}
}

func TestLoadConfig_ConnectedAccountListDropsBlanks(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CONNECTED_ACCOUNTS", " acct_1, ,acct_2,")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	accounts := cfg.ConnectedAccountList()
	if len(accounts) != 2 || accounts[0] != "acct_1" || accounts[1] != "acct_2" {
		t.Fatalf("unexpected connected account list: %v", accounts)
	}
}

func TestLoadConfig_DefaultGateScores(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "BAD_ACTOR_FLAG_SCORE")
	unsetEnvWithCleanup(t, "BAD_ACTOR_REJECT_SCORE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BadActorFlagScore != 4 || cfg.BadActorRejectScore != 5 {
		t.Fatalf("expected default scores flag=4 reject=5, got flag=%d reject=%d", cfg.BadActorFlagScore, cfg.BadActorRejectScore)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
