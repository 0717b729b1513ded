package core

import (
	"testing"

	"homerbot/internal/config"
	"homerbot/internal/secrets"
)

func TestResolveSecretsOpensSealedValues(t *testing.T) {
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := secrets.New(key)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealedPW, err := box.SealString("hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	cfg := &config.Config{}
	cfg.OTP.Redis.Password = sealedPW
	cfg.Alerts.Token = "plain-token"

	if err := resolveSecrets(cfg, key); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.OTP.Redis.Password != "hunter2" {
		t.Fatalf("password = %q, want opened plaintext", cfg.OTP.Redis.Password)
	}
	// Values without the sealed prefix pass through untouched.
	if cfg.Alerts.Token != "plain-token" {
		t.Fatalf("token = %q, want passthrough", cfg.Alerts.Token)
	}
}

func TestResolveSecretsWithoutKey(t *testing.T) {
	// A fully plaintext config needs no key.
	cfg := &config.Config{}
	cfg.Alerts.Token = "plain-token"
	if err := resolveSecrets(cfg, ""); err != nil {
		t.Fatalf("plaintext config rejected: %v", err)
	}

	// Sealed values without the key are a hard startup error, not a
	// silently-broken credential.
	key, _ := secrets.GenerateKey()
	box, _ := secrets.New(key)
	sealed, _ := box.SealString("hunter2")

	cfg = &config.Config{}
	cfg.OTP.Redis.Password = sealed
	if err := resolveSecrets(cfg, ""); err == nil {
		t.Fatal("sealed config accepted without a key")
	}
}

func TestResolveSecretsRejectsBadKeyOrValue(t *testing.T) {
	key, _ := secrets.GenerateKey()
	box, _ := secrets.New(key)
	sealed, _ := box.SealString("hunter2")

	cfg := &config.Config{}
	cfg.OTP.Redis.Password = sealed
	if err := resolveSecrets(cfg, "not-a-hex-key"); err == nil {
		t.Fatal("malformed key accepted")
	}

	other, _ := secrets.GenerateKey()
	if err := resolveSecrets(cfg, other); err == nil {
		t.Fatal("sealed value opened with the wrong key")
	}
}
