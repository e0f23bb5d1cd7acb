package cfg

import (
	"strings"
	"testing"
	"time"
)

func validCfg() *Cfg {
	return &Cfg{
		Port:            "8080",
		Environment:     "development",
		DatabasePath:    "leakmark.db",
		MasterSecret:    NewSecret(strings.Repeat("k", 32)),
		APIToken:        NewSecret(strings.Repeat("t", 24)),
		MaxFileSize:     25 * 1024 * 1024,
		EmbedWorkers:    4,
		BundleCacheSize: 64,
		DEKCacheTTL:     10 * time.Minute,
		RateLimit:       RateLimitCfg{RPM: 60, Burst: 10},
	}
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validCfg()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Cfg)
	}{
		{"missing port", func(c *Cfg) { c.Port = "" }},
		{"non-numeric port", func(c *Cfg) { c.Port = "http" }},
		{"short master secret", func(c *Cfg) { c.MasterSecret = NewSecret("short") }},
		{"missing api token", func(c *Cfg) { c.APIToken = NewSecret("") }},
		{"short api token", func(c *Cfg) { c.APIToken = NewSecret("tiny") }},
		{"db path escape", func(c *Cfg) { c.DatabasePath = "../outside.db" }},
		{"zero file size", func(c *Cfg) { c.MaxFileSize = 0 }},
		{"oversize file limit", func(c *Cfg) { c.MaxFileSize = 500 * 1024 * 1024 }},
		{"zero workers", func(c *Cfg) { c.EmbedWorkers = 0 }},
		{"tiny dek ttl", func(c *Cfg) { c.DEKCacheTTL = time.Second }},
		{"bad trusted proxy", func(c *Cfg) { c.TrustedProxies = []string{"not-an-ip"} }},
		{"bad trusted cidr", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }},
		{"prod without metrics auth", func(c *Cfg) { c.Environment = "production" }},
		{"output dir outside working dir", func(c *Cfg) { c.OutputDir = "/tmp/leakmark-out" }},
	}
	for _, tc := range cases {
		c := validCfg()
		tc.mutate(c)
		if err := Validate(c); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestMasterSecretOptionalWithProvider(t *testing.T) {
	c := validCfg()
	c.MasterSecret = NewSecret("")
	c.SecretFromProvider = true
	if err := Validate(c); err != nil {
		t.Fatalf("provider-sourced secret should skip length check: %v", err)
	}
}

func TestSecretRedaction(t *testing.T) {
	s := NewSecret("hunter2hunter2hu")
	if s.String() != "***REDACTED***" {
		t.Fatalf("Secret stringer leaks value: %s", s.String())
	}
	s.Wipe()
	for _, b := range []byte(s.Value()) {
		if b != 0 {
			t.Fatal("Wipe left secret bytes intact")
		}
	}
}
