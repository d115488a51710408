package config

import "testing"

func TestRedact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Password = "redis-pass"
	cfg.Revalidation.AMQP.URL = "amqp://u:p@mq/"

	redacted, err := Redact(cfg)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if redacted.Redis.Password != RedactedValue {
		t.Errorf("redis password = %q", redacted.Redis.Password)
	}
	if redacted.Revalidation.AMQP.URL != RedactedValue {
		t.Errorf("amqp url = %q", redacted.Revalidation.AMQP.URL)
	}
	if redacted.Redis.Address != cfg.Redis.Address {
		t.Errorf("non-secret field changed: %q", redacted.Redis.Address)
	}
	if cfg.Redis.Password != "redis-pass" {
		t.Error("original config was mutated")
	}
}

func TestRedactEmptyStaysEmpty(t *testing.T) {
	redacted, err := Redact(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if redacted.Redis.Password != "" {
		t.Errorf("empty secret became %q", redacted.Redis.Password)
	}
}

func TestRedactManifest(t *testing.T) {
	m := Manifest{BuildID: "b"}
	m.Prerender.Preview = PreviewSecrets{PreviewModeID: "id", PreviewModeSigningKey: "sk"}
	out := RedactManifest(m)
	if out.Prerender.Preview.PreviewModeID != RedactedValue || out.Prerender.Preview.PreviewModeSigningKey != RedactedValue {
		t.Errorf("preview = %+v", out.Prerender.Preview)
	}
	if out.Prerender.Preview.PreviewModeEncryptionKey != "" {
		t.Error("empty key should stay empty")
	}
	if m.Prerender.Preview.PreviewModeID != "id" {
		t.Error("input manifest mutated")
	}
}
