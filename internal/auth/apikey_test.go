package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key, hash, prefix, err := GenerateAPIKey("wpd_")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}
	if !strings.HasPrefix(key, "wpd_") {
		t.Errorf("key = %q, want prefix wpd_", key)
	}
	if hash == "" || hash == key {
		t.Errorf("hash = %q, want a bcrypt hash", hash)
	}
	if !strings.HasPrefix(key, prefix) || len(prefix) != DisplayPrefixLength {
		t.Errorf("displayPrefix = %q, want first %d chars of key", prefix, DisplayPrefixLength)
	}

	key2, _, _, _ := GenerateAPIKey("wpd_")
	if key == key2 {
		t.Error("GenerateAPIKey() produced identical keys on consecutive calls")
	}
}

func TestDisplayPrefix_ShortKey(t *testing.T) {
	if got := DisplayPrefix("abc"); got != "abc" {
		t.Errorf("DisplayPrefix(abc) = %q", got)
	}
}

func TestGenerateServerKey(t *testing.T) {
	k, err := GenerateServerKey()
	if err != nil {
		t.Fatalf("GenerateServerKey() error: %v", err)
	}
	if !strings.HasPrefix(k, ServerKeyPrefix) {
		t.Errorf("key = %q, want prefix %q", k, ServerKeyPrefix)
	}
	// 32 random bytes in unpadded URL-safe base64
	if got := len(strings.TrimPrefix(k, ServerKeyPrefix)); got != 43 {
		t.Errorf("random part length = %d, want 43", got)
	}
	if strings.ContainsAny(k, "+/=") {
		t.Errorf("key %q is not URL-safe", k)
	}
}

func TestValidateAPIKey(t *testing.T) {
	key, hash, _, err := GenerateAPIKey("wpd_")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	tests := []struct {
		name     string
		provided string
		hash     string
		want     bool
	}{
		{"correct key", key, hash, true},
		{"wrong key", "wpd_wrongkey", hash, false},
		{"empty key", "", hash, false},
		{"empty hash", key, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateAPIKey(tt.provided, tt.hash); got != tt.want {
				t.Errorf("ValidateAPIKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractAPIKeyFromHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid bearer token", "Bearer wpd_abc123xyz", "wpd_abc123xyz", false},
		{"bearer with extra spaces", "Bearer  wpd_abc123 ", "wpd_abc123", false},
		{"empty header", "", "", true},
		{"missing Bearer prefix", "wpd_abc123", "", true},
		{"Basic auth scheme", "Basic dXNlcjpwYXNz", "", true},
		{"Bearer with no key", "Bearer ", "", true},
		{"lowercase bearer rejected", "bearer wpd_abc123", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractAPIKeyFromHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("ExtractAPIKeyFromHeader(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ExtractAPIKeyFromHeader(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
