package validation

import (
	"strings"
	"testing"
)

type proxyConfig struct {
	URL string `validate:"required,proxyurl"`
}

type sampleConfig struct {
	URL    string       `validate:"required,replurl"`
	DocIDs []string     `validate:"omitempty,dive,docid"`
	Batch  int          `validate:"gte=1,lte=1000"`
	Proxy  *proxyConfig `validate:"omitempty"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		cfg     sampleConfig
		wantErr string
	}{
		{"valid", sampleConfig{URL: "wss://example.com/db", Batch: 200}, ""},
		{"missing url", sampleConfig{Batch: 1}, "field is required"},
		{"bad scheme", sampleConfig{URL: "ftp://example.com/db", Batch: 1}, "not a ws, wss, http or https URL"},
		{"batch too big", sampleConfig{URL: "ws://h/db", Batch: 5000}, "must not exceed 1000"},
		{"bad doc id", sampleConfig{URL: "ws://h/db", Batch: 1, DocIDs: []string{"ok", "_local"}}, "not a valid document ID"},
		{"bad proxy", sampleConfig{URL: "ws://h/db", Batch: 1, Proxy: &proxyConfig{URL: "socks5://p:1080"}}, "not an http or https proxy URL"},
		{"good proxy", sampleConfig{URL: "ws://h/db", Batch: 1, Proxy: &proxyConfig{URL: "http://p:3128"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReplicationURL(t *testing.T) {
	for _, ok := range []string{"ws://h/db", "wss://h:4984/db", "http://h/db", "https://h/db"} {
		if err := ValidateReplicationURL(ok); err != nil {
			t.Errorf("%s: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "h/db", "ftp://h/db", "ws:///db"} {
		if err := ValidateReplicationURL(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestValidateDocID(t *testing.T) {
	if err := ValidateDocID("user::42"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "_design", "a\nb", strings.Repeat("x", MaxDocIDLength+1)} {
		if err := ValidateDocID(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
