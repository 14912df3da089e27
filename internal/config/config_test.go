package config

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerAddr != DefaultServerAddr {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, DefaultServerAddr)
	}
	if cfg.MaxPayload != DefaultMaxPayload {
		t.Errorf("MaxPayload = %d, want %d", cfg.MaxPayload, DefaultMaxPayload)
	}
	if cfg.Mode() != ModeServer {
		t.Errorf("Mode = %q, want %q", cfg.Mode(), ModeServer)
	}
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("ADBWIRE_SERIAL", "emulator-5554")
	t.Setenv("ADBWIRE_MAX_PAYLOAD", "8192")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("device", "", "")
	if err := flags.Parse([]string{"--device", "192.168.1.20:5555"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	cfg, err := Load(NewViper(), flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Serial != "emulator-5554" {
		t.Errorf("Serial = %q, want emulator-5554", cfg.Serial)
	}
	if cfg.MaxPayload != 8192 {
		t.Errorf("MaxPayload = %d, want 8192", cfg.MaxPayload)
	}
	if cfg.DeviceAddr != "192.168.1.20:5555" || cfg.Mode() != ModeDevice {
		t.Errorf("DeviceAddr = %q mode %q", cfg.DeviceAddr, cfg.Mode())
	}
}

func TestValidateRejectsTinyPayload(t *testing.T) {
	cfg := Default()
	cfg.MaxPayload = 16
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max-payload below 4096")
	}
}

func TestValidateRejectsEmptyServer(t *testing.T) {
	cfg := Default()
	cfg.ServerAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty server address")
	}
	cfg.DeviceAddr = "192.168.1.20:5555"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("device mode does not need a server address: %v", err)
	}
}

func TestLoadWrapsDecodeError(t *testing.T) {
	v := NewViper()
	v.Set("max-payload", "lots")

	_, err := Load(v, nil)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.HasPrefix(err.Error(), "failed to decode config") {
		t.Errorf("error = %q, want decode context", err)
	}
	if errors.Cause(err) == err {
		t.Error("decode error is not wrapped")
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	testCases := []struct{ in, want string }{
		{"~/.android/adbkey", "/home/tester/.android/adbkey"},
		{"/etc/adbkey", "/etc/adbkey"},
		{"relative/key", "relative/key"},
	}
	for _, tc := range testCases {
		if got := expandHome(tc.in); got != tc.want {
			t.Errorf("expandHome(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
