package config

import (
	"reflect"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHANNEL_NAME", "UNMATCHED_PATH", "NO_MATCH_MAX_RATIO", "NO_MATCH_MIN_LINES",
		"STORAGE_ERROR_POLICY", "INGEST_WORKERS", "INGEST_BATCH_SIZE", "MAX_UPLOAD_BYTES",
		"DB_DSN", "HTTP_ADDR", "CHAT_RECORDER_ENABLED", "TWITCH_CHANNELS",
		"TWITCH_BOT_USERNAME", "TWITCH_OAUTH_TOKEN", "CHAT_LOG_DIR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.StoragePolicy != "fail" {
		t.Errorf("StoragePolicy = %q, want fail", cfg.StoragePolicy)
	}
	if cfg.NoMatchMaxRatio != 0 || cfg.NoMatchMinLines != 100 {
		t.Errorf("threshold = %v/%d", cfg.NoMatchMaxRatio, cfg.NoMatchMinLines)
	}
	if cfg.IngestWorkers < 1 || cfg.IngestBatchSize != 500 {
		t.Errorf("workers = %d batch = %d", cfg.IngestWorkers, cfg.IngestBatchSize)
	}
	if cfg.DBDsn == "" || cfg.HTTPAddr != ":8080" {
		t.Errorf("dsn = %q addr = %q", cfg.DBDsn, cfg.HTTPAddr)
	}
	if cfg.ChatRecorderEnabled || cfg.TwitchChannels != nil {
		t.Errorf("recorder defaults = %v %v", cfg.ChatRecorderEnabled, cfg.TwitchChannels)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHANNEL_NAME", "sodapoppin")
	t.Setenv("NO_MATCH_MAX_RATIO", "0.05")
	t.Setenv("NO_MATCH_MIN_LINES", "20")
	t.Setenv("STORAGE_ERROR_POLICY", "SKIP")
	t.Setenv("INGEST_WORKERS", "3")
	t.Setenv("TWITCH_CHANNELS", " #Soda, ,xqc ")
	t.Setenv("CHAT_RECORDER_ENABLED", "true")
	t.Setenv("CHAT_LOG_DIR", "/logs/sodapoppin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ChannelName != "sodapoppin" || cfg.NoMatchMaxRatio != 0.05 || cfg.NoMatchMinLines != 20 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.StoragePolicy != "skip" || cfg.IngestWorkers != 3 || !cfg.ChatRecorderEnabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ChatLogDir != "/logs/sodapoppin" {
		t.Errorf("ChatLogDir = %q", cfg.ChatLogDir)
	}
	if want := []string{"soda", "xqc"}; !reflect.DeepEqual(cfg.TwitchChannels, want) {
		t.Errorf("channels = %v, want %v", cfg.TwitchChannels, want)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"NO_MATCH_MAX_RATIO":    "lots",
		"NO_MATCH_MIN_LINES":    "ten",
		"STORAGE_ERROR_POLICY":  "retry",
		"INGEST_BATCH_SIZE":     "0",
		"CHAT_RECORDER_ENABLED": "maybe",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", key, val)
			}
		})
	}

	t.Run("ratio out of range", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("NO_MATCH_MAX_RATIO", "1.5")
		if _, err := Load(); err == nil {
			t.Error("expected error for ratio > 1")
		}
	})
}

func TestValidateChatReady(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"anonymous", Config{TwitchChannels: []string{"soda"}}, false},
		{"authenticated", Config{TwitchChannels: []string{"soda"}, TwitchBotUsername: "bot", TwitchOAuthToken: "oauth:token"}, false},
		{"no channels", Config{TwitchBotUsername: "bot", TwitchOAuthToken: "oauth:token"}, true},
		{"token without user", Config{TwitchChannels: []string{"soda"}, TwitchOAuthToken: "oauth:token"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateChatReady()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChatReady() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
