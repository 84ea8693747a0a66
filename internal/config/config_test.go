package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
topics:
  - name: deploy
    description: Production deploys
    require_votes: 2
    expire_timeout: 60
  - name: db
    require_votes: 1
    expire_timeout: 30
channels:
  - name: ops-telegram
    type: telegram
    telegram:
      bot_token: file-token
      poll_interval_ms: 500
    bindings:
      - topic: deploy
        chat_id: "-1001234"
        template: "Deploy build <b>{{.build}}</b>?"
        approvers: [alice, bob]
    rate_limit: {requests_per_minute: 30, burst_size: 5}
  - name: ops-slack
    type: slack
    slack:
      bot_token: xoxb-1
      signing_secret: s3cret
    bindings:
      - topic: db
        channel_id: C123
        template: "Migrate {{.name}}?"
engine:
  sweep_interval_ms: 1000
retention:
  enabled: true
  max_age_seconds: 600
server:
  listen_addr: ":9090"
  api_keys: {k1: ci}
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "quorum.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	topics := cfg.DomainTopics()
	if len(topics) != 2 || topics[0].Name != "deploy" || topics[0].ExpireTimeout != time.Minute || topics[0].RequireVotes != 2 {
		t.Errorf("topics = %+v", topics)
	}
	if cfg.Engine.SweepInterval() != time.Second {
		t.Errorf("SweepInterval = %v", cfg.Engine.SweepInterval())
	}
	if !cfg.Retention.IsEnabled() || cfg.Retention.CronSchedule() != "@hourly" || cfg.Retention.MaxAge() != 10*time.Minute {
		t.Errorf("retention = %v %s %v", cfg.Retention.IsEnabled(), cfg.Retention.CronSchedule(), cfg.Retention.MaxAge())
	}
	if cfg.Server.Addr() != ":9090" || cfg.Server.APIKeys["k1"] != "ci" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !cfg.WebSocket.IsEnabled() || cfg.WebSocket.WSPath() != "/ws/approvement" {
		t.Errorf("websocket defaults = %v %s", cfg.WebSocket.IsEnabled(), cfg.WebSocket.WSPath())
	}
	if cfg.Observability.MetricsEnabled() || cfg.Observability.TracingEnabled() {
		t.Error("observability should be off when the section is absent")
	}

	tg, err := cfg.Channels[0].TelegramConfig()
	if err != nil {
		t.Fatalf("TelegramConfig: %v", err)
	}
	if tg.BotToken != "file-token" || tg.PollInterval != 500*time.Millisecond || len(tg.Bindings) != 1 {
		t.Errorf("telegram = %+v", tg)
	}
	if tg.Bindings[0].ChatID != -1001234 || len(tg.Bindings[0].Approvers) != 2 {
		t.Errorf("binding = %+v", tg.Bindings[0])
	}
	if tg.RateLimit.RequestsPerMinute != 30 || tg.RateLimit.BurstSize != 5 {
		t.Errorf("rate limit = %+v", tg.RateLimit)
	}

	sl, err := cfg.Channels[1].SlackConfig()
	if err != nil {
		t.Fatalf("SlackConfig: %v", err)
	}
	if sl.SigningSecret != "s3cret" || sl.Bindings[0].ChannelID != "C123" {
		t.Errorf("slack = %+v", sl)
	}
	if _, err := cfg.Channels[1].TelegramConfig(); err == nil {
		t.Error("expected error converting a slack channel to telegram")
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "quorum.json", `{"topics":[{"name":"deploy","require_votes":0,"expire_timeout":5}]}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Topics) != 1 || cfg.Server.Addr() != ":8080" || cfg.Engine.SweepInterval() != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("SLACK_SIGNING_SECRET", "env-secret")
	t.Setenv("QUORUM_LISTEN_ADDR", ":7070")
	t.Setenv("QUORUM_DB_DSN", "postgres://u@h/db")

	cfg, err := Load(writeConfig(t, "quorum.yml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels[0].Telegram.BotToken != "env-token" {
		t.Errorf("telegram token = %q", cfg.Channels[0].Telegram.BotToken)
	}
	if cfg.Channels[1].Slack.SigningSecret != "env-secret" || cfg.Channels[1].Slack.BotToken != "xoxb-1" {
		t.Errorf("slack = %+v", cfg.Channels[1].Slack)
	}
	if cfg.Server.Addr() != ":7070" || cfg.Storage.Postgres.DSN != "postgres://u@h/db" {
		t.Errorf("server/storage = %s %s", cfg.Server.Addr(), cfg.Storage.Postgres.DSN)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no topics", `{"topics":[]}`, "at least one topic"},
		{"duplicate topic", `{"topics":[{"name":"a","expire_timeout":1},{"name":"a","expire_timeout":1}]}`, "defined twice"},
		{"negative votes", `{"topics":[{"name":"a","require_votes":-1,"expire_timeout":1}]}`, "must not be negative"},
		{"no timeout", `{"topics":[{"name":"a"}]}`, "expire_timeout"},
		{"unknown type", `{"topics":[{"name":"a","expire_timeout":1}],"channels":[{"name":"c","type":"irc"}]}`, "not supported"},
		{"missing token", `{"topics":[{"name":"a","expire_timeout":1}],"channels":[{"name":"c","type":"telegram"}]}`, "bot_token"},
		{"unknown binding", `{"topics":[{"name":"a","expire_timeout":1}],"channels":[{"name":"c","type":"telegram","telegram":{"bot_token":"t"},"bindings":[{"topic":"b","chat_id":"1","template":"x"}]}]}`, "unknown topic"},
		{"bad chat id", `{"topics":[{"name":"a","expire_timeout":1}],"channels":[{"name":"c","type":"telegram","telegram":{"bot_token":"t"},"bindings":[{"topic":"a","chat_id":"ops","template":"x"}]}]}`, "chat_id"},
		{"postgres without dsn", `{"topics":[{"name":"a","expire_timeout":1}],"storage":{"driver":"postgres"}}`, "dsn"},
		{"bad driver", `{"topics":[{"name":"a","expire_timeout":1}],"storage":{"driver":"mysql"}}`, "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "quorum.json", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
