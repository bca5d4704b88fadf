package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/teamrelay/internal/routing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSONWithEnv(t *testing.T) {
	t.Setenv("TEAMRELAY_SLACK_TOKEN", "xoxb-env")
	path := writeFile(t, "config.json", `{
		"server": {"port": 8080},
		"runtime": {"stub_delay": "150ms"},
		"repositories": [{
			"id": "web",
			"path": "/src/web",
			"rules": [
				{"match": {"labels": ["bug"]}, "pattern": "agent-team", "agents": ["debugger", "verifier"], "procedure": "debugger"},
				{"match": {"complexity": ["l", "XL"]}, "pattern": "orchestrator"}
			],
			"defaults": {"pattern": "single"},
			"models": {"lead": "opus"}
		}],
		"gateway": {"slack": {"enabled": true, "bot_token": "${TEAMRELAY_SLACK_TOKEN}", "channel_id": "${TEAMRELAY_TEST_SLACK_CHANNEL:C123}"}},
		"activity": {"breaker_max_failures": 3, "breaker_timeout": "1m"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "stub", cfg.Runtime.Type)
	assert.Equal(t, 150*time.Millisecond, cfg.Runtime.StubDelay.Std())
	assert.Equal(t, 10, cfg.Runtime.MaxConcurrent)
	assert.Equal(t, "xoxb-env", cfg.Gateway.Slack.BotToken)
	assert.Equal(t, "C123", cfg.Gateway.Slack.ChannelID)
	assert.Equal(t, time.Minute, cfg.Activity.BreakerTimeout.Std())

	require.Len(t, cfg.Repositories, 1)
	repo := cfg.Repositories[0]
	require.Len(t, repo.Rules, 2)
	assert.Equal(t, routing.PatternAgentTeam, repo.Rules[0].Pattern)
	assert.Equal(t, "debugger", repo.Rules[0].Procedure)
	assert.Equal(t, []routing.ComplexityScore{routing.ComplexityL, routing.ComplexityXL}, repo.Rules[1].Match.Complexity)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9000
  log_level: debug
repositories:
  - id: api
    path: /src/api
    rules:
      - match:
          labels: [epic]
        pattern: orchestrator
        agents: [implementer, verifier]
    defaults:
      pattern: subagents
database:
  redis:
    url: ${TEAMRELAY_TEST_REDIS_URL:redis://localhost:6379/0}
activity:
  breaker_interval: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, routing.PatternSubagents, cfg.Repositories[0].Defaults.Pattern)
	assert.Equal(t, []string{"epic"}, cfg.Repositories[0].Rules[0].Match.Labels)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Database.Redis.URL)
	assert.Equal(t, 2*time.Minute, cfg.Activity.BreakerInterval.Std())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"no repositories":   `{"repositories": []}`,
		"duplicate id":      `{"repositories": [{"id": "a"}, {"id": "a"}]}`,
		"bad pattern":       `{"repositories": [{"id": "a", "rules": [{"pattern": "swarm"}]}]}`,
		"bad complexity":    `{"repositories": [{"id": "a", "rules": [{"match": {"complexity": ["XXL"]}, "pattern": "single"}]}]}`,
		"slack missing":     `{"repositories": [{"id": "a"}], "gateway": {"slack": {"enabled": true}}}`,
		"unknown runtime":   `{"runtime": {"type": "docker"}, "repositories": [{"id": "a"}]}`,
		"bad duration":      `{"runtime": {"stub_delay": "soon"}, "repositories": [{"id": "a"}]}`,
		"missing repo id":   `{"repositories": [{"path": "/x"}]}`,
		"bad default":       `{"repositories": [{"id": "a", "defaults": {"pattern": "crowd"}}]}`,
		"bad procedure":     `{"repositories": [{"id": "a", "rules": [{"pattern": "agent-team", "procedure": "yolo"}]}]}`,
		"discord no target": `{"repositories": [{"id": "a"}], "gateway": {"discord": {"enabled": true, "bot_token": "t"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.json", body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
