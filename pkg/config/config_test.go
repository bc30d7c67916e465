package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-nudge-engine/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"REDIS_URL", "TICK_SCHEDULE", "CLAIM_BATCH_SIZE", "LEADER_ELECTION_TTL",
		"CLAIM_LEASE_SECONDS", "DRAFT_TIMEOUT_MS", "SEND_TIMEOUT_MS", "WHATSAPP_API_VERSION",
		"WHATSAPP_ACCESS_TOKEN", "WHATSAPP_PHONE_NUMBER_ID"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "*/5 * * * *", cfg.TickSchedule)
	assert.Equal(t, 50, cfg.ClaimBatchSize)
	assert.Equal(t, 10*time.Second, cfg.LeaderElectionTTLDuration())
	assert.Equal(t, 5*time.Minute, cfg.ClaimLease())
	assert.Equal(t, 3*time.Second, cfg.DraftTimeout())
	assert.Equal(t, 5*time.Second, cfg.SendTimeout())
	assert.Equal(t, "v21.0", cfg.WhatsAppAPIVersion)
	assert.NotEmpty(t, cfg.PodID)
	assert.False(t, cfg.WhatsAppEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CLAIM_BATCH_SIZE", "7")
	t.Setenv("SEND_RATE_PER_SECOND", "0.5")
	t.Setenv("DISPATCH_CONCURRENCY", "not-a-number")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "token")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "123")

	cfg := Load()
	assert.Equal(t, 7, cfg.ClaimBatchSize)
	assert.Equal(t, 0.5, cfg.SendRatePerSecond)
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.True(t, cfg.WhatsAppEnabled())
}

const samplePolicy = `
max_escalations: 3
wait_windows: [48h, 24h, 12h]
tones: [professional, urgent]
business_hours:
  start: "08:30"
  end: "17:00"
  days: [Monday, tue, wed, thu]
rules:
  - name: vip-fast
    min_nudges: 1
    wait_window: 6h
    channel: whatsapp
    notify: [account-manager]
guardrails:
  auto_send: true
  min_confidence_to_send: 0.9
  escalate_below_confidence: 0.4
  final_escalation_level: 3
  forbidden_topics: [pricing]
retry:
  max_retries: 5
  base_delay: 1m
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, 3, p.Escalation.MaxEscalations)
	assert.Equal(t, []time.Duration{48 * time.Hour, 24 * time.Hour, 12 * time.Hour}, p.Escalation.WaitWindows)
	assert.Equal(t, []models.Tone{models.ToneProfessional, models.ToneUrgent}, p.Escalation.Tones)
	assert.Equal(t, 8*60+30, p.Escalation.Hours.Start)
	assert.Equal(t, 17*60, p.Escalation.Hours.End)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday}, p.Escalation.Hours.Days)

	require.Len(t, p.Escalation.Rules, 1)
	assert.Equal(t, 6*time.Hour, p.Escalation.Rules[0].WaitWindow)
	assert.Equal(t, models.ChannelWhatsApp, p.Escalation.Rules[0].Channel)

	assert.Equal(t, 0.9, p.Guardrails.MinConfidenceToSend)
	assert.Equal(t, []string{"pricing"}, p.Guardrails.ForbiddenTopics)

	assert.Equal(t, 5, p.Retry.MaxRetries)
	assert.Equal(t, time.Minute, p.Retry.BaseDelay)
	assert.Equal(t, time.Hour, p.Retry.MaxDelay)
}

func TestParsePolicy_PartialSectionsKeepDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte("guardrails: {forbidden_topics: [legal]}\nretry: {max_retries: 1}"))
	require.NoError(t, err)

	assert.True(t, p.Guardrails.AutoSend)
	assert.Equal(t, 0.8, p.Guardrails.MinConfidenceToSend)
	assert.Equal(t, []string{"legal"}, p.Guardrails.ForbiddenTopics)
	assert.Equal(t, 1, p.Retry.MaxRetries)
	assert.Equal(t, 2*time.Minute, p.Retry.BaseDelay)
}

func TestParsePolicy_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "max_escalations: [",
		"bad hours":     "business_hours: {start: \"18:00\", end: \"09:00\"}",
		"bad weekday":   "business_hours: {start: \"09:00\", end: \"18:00\", days: [funday]}",
		"unnamed rule":  "rules: [{min_nudges: 1}]",
		"bad channel":   "rules: [{name: x, channel: pigeon}]",
		"bad threshold": "guardrails: {min_confidence_to_send: 1.5}",
		"zero window":   "wait_windows: [0s]",
		"bad retry":     "retry: {base_delay: 2h, max_delay: 1h}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().Escalation.MaxEscalations, p.Escalation.MaxEscalations)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Escalation.MaxEscalations)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
