package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := fromViper(v)

	require.Equal(t, EnvDevelopment, cfg.Env)
	require.Equal(t, "/api/v1", cfg.APIPrefix)
	require.Equal(t, 5*time.Second, cfg.Workflow.StoreTimeout)
	require.False(t, cfg.Workflow.AllowResubmission)
	require.Equal(t, "Report approved", cfg.Workflow.DefaultApprovalComment)
	require.Equal(t, int64(25*1024*1024), cfg.Assets.MaxFileSizeBytes)
	require.Equal(t, "reports:events", cfg.Notifications.Channel)
	require.False(t, cfg.Redis.Enabled)
}

func TestInvalidDurationFallsBack(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("WORKFLOW_STORE_TIMEOUT", "soon")
	v.Set("WORKFLOW_ALLOW_RESUBMISSION", true)
	v.Set("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := fromViper(v)
	require.Equal(t, 5*time.Second, cfg.Workflow.StoreTimeout)
	require.True(t, cfg.Workflow.AllowResubmission)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}
