package monitoring

import (
	"testing"

	goredis "github.com/redis/go-redis/v9"
)

func TestCheckHealthAggregation(t *testing.T) {
	hc := NewHealthChecker("bursar", "test")
	hc.AddCheck("ok", func() CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}

	hc.AddCheck("degraded", func() CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "redis not configured"}
	})
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	hc.AddCheck("down", func() CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": "postgres://localhost/bursar",
		"CARD_SECRET":  "",
	})
	result := check()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on missing config, got %s", result.Status)
	}
}

func TestRedisHealthCheckNilClient(t *testing.T) {
	result := RedisHealthCheck(nil)()
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded for nil client, got %s", result.Status)
	}

	// A declared-but-unassigned client must report degraded too, not panic.
	var client *goredis.Client
	result = RedisHealthCheck(client)()
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded for unassigned client, got %s", result.Status)
	}
}
