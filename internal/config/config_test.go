package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, StorageMemory, cfg.StorageDriver)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, time.Second, cfg.SimulationUnit)
	require.Equal(t, 25, cfg.OutboxBatchSize)
	require.True(t, cfg.SimulationEnabled)
	require.Equal(t, 15*time.Minute, cfg.SessionIdle)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "mongo")

	_, err := Load()
	require.ErrorContains(t, err, "STORAGE_DRIVER")
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Config{StorageDriver: StorageSQLite, SimulationUnit: time.Second}
	require.ErrorContains(t, cfg.Validate(), "JWT_SECRET")
}

func TestValidateSimulationUnitMustBeWholeSeconds(t *testing.T) {
	base := Config{StorageDriver: StorageMemory, JWTSecret: "s", SessionIdle: time.Minute}

	for _, unit := range []time.Duration{100 * time.Millisecond, 1500 * time.Millisecond} {
		cfg := base
		cfg.SimulationUnit = unit
		require.ErrorContains(t, cfg.Validate(), "whole number of seconds", unit.String())
	}

	cfg := base
	cfg.SimulationUnit = 2 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsSubSecondSimulationUnit(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("SIMULATION_UNIT", "100ms")

	_, err := Load()
	require.ErrorContains(t, err, "SIMULATION_UNIT")
}
