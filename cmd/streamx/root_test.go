package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineConfig(t *testing.T) {
	viper.Set("dir", "/srv/streams")
	viper.Set("min-playable", "8MiB")
	viper.Set("max-peers", 7)
	viper.Set("cache-metadata", false)
	viper.Set("dht", false)
	viper.Set("metadata-timeout", "90s")

	cfg, err := engineConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/streams", cfg.SaveDir)
	assert.Equal(t, int64(8<<20), cfg.Swarm.MinPlayableBytes)
	assert.Equal(t, 7, cfg.Swarm.MaxPeers)
	assert.Equal(t, 90*time.Second, cfg.Swarm.MetadataTimeout)
	assert.Empty(t, cfg.MetaCachePath)
	assert.False(t, cfg.DHT)
	assert.True(t, cfg.UPnP)

	viper.Set("min-playable", "lots")
	_, err = engineConfig()
	assert.Error(t, err)
}
