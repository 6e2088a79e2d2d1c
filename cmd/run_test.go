package main

import (
	"testing"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/baderanaas/GoLobby/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.World = config.WorldConfig{ID: "w1", Name: "Harbor"}
	cfg.Users = []string{"alice", "bob"}
	cfg.Advertisement.Rating = []string{"violence", "language"}
	cfg.Advertisement.Permissions = []string{"guests"}
	return &cfg
}

func TestDocumentSource(t *testing.T) {
	cfg := testConfig()
	src, err := newDocumentSource(cfg)
	require.NoError(t, err)

	d, err := src.Document()
	require.NoError(t, err)
	assert.Equal(t, advert.ContentViolence|advert.ContentLanguage, d.Rating)
	assert.Equal(t, advert.PermGuests, d.Permissions)
	assert.Empty(t, d.PeerID)

	cfg.Advertisement.Name = "renamed"
	cfg.Advertisement.Rating = nil
	require.NoError(t, src.Reload(cfg))
	d, err = src.Document()
	require.NoError(t, err)
	assert.Equal(t, "renamed", d.Name)
	assert.Zero(t, d.Rating)
}

func TestDocumentSourceRejectsUnknownRating(t *testing.T) {
	cfg := testConfig()
	cfg.Advertisement.Rating = []string{"sparkles"}
	_, err := newDocumentSource(cfg)
	assert.Error(t, err)
}

func TestBeaconStatus(t *testing.T) {
	cfg := testConfig()
	b := newBeaconSource(cfg, nil).Beacon()
	assert.True(t, b.Status.IsAll(advert.StatusOnline|advert.StatusPublic))
	assert.Equal(t, "w1", b.WorldID)
	assert.Len(t, b.Users, 2)
	assert.NotContains(t, b.Users, "alice")

	cfg.Presence.Firewalled = true
	b = newBeaconSource(cfg, nil).Beacon()
	assert.True(t, b.Status.IsAll(advert.StatusOnline|advert.StatusFirewalled))
	assert.False(t, b.Status.IsAny(advert.StatusPublic))
}
