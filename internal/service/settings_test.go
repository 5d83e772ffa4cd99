package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/marks/internal/db"
)

func TestSettingsResolveDefaults(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxPrivateDefault = 10
	f.cfg.MaxSharedDefault = 20

	eff, err := f.settings.Resolve("x.com")
	require.NoError(t, err)

	assert.Equal(t, "x.com", eff.Domain)
	assert.True(t, eff.SharedEnabled)
	assert.Equal(t, "Shared Bookmarks", eff.SharedLabel)
	assert.Equal(t, 10, eff.MaxPrivate)
	assert.Equal(t, 20, eff.MaxShared)
	assert.False(t, eff.Override)
}

func TestSettingsResolveOverride(t *testing.T) {
	f := newFixture(t)

	five := 5
	_, err := f.settings.Save("X.Com", SettingsInput{
		SharedEnabled: false,
		SharedLabel:   "Team Links",
		MaxPrivate:    &five,
	})
	require.NoError(t, err)

	eff, err := f.settings.Resolve("x.com")
	require.NoError(t, err)

	assert.True(t, eff.Override)
	assert.False(t, eff.SharedEnabled)
	assert.Equal(t, "Team Links", eff.SharedLabel)
	assert.Equal(t, 5, eff.MaxPrivate)
	// Unset quota falls back to the process default.
	assert.Equal(t, 0, eff.MaxShared)
}

func TestSettingsSaveIdempotent(t *testing.T) {
	f := newFixture(t)

	in := SettingsInput{SharedEnabled: true, SharedLabel: "Links"}
	_, err := f.settings.Save("x.com", in)
	require.NoError(t, err)
	_, err = f.settings.Save("x.com", in)
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&db.DomainSetting{}).Where("domain = ?", "x.com").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	eff, err := f.settings.Resolve("x.com")
	require.NoError(t, err)
	assert.Equal(t, "Links", eff.SharedLabel)
}

func TestSettingsSaveNormalizesDomain(t *testing.T) {
	f := newFixture(t)

	_, err := f.settings.Save("  @X.COM ", SettingsInput{SharedEnabled: true})
	require.NoError(t, err)

	row := db.DomainSetting{}
	require.NoError(t, f.db.Where("domain = ?", "x.com").First(&row).Error)
	assert.Equal(t, "Shared Bookmarks", row.SharedLabel)
}

func TestSettingsLegacyKeyProbe(t *testing.T) {
	f := newFixture(t)

	// Pre-migration rows carried a leading @.
	require.NoError(t, f.db.Create(&db.DomainSetting{
		Domain:        "@x.com",
		SharedEnabled: false,
		SharedLabel:   "Legacy",
	}).Error)

	eff, err := f.settings.Resolve("x.com")
	require.NoError(t, err)
	assert.True(t, eff.Override)
	assert.Equal(t, "Legacy", eff.SharedLabel)

	// Saving migrates the legacy row away.
	_, err = f.settings.Save("x.com", SettingsInput{SharedEnabled: true, SharedLabel: "Fresh"})
	require.NoError(t, err)

	var legacy int64
	require.NoError(t, f.db.Model(&db.DomainSetting{}).Where("domain = ?", "@x.com").Count(&legacy).Error)
	assert.Equal(t, int64(0), legacy)

	eff, err = f.settings.Resolve("x.com")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", eff.SharedLabel)
}

func TestSettingsDeleteFallsBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.settings.Save("x.com", SettingsInput{SharedEnabled: false})
	require.NoError(t, err)
	require.NoError(t, f.settings.Delete("x.com"))

	eff, err := f.settings.Resolve("x.com")
	require.NoError(t, err)
	assert.False(t, eff.Override)
	assert.True(t, eff.SharedEnabled)
}

func TestSettingsNoDomainBucket(t *testing.T) {
	f := newFixture(t)

	_, err := f.settings.Save("", SettingsInput{SharedEnabled: false, SharedLabel: "Local"})
	require.NoError(t, err)

	eff, err := f.settings.Resolve(NoDomain)
	require.NoError(t, err)
	assert.True(t, eff.Override)
	assert.Equal(t, "Local", eff.SharedLabel)
	assert.False(t, eff.SharedEnabled)
}

func TestSettingsList(t *testing.T) {
	f := newFixture(t)

	_, err := f.settings.Save("b.com", SettingsInput{SharedEnabled: true})
	require.NoError(t, err)
	_, err = f.settings.Save("a.com", SettingsInput{SharedEnabled: true})
	require.NoError(t, err)

	rows, err := f.settings.List()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.com", rows[0].Domain)
	assert.Equal(t, "b.com", rows[1].Domain)
}
