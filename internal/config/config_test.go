package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ISSUER_URI", "https://dataholder.example/")
	t.Setenv("DATABASE_URL", "postgres://localhost/dataholder")
	t.Setenv("ID_PERMANENCE_KEY", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://dataholder.example", cfg.IssuerURI)
	require.Equal(t, StorePostgres, cfg.RecordStore)
	require.Equal(t, 90*time.Second, cfg.PARTTL)
	require.Equal(t, 5*time.Minute, cfg.AccessTokenTTL)
	require.Len(t, cfg.IDPermanenceKey, 32)
}

func TestLoadRejectsShortKey(t *testing.T) {
	setRequired(t)
	t.Setenv("ID_PERMANENCE_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	setRequired(t)
	t.Setenv("RECORD_STORE", "memcached")

	_, err := Load()
	require.Error(t, err)
}

func TestRefreshTokenBytesFloor(t *testing.T) {
	setRequired(t)
	t.Setenv("REFRESH_TOKEN_BYTES", "8")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 32, cfg.RefreshTokenBytes)
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	for _, key := range []string{"ACCESS_TOKEN_TTL", "ID_TOKEN_TTL", "AUTH_CODE_TTL", "PAR_TTL"} {
		for _, value := range []string{"0s", "-1m"} {
			t.Run(key+"="+value, func(t *testing.T) {
				setRequired(t)
				t.Setenv(key, value)

				_, err := Load()
				require.ErrorContains(t, err, key)
			})
		}
	}
}
