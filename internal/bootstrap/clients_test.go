package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

func writeClients(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadClients(t *testing.T) {
	repo := repository.NewMemoryClientRepository()
	path := writeClients(t, `[{
		"client_id": "client-1",
		"software_id": "software-1",
		"redirect_uris": ["https://adr.example/cb"],
		"jwks": {"keys": []}
	}]`)

	require.NoError(t, LoadClients(context.Background(), path, repo, nil, zap.NewNop()))

	client, err := repo.GetClientByID(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, "software-1", client.SoftwareID)
	require.Equal(t, []string{"https://adr.example/cb"}, client.RedirectURIs)
	require.True(t, client.Active())
}

func TestLoadClientsRejectsAmbiguousSector(t *testing.T) {
	repo := repository.NewMemoryClientRepository()
	path := writeClients(t, `[{
		"client_id": "client-1",
		"redirect_uris": ["https://a.example/cb", "https://b.example/cb"]
	}]`)

	require.Error(t, LoadClients(context.Background(), path, repo, nil, nil))
	_, err := repo.GetClientByID(context.Background(), "client-1")
	require.Error(t, err)
}

func TestLoadClientsRequiresID(t *testing.T) {
	path := writeClients(t, `[{"redirect_uris": ["https://a.example/cb"]}]`)
	require.Error(t, LoadClients(context.Background(), path, repository.NewMemoryClientRepository(), nil, nil))
}

type staticSectors map[string][]string

func (s staticSectors) FetchRedirectURIs(_ context.Context, uri string) ([]string, error) {
	return s[uri], nil
}

func TestLoadClientsVerifiesSectorDocument(t *testing.T) {
	sectors := staticSectors{"https://adr.example/sector.json": {"https://a.example/cb"}}
	body := `[{
		"client_id": "client-1",
		"sector_identifier_uri": "https://adr.example/sector.json",
		"redirect_uris": ["https://a.example/cb", "https://b.example/cb"]
	}]`

	repo := repository.NewMemoryClientRepository()
	err := LoadClients(context.Background(), writeClients(t, body), repo, sectors, nil)
	require.ErrorContains(t, err, "https://b.example/cb")

	sectors["https://adr.example/sector.json"] = append(sectors["https://adr.example/sector.json"], "https://b.example/cb")
	require.NoError(t, LoadClients(context.Background(), writeClients(t, body), repo, sectors, nil))
}
