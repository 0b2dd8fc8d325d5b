package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/adapter/sector"
	"github.com/smallbiznis/valora-dataholder/internal/config"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// SectorDocuments fetches sector identifier documents.
type SectorDocuments interface {
	FetchRedirectURIs(ctx context.Context, uri string) ([]string, error)
}

// EnsureClients upserts the registrations listed in CLIENTS_FILE on startup.
// It is a no-op when the file is not configured.
func EnsureClients(lc fx.Lifecycle, cfg config.Config, registrar repository.ClientRegistrar, logger *zap.Logger) {
	if cfg.ClientsFile == "" {
		return
	}
	var sectors SectorDocuments
	if cfg.VerifySectorDocuments {
		sectors = sector.NewHTTPClient(nil)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return LoadClients(ctx, cfg.ClientsFile, registrar, sectors, logger)
		},
	})
}

// LoadClients reads a JSON array of client registrations from path. With a
// non-nil sectors, every redirect URI of a client that names a
// sector_identifier_uri must be listed in that document.
func LoadClients(ctx context.Context, path string, registrar repository.ClientRegistrar, sectors SectorDocuments, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read clients file: %w", err)
	}

	var clients []domain.Client
	if err := json.Unmarshal(raw, &clients); err != nil {
		return fmt.Errorf("decode clients file: %w", err)
	}

	for i, client := range clients {
		client.ClientID = strings.TrimSpace(client.ClientID)
		if client.ClientID == "" {
			return fmt.Errorf("clients file entry %d: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("client %s: at least one redirect_uri is required", client.ClientID)
		}
		if _, err := client.Sector(); err != nil {
			return fmt.Errorf("client %s: %w", client.ClientID, err)
		}
		if sectors != nil && client.SectorIdentifierURI != "" {
			document, err := sectors.FetchRedirectURIs(ctx, client.SectorIdentifierURI)
			if err != nil {
				return fmt.Errorf("client %s: %w", client.ClientID, err)
			}
			if missing, ok := sector.Covers(document, client.RedirectURIs); !ok {
				return fmt.Errorf("client %s: redirect uri %s not listed in sector document", client.ClientID, missing)
			}
		}
		if err := registrar.UpsertClient(ctx, client); err != nil {
			return fmt.Errorf("register client %s: %w", client.ClientID, err)
		}
		if logger != nil {
			logger.Info("client registered", zap.String("client_id", client.ClientID), zap.String("software_id", client.SoftwareID))
		}
	}
	return nil
}
