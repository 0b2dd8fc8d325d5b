package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/jwt"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
	"github.com/smallbiznis/valora-dataholder/internal/service"
)

func TestDiscoveryAdvertisesQueryCodeFlowOnly(t *testing.T) {
	signer, err := jwt.NewKeyManager(repository.NewMemoryRecordStore()).Signer(context.Background())
	require.NoError(t, err)

	doc := service.NewDiscoveryService(testIssuer, signer).OpenIDConfigurationResponse()
	require.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	require.Equal(t, []string{"query"}, doc.ResponseModesSupported)
	require.True(t, doc.RequirePushedAuthorizationRequests)
	require.Equal(t, testIssuer+"/oauth/par", doc.PushedAuthorizationRequestEndpoint)
}
