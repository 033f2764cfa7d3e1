package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/agent"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/metrics"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	signingSecret = "integration-secret"
	clientSecret  = "integration-client-secret"
	tokenIssuer   = "blacklist-sync"
	tokenAudience = "blacklist-sync-clients"
)

type fixedClientID blacklist.ClientID

func (id fixedClientID) NewClientID() (blacklist.ClientID, error) {
	return blacklist.ClientID(id), nil
}

func TestAgentsConvergeThroughHTTPAPI(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := database.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "integration.db"),
	}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	collector := metrics.NewCollector()
	blacklistService, err := blacklist.NewService(blacklist.ServiceConfig{
		Database: db,
		Recorder: collector,
		PageSize: 3,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build blacklist service: %v", err)
	}
	tokenIssuerInstance, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		ClientSecret:  []byte(clientSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:     tokenIssuerInstance,
		BlacklistService: blacklistService,
		Metrics:          collector,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	first := mustStartAgent(testContext, testServer.URL, "bot-one")
	second := mustStartAgent(testContext, testServer.URL, "bot-two")

	for _, userID := range []blacklist.UserID{11, 22, 33, 44} {
		if _, err := blacklistService.Add(ctx, userID, 1, "spam"); err != nil {
			testContext.Fatalf("add %d failed: %v", userID, err)
		}
	}
	if _, err := first.SyncOnce(ctx); err != nil {
		testContext.Fatalf("first agent sync failed: %v", err)
	}

	if _, err := blacklistService.Remove(ctx, 22, 2); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	if _, err := blacklistService.Add(ctx, 55, 2, "abuse"); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}

	for _, syncAgent := range []*agent.Agent{first, second} {
		if _, err := syncAgent.SyncOnce(ctx); err != nil {
			testContext.Fatalf("agent %s sync failed: %v", syncAgent.ClientID(), err)
		}
	}

	expected := map[blacklist.UserID]bool{11: true, 22: false, 33: true, 44: true, 55: true}
	for userID, want := range expected {
		serverSide, err := blacklistService.IsBlacklisted(ctx, userID)
		if err != nil {
			testContext.Fatalf("server lookup failed: %v", err)
		}
		if serverSide != want {
			testContext.Fatalf("server reports %v for %d, want %v", serverSide, userID, want)
		}
		for _, syncAgent := range []*agent.Agent{first, second} {
			local, err := syncAgent.IsBlacklisted(userID)
			if err != nil {
				testContext.Fatalf("local lookup failed: %v", err)
			}
			if local != want {
				testContext.Fatalf("agent %s reports %v for %d, want %v", syncAgent.ClientID(), local, userID, want)
			}
		}
	}

	head, err := blacklistService.Head(ctx)
	if err != nil {
		testContext.Fatalf("head failed: %v", err)
	}
	statuses, err := blacklistService.ListCursors(ctx)
	if err != nil {
		testContext.Fatalf("list cursors failed: %v", err)
	}
	if len(statuses) != 2 {
		testContext.Fatalf("expected two client cursors, got %d", len(statuses))
	}
	for _, status := range statuses {
		if status.Cursor.LastSyncTime != head.LatestOperationTime || status.PendingEntries != 0 {
			testContext.Fatalf("cursor %s not at head: %#v", status.Cursor.ClientID, status)
		}
	}
}

func TestForeignAudienceTokenRejected(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "audience.db"),
	}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	blacklistService, err := blacklist.NewService(blacklist.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build blacklist service: %v", err)
	}
	tokenIssuerInstance, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		ClientSecret:  []byte(clientSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:     tokenIssuerInstance,
		BlacklistService: blacklistService,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	token := mustMintClientToken(testContext, signingSecret, "other-service", "bot-one", time.Now())
	request, _ := http.NewRequest(http.MethodGet, testServer.URL+"/sync/delta", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("delta request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized for foreign audience, got %d", response.StatusCode)
	}
}

func mustStartAgent(testContext *testing.T, serverURL, clientID string) *agent.Agent {
	testContext.Helper()
	store, err := agent.OpenStore(filepath.Join(testContext.TempDir(), clientID+".db"))
	if err != nil {
		testContext.Fatalf("failed to open agent store: %v", err)
	}
	testContext.Cleanup(func() {
		_ = store.Close()
	})
	source, err := agent.NewHTTPSource(agent.HTTPSourceConfig{BaseURL: serverURL, ClientSecret: clientSecret})
	if err != nil {
		testContext.Fatalf("failed to build http source: %v", err)
	}
	syncAgent, err := agent.New(agent.Config{
		Store:     store,
		Source:    source,
		ClientIDs: fixedClientID(clientID),
		PageSize:  2,
	})
	if err != nil {
		testContext.Fatalf("failed to build agent: %v", err)
	}
	return syncAgent
}

func mustMintClientToken(testContext *testing.T, secret, audience, clientID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
