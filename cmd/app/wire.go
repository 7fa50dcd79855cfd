//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/yanqian/ragserver/internal/bootstrap"
	"github.com/yanqian/ragserver/internal/domain/auth"
	"github.com/yanqian/ragserver/internal/domain/chat"
	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/infra/config"
	httpiface "github.com/yanqian/ragserver/internal/interface/http"
	"github.com/yanqian/ragserver/pkg/logger"
)

func initializeApp() (*bootstrap.App, error) {
	wire.Build(
		config.Load,
		logger.New,
		provideAuthConfig,
		providePostgresPool,
		provideValkeyClient,
		provideUserRepository,
		provideSessionRepository,
		provideMemoryRepos,
		provideCollectionRepository,
		provideDocumentRepository,
		provideUploadRepository,
		provideChunkRepository,
		provideConversationRepository,
		provideMessageRepository,
		provideVectorStore,
		provideObjectStorage,
		provideJobQueue,
		provideOverrideStore,
		provideSettingsResolverFromStore,
		provideChatGPTClient,
		provideEmbedder,
		provideCompletionProvider,
		provideTokenCounter,
		provideChunker,
		provideToolRegistry,
		provideProgressBroker,
		provideRagServiceConfig,
		provideWorkerConfig,
		provideOrchestratorConfig,
		provideRetriever,
		provideOrchestrator,
		provideHealthChecker,
		auth.NewService,
		chat.NewChatService,
		rag.NewService,
		rag.NewWorker,
		httpiface.NewHandler,
		httpiface.NewRouter,
		bootstrap.NewApp,
	)
	return nil, nil
}
