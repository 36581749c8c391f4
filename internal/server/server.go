package server

import (
	"context"
	"os"
	"strings"
	"time"

	"walletpilot-api/internal/auth"
	"walletpilot-api/internal/client/aws"
	executorclient "walletpilot-api/internal/client/executor"
	"walletpilot-api/internal/coordinator"
	"walletpilot-api/internal/handlers"
	"walletpilot-api/internal/ledger"
	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/permissions"
	"walletpilot-api/internal/price"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// Handler definitions
var (
	permissionHandler  *handlers.PermissionHandler
	transactionHandler *handlers.TransactionHandler
	walletHandler      *handlers.WalletHandler
	healthHandler      *handlers.HealthHandler
	apiKeyRegistry     *auth.Registry

	permissionStore permissions.Store
	usageLedger     ledger.Ledger
	txCoordinator   *coordinator.Coordinator
)

// InitializeHandlers wires stores, clients, and handlers. With DATABASE_URL
// set it uses Postgres; otherwise everything runs in memory, which is the
// local development mode.
func InitializeHandlers() {
	ctx := context.Background()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		poolConfig, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			logger.Fatal("Unable to parse database connection string", zap.Error(err))
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = time.Minute * 30

		connPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			logger.Fatal("Unable to create connection pool", zap.Error(err))
		}

		permissionStore = permissions.NewPostgresStore(connPool)
		usageLedger = ledger.NewPostgresLedger(connPool)
		logger.Info("Using Postgres-backed permission store and ledger")
	} else {
		permissionStore = permissions.NewMemoryStore()
		usageLedger = ledger.NewMemoryLedger()
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	oracle := price.NewOracle(price.NewCoinGeckoClient())

	var exec coordinator.Executor
	var execHealth handlers.DependencyChecker
	if os.Getenv("EXECUTOR_URL") != "" {
		client := executorclient.NewClient("")
		exec = client
		execHealth = client
		logger.Info("Using HTTP execution service", zap.String("url", os.Getenv("EXECUTOR_URL")))
	} else {
		exec = coordinator.NewSimulatedExecutor()
		logger.Warn("EXECUTOR_URL not set, simulating execution")
	}

	txCoordinator = coordinator.New(permissionStore, usageLedger, oracle, exec)

	var publisher handlers.CallbackPublisher
	if os.Getenv("CALLBACK_QUEUE_URL") != "" {
		p, err := aws.NewSQSPublisher(ctx, "")
		if err != nil {
			logger.Fatal("Unable to create SQS publisher", zap.Error(err))
		}
		publisher = p
	}

	callbackURL := os.Getenv("PUBLIC_BASE_URL")
	if callbackURL == "" {
		callbackURL = "http://localhost:8080"
	}
	deepLinks := permissions.NewDeepLinkBuilder(callbackURL + "/api/v1/permissions/callback")

	// Deployed environments keep the JWT signing secret in Secrets Manager;
	// JWT_SECRET stays the local fallback.
	if os.Getenv("JWT_SECRET_ARN") != "" {
		sm, err := aws.NewSecretsManagerClient(ctx)
		if err != nil {
			logger.Fatal("Unable to create Secrets Manager client", zap.Error(err))
		}
		secret, err := sm.GetSecretString(ctx, "JWT_SECRET_ARN", "JWT_SECRET")
		if err != nil {
			logger.Fatal("Unable to resolve JWT signing secret", zap.Error(err))
		}
		auth.SetSessionSecret(secret)
	}

	apiKeyRegistry = auth.NewRegistryFromEnv()

	commonServices := handlers.NewCommonServices(permissionStore, txCoordinator, deepLinks, publisher)
	permissionHandler = handlers.NewPermissionHandler(commonServices)
	transactionHandler = handlers.NewTransactionHandler(commonServices)
	walletHandler = handlers.NewWalletHandler(commonServices)
	healthHandler = handlers.NewHealthHandler(execHealth)

	// Expired request reclamation. Reads also enforce expiry lazily, so
	// the interval is a housekeeping knob, not a correctness one.
	permissions.StartSweeper(ctx, permissionStore, time.Minute)
}

// InitializeRoutes registers middleware and the API surface.
func InitializeRoutes(router *gin.Engine) {
	logger.InitLogger()

	router.Use(configureCORS())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/health", healthHandler.Health)

	if os.Getenv("GIN_MODE") != "release" {
		router.Use(handlers.LogRequest())
	}

	v1 := router.Group("/api/v1")
	{
		perms := v1.Group("/permissions")
		{
			// The callback arrives from the wallet, not the agent, so an
			// API key is annotated when present but never required.
			perms.POST("/callback", auth.OptionalAPIKey(apiKeyRegistry), permissionHandler.GrantCallback)

			authed := perms.Group("")
			authed.Use(auth.EnsureValidAPIKey(apiKeyRegistry))
			{
				authed.POST("/request", permissionHandler.RequestPermission)
				authed.GET("", permissionHandler.ListPermissions)
				authed.GET("/:id", permissionHandler.GetPermission)
				authed.DELETE("/:id", permissionHandler.RevokePermission)
			}
		}

		tx := v1.Group("/tx")
		tx.Use(auth.EnsureValidAPIKey(apiKeyRegistry))
		{
			tx.POST("/execute", transactionHandler.Execute)
			tx.GET("/history/:permission_id", transactionHandler.History)
			tx.GET("/:id", transactionHandler.GetTransaction)
		}

		// User-facing surface, authenticated by the session token minted
		// at grant time.
		wallet := v1.Group("/wallet")
		wallet.Use(auth.EnsureValidSessionToken())
		{
			wallet.GET("/permissions", walletHandler.ListGranted)
			wallet.DELETE("/permissions/:id", walletHandler.RevokeGranted)
			wallet.POST("/tx/:id/approve", walletHandler.ApproveTransaction)
			wallet.POST("/tx/:id/reject", walletHandler.RejectTransaction)
		}
	}
}

// Shutdown flushes logs; stores close with the process.
func Shutdown() {
	logger.Info("Server is shutting down")
	logger.Sync()
}

// configureCORS returns a configured CORS middleware.
func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	if originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS"); originsEnv != "" {
		corsConfig.AllowOrigins = splitTrim(originsEnv)
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}

	if methodsEnv := os.Getenv("CORS_ALLOWED_METHODS"); methodsEnv != "" {
		corsConfig.AllowMethods = splitTrim(methodsEnv)
	} else {
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}

	if headersEnv := os.Getenv("CORS_ALLOWED_HEADERS"); headersEnv != "" {
		corsConfig.AllowHeaders = splitTrim(headersEnv)
	} else {
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"}
	}

	if exposedEnv := os.Getenv("CORS_EXPOSED_HEADERS"); exposedEnv != "" {
		corsConfig.ExposeHeaders = splitTrim(exposedEnv)
	}

	corsConfig.AllowCredentials = os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	return cors.New(corsConfig)
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
