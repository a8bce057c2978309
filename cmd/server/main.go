// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chat-relay-go/internal/config"
	"chat-relay-go/internal/handler"
	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/repository"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/database"
	"chat-relay-go/pkg/es"
	"chat-relay-go/pkg/kafka"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/storage"
	"chat-relay-go/pkg/token"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("CHAT_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(log.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")
	if cfg.LLM.APIKey == "" {
		log.Warnf("未配置 llm.api_key (CHAT_LLM_API_KEY)，上游请求将被拒绝")
	}

	// 3. 初始化数据库、Redis 和外部服务
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis)
	objectStore := storage.InitMinIO(cfg.MinIO)
	messageIndex, err := es.InitES(cfg.Elasticsearch)
	if err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	producer := kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	chatRepo := repository.NewChatRepository(database.DB)
	blacklistRepo := repository.NewTokenBlacklistRepository(database.RDB)
	attemptRepo := repository.NewAttemptRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	userService := service.NewUserService(userRepo, blacklistRepo, jwtManager)
	conversationService := service.NewConversationService(chatRepo, messageIndex)
	exportService := service.NewExportService(chatRepo, objectStore, time.Duration(cfg.MinIO.ExportExpiryMinute)*time.Minute)
	searchService := service.NewSearchService(messageIndex)
	chatService := service.NewChatService(chatRepo, llmClient, producer, messageIndex, service.ChatOptions{
		Retry: service.RetryPolicy{
			Attempts: cfg.Store.RetryAttempts,
			Backoff:  time.Duration(cfg.Store.RetryBackoffMS) * time.Millisecond,
		},
		HistoryMessages: cfg.LLM.HistoryMessages,
		Generation:      llm.DefaultGenerationParams(cfg.LLM.Generation),
	})
	replayService := service.NewTranscriptReplayService(chatRepo, messageIndex)

	// 6. 启动后台 Kafka 消费者，补写同步提交失败的助手消息
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	var consumerWG sync.WaitGroup
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		kafka.StartConsumer(consumerCtx, cfg.Kafka, replayService, attemptRepo)
	}()

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if allowAll(cfg.Server.AllowOrigins) {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.Server.AllowOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(cors.New(corsCfg))

	// 8. 注册路由
	registerRoutes(r, routeDeps{
		jwtManager:   jwtManager,
		userHandler:  handler.NewUserHandler(userService),
		authHandler:  handler.NewAuthHandler(userService),
		chatHandler:  handler.NewChatHandler(chatService, userService, jwtManager),
		convHandler:  handler.NewConversationHandler(conversationService, exportService),
		searchHandle: handler.NewSearchHandler(searchService),
		userService:  userService,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 流式响应可能较长，给进行中的交换留出提交时间
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	stopConsumer()
	consumerWG.Wait()
	if err := producer.Close(); err != nil {
		log.Errorf("关闭 Kafka 生产者失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

type routeDeps struct {
	jwtManager   *token.JWTManager
	userService  service.UserService
	userHandler  *handler.UserHandler
	authHandler  *handler.AuthHandler
	chatHandler  *handler.ChatHandler
	convHandler  *handler.ConversationHandler
	searchHandle *handler.SearchHandler
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	authRequired := middleware.AuthMiddleware(d.jwtManager, d.userService)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", d.authHandler.RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", d.userHandler.Register)
			users.POST("/login", d.userHandler.Login)

			authed := users.Group("/")
			authed.Use(authRequired)
			{
				authed.GET("/me", d.userHandler.GetProfile)
				authed.POST("/logout", d.userHandler.Logout)
			}
		}

		apiV1.POST("/chat", authRequired, d.chatHandler.Chat)

		chats := apiV1.Group("/chats")
		chats.Use(authRequired)
		{
			chats.GET("", d.convHandler.ListChats)
			chats.POST("", d.convHandler.CreateChat)
			chats.GET("/search", d.searchHandle.SearchMessages)
			chats.PUT("/:id/title", d.convHandler.RenameChat)
			chats.DELETE("/:id", d.convHandler.DeleteChat)
			chats.GET("/:id/messages", d.convHandler.GetMessages)
			chats.GET("/:id/export", d.convHandler.ExportChat)
		}
	}

	// WebSocket 握手无法携带自定义头，token 放在路径里
	r.GET("/chat/:token", d.chatHandler.Handle)
}

func allowAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
