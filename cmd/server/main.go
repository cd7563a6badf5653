// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tele-AI/nl2sql/internal/agent"
	"github.com/Tele-AI/nl2sql/internal/config"
	"github.com/Tele-AI/nl2sql/internal/handler"
	"github.com/Tele-AI/nl2sql/internal/middleware"
	"github.com/Tele-AI/nl2sql/internal/pipeline"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/internal/service"
	"github.com/Tele-AI/nl2sql/pkg/database"
	"github.com/Tele-AI/nl2sql/pkg/embedding"
	"github.com/Tele-AI/nl2sql/pkg/es"
	"github.com/Tele-AI/nl2sql/pkg/kafka"
	"github.com/Tele-AI/nl2sql/pkg/llm"
	"github.com/Tele-AI/nl2sql/pkg/log"
	"github.com/Tele-AI/nl2sql/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 初始化编码器，向量维度在建索引前必须确定
	encoder, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatalf("编码器初始化失败: %v", err)
	}
	if cfg.Embedding.CacheTTLSec > 0 {
		encoder = embedding.NewCachedClient(encoder, database.RDB, cfg.Embedding.Model, time.Duration(cfg.Embedding.CacheTTLSec)*time.Second)
	}
	// InitES 会回读已有索引的 mapping，向量维度与编码器不一致时启动失败
	if err := es.InitES(cfg.Elasticsearch, encoder.Dimensions()); err != nil {
		log.Fatalf("es 初始化失败: %v", err)
	}
	kafka.InitProducer(cfg.Kafka)

	// 5. 初始化 Repository
	businessRepo := repository.NewBusinessRepository(es.ESClient)
	tableRepo := repository.NewTableRepository(es.ESClient)
	knowledgeRepo := repository.NewKnowledgeRepository(es.ESClient)
	synonymRepo := repository.NewSynonymRepository(es.ESClient)
	settingsRepo := repository.NewSettingsRepository(es.ESClient)
	dimValueRepo := repository.NewDimValueRepository(es.ESClient)
	sqlCaseRepo := repository.NewSqlCaseRepository(es.ESClient)
	promptRepo := repository.NewPromptRepository(es.ESClient)
	genRecordRepo := repository.NewGenRecordRepository(database.DB)

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.Auth.Secret)
	llmClient := llm.NewClient(cfg.LLM)
	stages := agent.NewStages(llmClient)

	metaService := service.NewMetaService(
		businessRepo, tableRepo, knowledgeRepo, synonymRepo,
		settingsRepo, dimValueRepo, sqlCaseRepo, promptRepo,
		encoder, len(cfg.Kafka.Brokers) > 0,
	)
	settingsService := service.NewSettingsService(settingsRepo, cfg.NL2SQL)
	synonymService := service.NewSynonymService(synonymRepo)
	recallService := service.NewRecallService(tableRepo, knowledgeRepo, dimValueRepo)
	nl2sqlService := service.NewNl2sqlService(
		settingsService, synonymService, recallService, metaService,
		stages, encoder, sqlCaseRepo, genRecordRepo, cfg.NL2SQL,
	)

	// 7. 启动后台 Kafka 消费者，处理表向量化任务
	processor := pipeline.NewProcessor(metaService)
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	metaHandler := handler.NewMetaHandler(metaService, jwtManager)
	nl2sqlHandler := handler.NewNl2sqlHandler(nl2sqlService)

	api := r.Group("/nl2sql")
	api.Use(middleware.TableAuth(jwtManager))
	{
		api.POST("/generate", nl2sqlHandler.Generate)
		api.GET("/generate/ws", nl2sqlHandler.GenerateWS)
		api.POST("/query_metadata", nl2sqlHandler.QueryMetadata)
		api.POST("/sql_explain", nl2sqlHandler.SqlExplain)
		api.POST("/sql_comment", nl2sqlHandler.SqlComment)
		api.POST("/sql_correct", nl2sqlHandler.SqlCorrect)
		api.POST("/gen_records/list", nl2sqlHandler.ListGenRecords)

		apiToken := api.Group("/token")
		{
			apiToken.POST("/create", metaHandler.CreateTableToken)
		}

		business := api.Group("/business")
		{
			business.POST("/create", metaHandler.CreateBusiness)
			business.POST("/list", metaHandler.ListBusinesses)
			business.POST("/delete", metaHandler.DeleteBusiness)
		}

		tableinfo := api.Group("/tableinfo")
		{
			tableinfo.POST("/create_or_update", metaHandler.UpsertTables)
			tableinfo.POST("/list", metaHandler.ListTables)
			tableinfo.POST("/delete", metaHandler.DeleteTable)
			tableinfo.POST("/search_by_embedding", metaHandler.SearchTables)
		}

		knowledge := api.Group("/knowledge")
		{
			knowledge.POST("/create_or_update", metaHandler.UpsertKnowledges)
			knowledge.POST("/list", metaHandler.ListKnowledges)
			knowledge.POST("/delete", metaHandler.DeleteKnowledge)
			knowledge.POST("/search_by_embedding", metaHandler.SearchKnowledge)
		}

		synonym := api.Group("/synonym")
		{
			synonym.POST("/create_or_update", metaHandler.UpsertSynonyms)
			synonym.POST("/list", metaHandler.ListSynonyms)
			synonym.POST("/delete", metaHandler.DeleteSynonym)
		}

		settings := api.Group("/settings")
		{
			settings.POST("/update", metaHandler.UpdateSettings)
			settings.POST("/list", metaHandler.GetSettings)
		}

		dimValues := api.Group("/dim_values")
		{
			dimValues.POST("/create_or_update", metaHandler.UpsertDimValues)
			dimValues.POST("/list", metaHandler.ListDimValues)
			dimValues.POST("/delete", metaHandler.DeleteDimValues)
			dimValues.POST("/search", metaHandler.SearchDimValues)
		}

		sqlcases := api.Group("/sqlcases")
		{
			sqlcases.POST("/create_or_update", metaHandler.UpsertSqlCases)
			sqlcases.POST("/list", metaHandler.ListSqlCases)
			sqlcases.POST("/delete", metaHandler.DeleteSqlCase)
		}

		prompt := api.Group("/prompt")
		{
			prompt.POST("/update", metaHandler.UpdatePrompts)
			prompt.POST("/list", metaHandler.GetPrompts)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
