package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/internal/auth"
	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/internal/logging"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/events"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/storage"
)

func main() {
	// 数量・金額はJSON数値として出力
	decimal.MarshalJSONWithoutQuotes = true

	// 設定読み込み
	cfg, err := config.Load(os.Getenv("STOCK_LEDGER_CONFIG"))
	if err != nil {
		log.Fatal("設定読み込みに失敗しました: ", err)
	}

	// ログ設定
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ストレージ接続
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ストレージ接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// イベント発行
	publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("イベント発行の初期化に失敗しました", zap.Error(err))
	}
	defer closePublisher()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inventory.NewMetrics(registry)

	// 在庫台帳初期化
	manager := inventory.NewManager(store, publisher, logger, cfg.ManagerConfig()).WithMetrics(metrics)
	valuation := inventory.NewValuationEngine(store, logger)
	tracker := inventory.NewTrackingManager(store, logger)

	// 定期照合
	go inventory.NewReconciler(manager, cfg.Inventory.ReconcileInterval, logger).Run(ctx)

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, valuation, tracker, store, cfg.ExpiryWindow(), logger)
	authn := auth.NewAuthenticator(cfg.Auth, handlers.sendError)

	opts := routerOptions{EnableCORS: cfg.API.EnableCORS}
	if cfg.API.EnableMetrics {
		opts.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = cfg.RateLimit.Rate
	}
	router, err := setupRouter(handlers, authn, opts)
	if err != nil {
		logger.Fatal("ルーター初期化に失敗しました", zap.Error(err))
	}

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	go func() {
		logger.Info("在庫台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("auth", !cfg.Auth.Disabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	<-ctx.Done()
	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openStorage connects the configured storage backend
// 設定されたストレージに接続
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inventory.Storage, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("メモリストレージを使用します（再起動でデータは失われます）")
		return storage.NewMemoryStorage(), nil
	}

	pg, err := storage.NewPostgreSQLStorage(ctx, cfg.DSN(), storage.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

// openPublisher returns the Redis publisher when enabled, the log publisher otherwise
// イベント発行先を作成
func openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inventory.EventPublisher, func(), error) {
	logPublisher := events.NewLogPublisher(logger)
	if !cfg.Redis.Enabled {
		return logPublisher, func() {}, nil
	}

	client, err := events.NewRedisClient(ctx, events.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}

	publisher := events.Fanout{
		events.NewRedisPublisher(client, cfg.Redis.ChannelPrefix, logger),
		logPublisher,
	}
	return publisher, func() { client.Close() }, nil
}

// routerOptions toggles the optional surfaces of the router
type routerOptions struct {
	EnableCORS bool
	Metrics    http.Handler // nilで/metricsを無効化
	RateLimit  string       // 例: "100-M"、空で無効
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, authn *auth.Authenticator, opts routerOptions) (http.Handler, error) {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(authn.Middleware)

	admin := authn.RequireRole(auth.RoleAdmin)
	writer := authn.RequireRole(auth.RoleAdmin, auth.RoleStaff)
	reader := authn.RequireRole(auth.RoleAdmin, auth.RoleStaff, auth.RoleViewer)

	route := func(path, method string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
		api.Handle(path, guard(h)).Methods(method)
	}

	// 品目管理
	route("/items", http.MethodPost, admin, handlers.CreateItem)
	route("/items", http.MethodGet, reader, handlers.ListItems)
	route("/items/{itemId}", http.MethodGet, reader, handlers.GetItem)
	route("/items/{itemId}", http.MethodPatch, admin, handlers.UpdateItem)
	route("/items/{itemId}", http.MethodDelete, admin, handlers.DeactivateItem)
	route("/items/{itemId}/reconcile", http.MethodPost, admin, handlers.ReconcileItem)
	route("/items/{itemId}/valuation", http.MethodGet, reader, handlers.GetValuation)
	route("/items/{itemId}/turnover", http.MethodGet, reader, handlers.GetTurnover)
	route("/items/{itemId}/audit", http.MethodGet, reader, handlers.GetAuditTrail)

	// 入出庫
	route("/stock/in", http.MethodPost, writer, handlers.StockIn)
	route("/stock/out", http.MethodPost, writer, handlers.StockOut)
	route("/stock/batch", http.MethodPost, writer, handlers.BatchOperation)

	// 履歴
	route("/stock/movements", http.MethodGet, reader, handlers.ListMovements)
	route("/stock/movements/{movementId}", http.MethodGet, reader, handlers.GetMovement)

	// 照合・集計
	route("/stock/low-stock", http.MethodGet, reader, handlers.GetLowStock)
	route("/stock/statistics", http.MethodGet, reader, handlers.GetStatistics)
	route("/stock/reconcile", http.MethodPost, admin, handlers.ReconcileAll)
	route("/stock/valuation", http.MethodGet, reader, handlers.GetTotalValuation)
	route("/stock/expiring", http.MethodGet, reader, handlers.GetExpiringBatches)
	route("/stock/expired", http.MethodGet, reader, handlers.GetExpiredBatches)

	// 分析
	route("/analytics/abc", http.MethodGet, reader, handlers.GetABCClassification)

	var handler http.Handler = router

	if opts.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(opts.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("無効なレート制限: %w", err)
		}
		handler = stdlib.NewMiddleware(
			limiter.New(memory.NewStore(), rate),
			stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
				handlers.sendError(w, http.StatusTooManyRequests, "リクエストが多すぎます")
			}),
		).Handler(handler)
	}

	if opts.EnableCORS {
		handler = corsMiddleware(handler)
	}

	return loggingMiddleware(handlers.logger)(handler), nil
}

// corsMiddleware answers preflight requests and sets CORS headers
// CORS設定
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
