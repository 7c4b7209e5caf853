package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"exchange-connector-go/book"
	"exchange-connector-go/config"
	"exchange-connector-go/connector"
	"exchange-connector-go/infrastructure/logger"
	"exchange-connector-go/metrics"
	"exchange-connector-go/order"
	"exchange-connector-go/throttle"
	"exchange-connector-go/venues/binance"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// .env 便于本地注入 XC_VENUE_API_KEY / XC_VENUE_API_SECRET
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("加载 .env 失败: %v", err)
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	if cfg.Metrics.Enabled {
		metrics.StartMetricsServer(cfg.Metrics.Addr)
		zlog.Info("metrics server started", zap.String("addr", cfg.Metrics.Addr))
	}

	rules, err := config.ThrottleRules(cfg.RateLimits)
	if err != nil {
		zlog.Fatal("限流规则非法", zap.Error(err))
	}
	if len(rules) == 0 {
		rules = binance.DefaultRateLimits()
	}
	th, err := throttle.NewThrottler(rules)
	if err != nil {
		zlog.Fatal("初始化限流器失败", zap.Error(err))
	}

	var adapter connector.VenueAdapter
	switch cfg.Venue.Name {
	case "binance":
		adapter = binance.New(binance.Config{
			RESTBaseURL: cfg.Venue.RESTBaseURL,
			WSBaseURL:   cfg.Venue.WSURL,
			APIKey:      cfg.Venue.APIKey,
			APISecret:   cfg.Venue.APISecret,
		}, th, zlog)
	default:
		zlog.Fatal("不支持的交易所", zap.String("venue", cfg.Venue.Name))
	}

	conn := connector.New(adapter, connector.Config{
		Pairs:               cfg.Pairs,
		StatusPollInterval:  seconds(cfg.Orders.StatusPollIntervalSec),
		RuleRefreshInterval: time.Duration(cfg.Orders.RuleRefreshIntervalMin) * time.Minute,
		CancelAllTimeout:    seconds(cfg.Orders.CancelAllTimeoutSec),
		Book: book.TrackerConfig{
			DiffBufferSize:       cfg.Book.DiffBufferSize,
			SnapshotInterval:     seconds(cfg.Book.SnapshotIntervalSec),
			SnapshotRetryDelay:   seconds(cfg.Book.SnapshotRetryDelaySec),
			StreamReconnectDelay: seconds(cfg.Book.StreamReconnectDelaySec),
		},
		Orders: order.TrackerConfig{
			NotFoundThreshold: cfg.Orders.NotFoundThreshold,
			ClientIDPrefix:    cfg.Orders.ClientIDPrefix,
		},
	}, zlog, eventSink(zlog))

	if cfg.StatePath != "" {
		restoreOrders(conn, cfg.StatePath, zlog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := conn.Start(ctx); err != nil {
		zlog.Fatal("启动失败", zap.Error(err))
	}

	// 配置热更新：运行期只响应交易对增减，密钥等变更需要重启
	go watchPairs(ctx, *cfgPath, cfg.Pairs, conn, zlog)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	zlog.Info("connector running")

	<-ctx.Done()
	zlog.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if failed := conn.Shutdown(shutCtx); failed > 0 {
		zlog.Warn("部分订单未能撤掉", zap.Int("count", failed))
	}
	if cfg.StatePath != "" {
		saveOrders(conn, cfg.StatePath, zlog)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func eventSink(zlog *zap.Logger) order.EventSink {
	return func(e order.Event) {
		fields := []zap.Field{
			zap.String("event", e.Kind),
			zap.String("client_order_id", e.Order.ClientOrderID),
			zap.String("pair", e.Order.Pair),
			zap.String("state", string(e.Order.State)),
		}
		if e.Fill != nil {
			fields = append(fields,
				zap.String("trade_id", e.Fill.TradeID),
				zap.String("price", e.Fill.Price.String()),
				zap.String("base_amount", e.Fill.BaseAmount.String()))
		}
		zlog.Info("order event", fields...)
	}
}

func restoreOrders(conn *connector.Connector, path string, zlog *zap.Logger) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			zlog.Warn("读取订单状态失败", zap.String("path", path), zap.Error(err))
		}
		return
	}
	var states []order.TrackedState
	if err := json.Unmarshal(raw, &states); err != nil {
		zlog.Warn("解析订单状态失败", zap.String("path", path), zap.Error(err))
		return
	}
	conn.RestoreOrders(states)
	zlog.Info("恢复在途订单", zap.Int("count", len(states)))
}

func saveOrders(conn *connector.Connector, path string, zlog *zap.Logger) {
	states := conn.TrackingStates()
	raw, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		zlog.Warn("序列化订单状态失败", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		zlog.Warn("写入订单状态失败", zap.String("path", path), zap.Error(err))
		return
	}
	zlog.Info("订单状态已落盘", zap.String("path", path), zap.Int("count", len(states)))
}

// watchPairs 配置文件变更时对比交易对集合，动态增删行情跟踪。
func watchPairs(ctx context.Context, path string, initial []string, conn *connector.Connector, zlog *zap.Logger) {
	current := make(map[string]bool, len(initial))
	for _, p := range initial {
		current[p] = true
	}
	w := config.NewWatcher(path, 0, zlog)
	err := w.Start(ctx, func(newCfg config.AppConfig) {
		next := make(map[string]bool, len(newCfg.Pairs))
		for _, p := range newCfg.Pairs {
			next[p] = true
			if !current[p] {
				zlog.Info("新增交易对", zap.String("pair", p))
				conn.TrackPair(p)
			}
		}
		for p := range current {
			if !next[p] {
				zlog.Info("移除交易对", zap.String("pair", p))
				conn.UntrackPair(p)
			}
		}
		current = next
	})
	if err != nil && ctx.Err() == nil {
		zlog.Warn("配置监听退出", zap.Error(err))
	}
}
