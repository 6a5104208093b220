package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	elite "github.com/iwtcode/eliteAdapter"
	"github.com/iwtcode/eliteAdapter/ec"
	"github.com/iwtcode/eliteAdapter/internal/interfaces"
	"github.com/iwtcode/eliteAdapter/internal/services/kafka"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		servoOn     bool
		retries     int
		monitor     bool
		duration    time.Duration
		publish     bool
		metricsAddr string
	)

	flagSet := pflag.NewFlagSet("elite", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (environment variables override it)")
	flagSet.BoolVar(&servoOn, "servo-on", false, "run the servo-on recovery after connecting")
	flagSet.IntVar(&retries, "retries", 0, "servo-on attempts per step (default from config)")
	flagSet.BoolVar(&monitor, "monitor", false, "poll robot status and print snapshots")
	flagSet.DurationVar(&duration, "duration", 0, "stop monitoring after this long (0 - until interrupted)")
	flagSet.BoolVar(&publish, "kafka", false, "publish monitor snapshots to Kafka")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// 1) Загрузка конфигурации
	if err := godotenv.Load("./.env"); err != nil {
		log.Printf("Warning: Could not load .env file. Using default values or environment variables: %v", err)
	}

	cfg := elite.Load()
	if configPath != "" {
		var err error
		if cfg, err = elite.LoadFile(configPath); err != nil {
			return err
		}
	}
	log.Printf("Конфигурация загружена: IP=%s, Port=%d, Timeout=%dms", cfg.IP, cfg.Port, cfg.TimeoutMs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) Метрики
	metrics := ec.NewMetrics()
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := metrics.Register(registry); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		srv := serveMetrics(metricsAddr, registry)
		defer srv.Close()
	}

	// 3) Подключение
	client, err := elite.New(ctx, cfg, elite.WithClientMetrics(metrics))
	if err != nil {
		return err
	}
	defer client.Close()
	log.Printf("Успешно подключено: %s", client)
	printAsJSON("ConnectionInfo", client.Info())

	// 4) Включение сервоприводов
	if servoOn {
		report, err := client.ServoOn(ctx, retries)
		printAsJSON("RecoveryReport", report)
		if err != nil {
			return err
		}
	}

	if !monitor {
		return nil
	}

	// 5) Мониторинг
	var publisher interfaces.SnapshotPublisher
	if publish {
		producer, err := kafka.NewKafkaProducer(cfg.KafkaBroker, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer producer.Close()
		publisher = producer
	}

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	return watch(ctx, client, publisher)
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
	return srv
}

// printAsJSON выводит данные в формате JSON
func printAsJSON(title string, data interface{}) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.Printf("Ошибка маршалинга JSON для %s: %v", title, err)
		return
	}
	fmt.Printf("--- %s ---\n%s\n", title, string(jsonData))
}
