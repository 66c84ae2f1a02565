package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"google.golang.org/api/option"

	"github.com/arn/sensorboxd/pkg/digest"
	"github.com/arn/sensorboxd/pkg/prefstore"
	"github.com/arn/sensorboxd/pkg/push"
	"github.com/arn/sensorboxd/pkg/server"
	"github.com/arn/sensorboxd/pkg/tsdb"
	"github.com/arn/sensorboxd/pkg/webhook"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr            = ":2112"
	defaultCoAPAddr               = ":5683"
	defaultWebhookAddr            = "127.0.0.1:9096"
	defaultPrefsDir               = "prefs"
	defaultMetricsShutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start metrics server
	var metricsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		server.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		metricsErrCh = startMetricsServer(ctx, log, cfg.MetricsAddr, defaultMetricsShutdownTimeout)
	}

	// Time-series persistence
	influxClient := tsdb.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	defer influxClient.Close()
	if err := tsdb.Ping(ctx, log, influxClient); err != nil {
		return fmt.Errorf("influxdb unreachable at %s: %w", cfg.InfluxURL, err)
	}
	writeAPI := influxClient.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
	go tsdb.LogWriteErrors(ctx, log, writeAPI)

	// Outbound push pipeline
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.FirebaseCredentialsFile))
	if err != nil {
		return fmt.Errorf("failed to initialize firebase: %w", err)
	}
	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("failed to create messaging client: %w", err)
	}
	sender, err := push.NewFCMSender(log, messagingClient)
	if err != nil {
		return err
	}
	queue, err := push.NewQueue(log, sender, push.DefaultCapacity)
	if err != nil {
		return err
	}
	deduper, err := push.NewDeduper(log, queue)
	if err != nil {
		return err
	}

	// Preferences
	prefs, err := prefstore.Open(log, cfg.PrefsDir, cfg.Devices)
	if err != nil {
		return fmt.Errorf("failed to open preference store: %w", err)
	}

	// CoAP ingestion
	coapServer, err := server.New(log, server.Config{
		Devices:      cfg.Devices,
		WriteAPI:     writeAPI,
		Notifier:     deduper,
		Prefs:        prefs,
		Addr:         cfg.CoAPAddr,
		DTLSIdentity: cfg.DTLSIdentity,
		DTLSKey:      cfg.DTLSKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create coap server: %w", err)
	}

	// Daily digest
	daily, err := digest.New(log, digest.Config{
		Querier:   tsdb.NewQuerier(influxClient.QueryAPI(cfg.InfluxOrg)),
		Queue:     queue,
		Bucket:    cfg.InfluxBucket,
		Devices:   cfg.Devices,
		AltitudeM: cfg.AltitudeM,
		Hour:      cfg.DigestHour,
		Minute:    cfg.DigestMinute,
	})
	if err != nil {
		return fmt.Errorf("failed to create daily digest: %w", err)
	}

	// Grafana alert webhook
	hook, err := webhook.NewHandler(log, queue)
	if err != nil {
		return err
	}

	log.Info("starting sensorboxd",
		"devices", cfg.Devices,
		"coap_addr", cfg.CoAPAddr,
		"webhook_addr", cfg.WebhookAddr,
		"influx_url", cfg.InfluxURL,
	)

	queueErrCh := queue.Start(ctx)
	coapErrCh := coapServer.Start(ctx)
	digestErrCh := daily.Start(ctx)
	webhookErrCh := hook.Serve(ctx, cfg.WebhookAddr)

	for {
		select {
		case err, ok := <-queueErrCh:
			if err != nil {
				return fmt.Errorf("push queue error: %w", err)
			}
			if !ok {
				queueErrCh = nil
			}
		case err, ok := <-coapErrCh:
			if err != nil {
				return fmt.Errorf("coap server error: %w", err)
			}
			if !ok {
				coapErrCh = nil
			}
		case err, ok := <-digestErrCh:
			if err != nil {
				return fmt.Errorf("daily digest error: %w", err)
			}
			if !ok {
				digestErrCh = nil
			}
		case err, ok := <-webhookErrCh:
			if err != nil {
				return fmt.Errorf("webhook server error: %w", err)
			}
			if !ok {
				webhookErrCh = nil
			}
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			metricsErrCh = nil
		case <-ctx.Done():
			return nil
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}

func startMetricsServer(ctx context.Context, log *slog.Logger, addr string, shutdownTimeout time.Duration) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Handler: mux}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		err = httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			errCh <- err
		}
	}()

	return errCh
}

// Config holds the application configuration.
type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	// Device configuration
	Devices []string

	// CoAP configuration
	CoAPAddr     string
	DTLSIdentity string
	DTLSKey      string

	// InfluxDB configuration
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Push configuration
	FirebaseCredentialsFile string

	// Preference store
	PrefsDir string

	// Daily digest
	DigestHour   int
	DigestMinute int
	AltitudeM    int

	// Grafana alert webhook
	WebhookAddr string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() (Config, error) {
	// A local .env carries the influx token and firebase credentials path in
	// development; missing is fine.
	_ = godotenv.Load()

	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address for prometheus metrics (env: METRICS_ADDR)")

	// Device configuration
	devicesStr := getenv("DEVICES", "sensorBox")
	flag.StringSliceVar(&cfg.Devices, "devices", strings.Split(devicesStr, ","), "device names to serve resources for (env: DEVICES)")

	// CoAP configuration
	flag.StringVar(&cfg.CoAPAddr, "coap-addr", getenv("COAP_ADDR", defaultCoAPAddr), "coap udp listen address, dtls uses the next port (env: COAP_ADDR)")
	flag.StringVar(&cfg.DTLSIdentity, "dtls-identity", getenv("COAP_DTLS_IDENTITY", ""), "dtls psk identity, empty disables dtls (env: COAP_DTLS_IDENTITY)")
	flag.StringVar(&cfg.DTLSKey, "dtls-key", getenv("COAP_DTLS_PSK", ""), "dtls pre-shared key (env: COAP_DTLS_PSK)")

	// InfluxDB configuration
	flag.StringVar(&cfg.InfluxURL, "influx-url", getenv("INFLUX_URL", "http://localhost:8086"), "influxdb url (env: INFLUX_URL)")
	flag.StringVar(&cfg.InfluxToken, "influx-token", getenv("INFLUX_TOKEN", ""), "influxdb token (env: INFLUX_TOKEN)")
	flag.StringVar(&cfg.InfluxOrg, "influx-org", getenv("INFLUX_ORG", ""), "influxdb organization (env: INFLUX_ORG)")
	flag.StringVar(&cfg.InfluxBucket, "influx-bucket", getenv("INFLUX_BUCKET", "sensorbox"), "influxdb bucket (env: INFLUX_BUCKET)")

	// Push configuration
	flag.StringVar(&cfg.FirebaseCredentialsFile, "firebase-credentials-file", getenv("FIREBASE_CREDENTIALS_FILE", ""), "path to the firebase service account json (env: FIREBASE_CREDENTIALS_FILE)")

	// Preference store
	flag.StringVar(&cfg.PrefsDir, "prefs-dir", getenv("PREFS_DIR", defaultPrefsDir), "directory for persisted device preferences (env: PREFS_DIR)")

	// Daily digest
	flag.IntVar(&cfg.DigestHour, "digest-hour", 8, "hour of day to send the daily digest")
	flag.IntVar(&cfg.DigestMinute, "digest-minute", 30, "minute of the digest hour")
	flag.IntVar(&cfg.AltitudeM, "altitude-m", 0, "station altitude in meters for sea-level pressure reduction")

	// Grafana alert webhook
	flag.StringVar(&cfg.WebhookAddr, "webhook-addr", getenv("WEBHOOK_ADDR", defaultWebhookAddr), "grafana alert webhook listen address (env: WEBHOOK_ADDR)")

	flag.Parse()

	if cfg.InfluxToken == "" {
		return Config{}, errors.New("influx token is required (flag -influx-token or env INFLUX_TOKEN)")
	}
	if cfg.InfluxOrg == "" {
		return Config{}, errors.New("influx organization is required (flag -influx-org or env INFLUX_ORG)")
	}
	if cfg.FirebaseCredentialsFile == "" {
		return Config{}, errors.New("firebase credentials file is required (flag -firebase-credentials-file or env FIREBASE_CREDENTIALS_FILE)")
	}
	return cfg, nil
}
