package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/kvrouting/agent"
	"github.com/couchbase/kvrouting/kvmux"
	"github.com/couchbase/kvrouting/pkg/buildversion"
	"github.com/couchbase/kvrouting/pkg/webapi"
	"github.com/couchbase/kvrouting/topology"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/kvrouting")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "kvrouting",
	Short: "Inspect and exercise Couchbase key-value routing",

	SilenceUsage: true,
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("connstr", "couchbase://localhost", "the couchbase connection string")
	configFlags.String("bucket", "default", "the bucket to route requests for")
	configFlags.String("cb-user", "Administrator", "the couchbase server username")
	configFlags.String("cb-pass", "password", "the couchbase server password")
	configFlags.String("network", "", "the network type to use (default, external or auto)")
	configFlags.String("ca-cert", "", "path to a ca certificate used to verify the cluster")
	configFlags.Bool("tls-skip-verify", false, "skip verification of the cluster certificates")
	configFlags.Int("pool-size", kvmux.DefaultPoolSize, "the number of connections to each node")
	configFlags.Int("queue-size", kvmux.DefaultQueueSize, "the maximum number of requests queued for each node")
	configFlags.Duration("poll-period", kvmux.DefaultCCCPPollPeriod, "how often to poll for new cluster configs")
	configFlags.Duration("timeout", 10*time.Second, "the timeout for bootstrapping and for each operation")
	configFlags.String("format", "json", "the output format (json or yaml)")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", -1, "the web metrics/health port, -1 to disable")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send metrics to")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("kvr")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(watchCmd, locateCmd, getCmd, setCmd, mockNodeCmd)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	// stdout carries command output, logs go to stderr
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableMetrics bool,
) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("couchbase-kvrouting"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	if !enableMetrics || otlpEndpoint == "" {
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		), nil
	}

	metricExp, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(otlpEndpoint))
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				metricExp,
			),
		),
	), nil
}

type config struct {
	logLevelStr        string
	connStr            string
	bucket             string
	cbUser             string
	cbPass             string
	network            string
	caCertPath         string
	tlsSkipVerify      bool
	poolSize           int
	queueSize          int
	pollPeriod         time.Duration
	timeout            time.Duration
	format             string
	bindAddress        string
	webPort            int
	otlpEndpoint       string
	disableOtlpMetrics bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		connStr:            viper.GetString("connstr"),
		bucket:             viper.GetString("bucket"),
		cbUser:             viper.GetString("cb-user"),
		cbPass:             viper.GetString("cb-pass"),
		network:            viper.GetString("network"),
		caCertPath:         viper.GetString("ca-cert"),
		tlsSkipVerify:      viper.GetBool("tls-skip-verify"),
		poolSize:           viper.GetInt("pool-size"),
		queueSize:          viper.GetInt("queue-size"),
		pollPeriod:         viper.GetDuration("poll-period"),
		timeout:            viper.GetDuration("timeout"),
		format:             viper.GetString("format"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
	}

	logger.Debug("parsed kvrouting configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("connStr", config.connStr),
		zap.String("bucket", config.bucket),
		zap.String("cbUser", config.cbUser),
		zap.String("network", config.network),
		zap.String("caCertPath", config.caCertPath),
		zap.Bool("tlsSkipVerify", config.tlsSkipVerify),
		zap.Int("poolSize", config.poolSize),
		zap.Int("queueSize", config.queueSize),
		zap.Duration("pollPeriod", config.pollPeriod),
		zap.Duration("timeout", config.timeout),
		zap.String("format", config.format),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics))

	return config
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		return zapcore.InfoLevel
	}
	return parsedLogLevel
}

// agentRouting lets the web server come up before the agent exists.
type agentRouting struct {
	agent atomic.Pointer[agent.Agent]
}

func (r *agentRouting) Set(a *agent.Agent) {
	r.agent.Store(a)
}

func (r *agentRouting) RouteConfig() *topology.RouteConfig {
	a := r.agent.Load()
	if a == nil {
		return nil
	}
	return a.RouteConfig()
}

var routingProvider = &agentRouting{}

// cliEnv is the state shared by every subcommand once flags and config
// files have been read.
type cliEnv struct {
	logLevel      zap.AtomicLevel
	logger        *zap.Logger
	config        *config
	meterProvider *sdkmetric.MeterProvider

	configLock sync.Mutex
	onReload   []func(oldConfig, newConfig *config)
}

func setupEnv() (*cliEnv, error) {
	logLevel, logger := getLogger()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load specified config file")
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	meterProvider, err := initTelemetry(context.Background(),
		logger,
		config.otlpEndpoint,
		!config.disableOtlpMetrics)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize opentelemetry metrics")
	}
	otel.SetMeterProvider(meterProvider)

	env := &cliEnv{
		logLevel:      logLevel,
		logger:        logger,
		config:        config,
		meterProvider: meterProvider,
	}

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			env.reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	if config.webPort != -1 {
		webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
		logger.Info("starting web server", zap.String("address", webListenAddress))
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger,
			LogLevel:      &env.logLevel,
			ListenAddress: webListenAddress,
			Routing:       routingProvider,
		})
	}

	return env, nil
}

// OnReload registers a callback for configuration reloads.
func (e *cliEnv) OnReload(fn func(oldConfig, newConfig *config)) {
	e.configLock.Lock()
	e.onReload = append(e.onReload, fn)
	e.configLock.Unlock()
}

func (e *cliEnv) reloadConfiguration() {
	e.configLock.Lock()
	defer e.configLock.Unlock()

	err := viper.ReadInConfig()
	if err != nil {
		e.logger.Warn("failed to parse configuration file",
			zap.Error(err))
	}

	newConfig := readConfig(e.logger)
	config := e.config

	if newConfig.connStr != config.connStr ||
		newConfig.bucket != config.bucket ||
		newConfig.cbUser != config.cbUser ||
		newConfig.cbPass != config.cbPass {
		e.logger.Warn("config changes for connStr, bucket, cbUser, or cbPass require a restart")
	}

	if newConfig.poolSize != config.poolSize ||
		newConfig.queueSize != config.queueSize {
		e.logger.Warn("config changes for poolSize or queueSize require a restart")
	}

	if newConfig.bindAddress != config.bindAddress ||
		newConfig.webPort != config.webPort ||
		newConfig.otlpEndpoint != config.otlpEndpoint ||
		newConfig.disableOtlpMetrics != config.disableOtlpMetrics {
		e.logger.Warn("config changes for bindAddress, webPort, otlpEndpoint, or disableOtlpMetrics require a restart")
	}

	if newConfig.logLevelStr != config.logLevelStr {
		newParsedLogLevel := parseLogLevel(e.logger, newConfig.logLevelStr)
		e.logLevel.SetLevel(newParsedLogLevel)

		e.logger.Info("updated log level",
			zap.String("newLevel", newParsedLogLevel.String()))
	}

	for _, fn := range e.onReload {
		fn(config, newConfig)
	}

	e.config = newConfig
}

func (e *cliEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.meterProvider.Shutdown(ctx)
	if err != nil {
		e.logger.Debug("failed to shut down meter provider", zap.Error(err))
	}

	_ = e.logger.Sync()
}

func (e *cliEnv) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: e.config.tlsSkipVerify,
	}

	if e.config.caCertPath != "" {
		caPem, err := os.ReadFile(e.config.caCertPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read ca certificate")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPem) {
			return nil, errors.New("no certificates found in ca certificate file")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// newAgent bootstraps against the configured cluster and waits until keys
// can be routed.
func (e *cliEnv) newAgent(ctx context.Context) (*agent.Agent, error) {
	tlsConfig, err := e.tlsConfig()
	if err != nil {
		return nil, err
	}

	a, err := agent.New(&agent.AgentOptions{
		Logger:         e.logger,
		ConnStr:        e.config.connStr,
		BucketName:     e.config.bucket,
		Username:       e.config.cbUser,
		Password:       e.config.cbPass,
		TLSConfig:      tlsConfig,
		NetworkType:    e.config.network,
		ClientName:     "kvrouting/" + buildVersion,
		ConnectTimeout: e.config.timeout,
		HelloFeatures:  kvmux.DefaultHelloFeatures,
		PoolSize:       e.config.poolSize,
		QueueSize:      e.config.queueSize,
		CCCPPollPeriod: e.config.pollPeriod,
		HttpPollPeriod: e.config.pollPeriod,
	})
	if err != nil {
		return nil, err
	}

	routingProvider.Set(a)

	e.OnReload(func(oldConfig, newConfig *config) {
		if newConfig.pollPeriod != oldConfig.pollPeriod {
			a.SetPollPeriod(newConfig.pollPeriod)
			e.logger.Info("updated poll period",
				zap.Duration("newPollPeriod", newConfig.pollPeriod))
		}
	})

	readyCtx, cancel := context.WithTimeout(ctx, e.config.timeout)
	defer cancel()

	_, err = a.WaitUntilReady(readyCtx)
	if err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "failed to receive a routable config")
	}

	return a, nil
}

func writeOutput(out io.Writer, format string, value interface{}) error {
	var data []byte
	var err error
	switch format {
	case "yaml":
		data, err = yaml.Marshal(value)
	case "json", "":
		data, err = json.MarshalIndent(value, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	default:
		return errors.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return err
	}

	_, err = out.Write(data)
	return err
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
