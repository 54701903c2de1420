package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/config"
	"github.com/MarkoPoloResearchLab/creditledger/internal/database"
	"github.com/MarkoPoloResearchLab/creditledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/lock/redislock"
	"github.com/MarkoPoloResearchLab/creditledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL    = "database-url"
	flagAutoMigrate    = "auto-migrate"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagHTTPListenAddr = "http-listen-addr"
	flagRequestTimeout = "request-timeout"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"
	flagAdminUserIDs   = "admin-user-ids"
	flagRedisURL       = "redis-url"
	flagSnowflakeNode  = "snowflake-node"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, v, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, cfg)
		},
	}
	addServeFlags(cmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP servers",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, v, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, cfg)
		},
	}
	addServeFlags(serveCmd)

	cmd.AddCommand(serveCmd)
	cmd.AddCommand(newClientCommands()...)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	defaults := config.Default()
	cmd.Flags().String(flagDatabaseURL, defaults.DatabaseURL, "postgres://, pgx://, sqlite:// or memory:// connection string")
	cmd.Flags().Bool(flagAutoMigrate, false, "create the ledger tables on PostgreSQL at startup")
	cmd.Flags().String(flagGRPCListenAddr, defaults.GRPCListenAddr, "gRPC listen address")
	cmd.Flags().String(flagHTTPListenAddr, "", "HTTP listen address; empty disables the HTTP API")
	cmd.Flags().Duration(flagRequestTimeout, defaults.RequestTimeout, "per-request ledger timeout for HTTP handlers")
	cmd.Flags().String(flagAllowedOrigins, strings.Join(defaults.AllowedOrigins, ","), "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required with the HTTP API)")
	cmd.Flags().String(flagJWTIssuer, defaults.SessionIssuer, "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, defaults.SessionCookieName, "JWT cookie name")
	cmd.Flags().String(flagAdminUserIDs, "", "comma-separated user ids with admin access")
	cmd.Flags().String(flagRedisURL, "", "redis:// URL enabling the cross-process user lock")
	cmd.Flags().Int64(flagSnowflakeNode, defaults.SnowflakeNode, "snowflake node id for transaction ids (0-1023)")
}

func loadServeConfig(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	for _, flagName := range []string{
		flagDatabaseURL, flagAutoMigrate, flagGRPCListenAddr, flagHTTPListenAddr, flagRequestTimeout,
		flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAdminUserIDs,
		flagRedisURL, flagSnowflakeNode,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.AutoMigrate = v.GetBool(flagAutoMigrate)
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.AllowedOrigins = config.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminUserIDs = config.ParseList(v.GetString(flagAdminUserIDs))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.SnowflakeNode = v.GetInt64(flagSnowflakeNode)
	return cfg.Validate()
}

func serve(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runServer(ctx, *cfg)
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	handle, err := database.Open(ctx, cfg.DatabaseURL, database.Options{AutoMigrate: cfg.AutoMigrate}, logger)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = handle.Close() }()

	recorder := metrics.NewRecorder()
	serviceOptions, closeLocker, err := buildServiceOptions(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer closeLocker()

	creditService, err := credits.NewService(handle.Store, func() time.Time { return time.Now().UTC() }, serviceOptions...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.Register(grpcServer, grpcserver.NewCreditServiceServer(creditService))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	httpCtx, cancelHTTP := context.WithCancel(ctx)
	defer cancelHTTP()
	httpDone := make(chan struct{})
	if cfg.HTTPEnabled() {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			grpcServer.Stop()
			return fmt.Errorf("session validator: %w", err)
		}
		router := httpapi.NewRouter(httpapi.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AdminUserIDs:   cfg.AdminUserIDs,
			RequestTimeout: cfg.RequestTimeout,
		}, creditService, validator, recorder, logger)
		go func() {
			defer close(httpDone)
			if serveErr := httpapi.Serve(httpCtx, cfg.HTTPListenAddr, router, logger); serveErr != nil {
				errCh <- serveErr
			}
		}()
	} else {
		close(httpDone)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		<-httpDone
		return nil
	case serveErr := <-errCh:
		cancelHTTP()
		grpcServer.Stop()
		<-httpDone
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func buildServiceOptions(ctx context.Context, cfg config.Config, logger *zap.Logger, recorder *metrics.Recorder) ([]credits.ServiceOption, func(), error) {
	generator, err := credits.NewSnowflakeGenerator(cfg.SnowflakeNode)
	if err != nil {
		return nil, nil, err
	}
	options := []credits.ServiceOption{
		credits.WithIDGenerator(generator),
		credits.WithOperationLogger(oplog.Fanout{oplog.NewZapLogger(logger), recorder}),
	}
	if cfg.RedisURL == "" {
		return options, func() {}, nil
	}
	client, err := redislock.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	locker, err := redislock.New(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("redis user lock enabled")
	return append(options, credits.WithUserLocker(locker)), func() { _ = client.Close() }, nil
}
