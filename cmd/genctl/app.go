package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qs3c/lensgen_server/client"
	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/database"
	"github.com/qs3c/lensgen_server/internal/pkg/jwt"
	"github.com/qs3c/lensgen_server/internal/pkg/logger"
)

const requestTimeout = 30 * time.Second

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

type rootFlags struct {
	configPath string
	baseURL    string
	token      string
	noColor    bool
	verbose    bool
}

// app 一次命令执行期间共享的客户端状态
type app struct {
	out    io.Writer
	userID int64
	logger *zap.Logger

	api    *client.APIClient
	mirror *client.TaskMirror
	quota  *client.QuotaCache

	rdb *redis.Client
}

func newRootCmd(out io.Writer, store client.KVStore) *cobra.Command {
	var (
		flags rootFlags
		a     = &app{out: out}
	)

	root := &cobra.Command{
		Use:           "genctl",
		Short:         "Client for the image generation credit service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `genctl reserves credits, records generation results and mirrors
in-flight tasks locally so they survive restarts.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.noColor {
				color.NoColor = true
			}
			return a.init(cmd.Context(), &flags, store)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", getEnvOrDefault("CONFIG_PATH", "config.yaml"), "config file")
	pf.StringVar(&flags.baseURL, "base-url", "", "server base URL (overrides config)")
	pf.StringVar(&flags.token, "token", "", "bearer token (overrides config)")
	pf.BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log cache and storage warnings")

	root.AddCommand(
		newQuotaCmd(a),
		newReserveCmd(a),
		newSlotCmd(a),
		newReleaseCmd(a),
		newUpdateCmd(a),
		newTasksCmd(a),
		newGetCmd(a),
	)

	return root
}

func (a *app) init(ctx context.Context, flags *rootFlags, store client.KVStore) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cc := cfg.Client
	if flags.baseURL != "" {
		cc.BaseURL = flags.baseURL
	}
	if flags.token != "" {
		cc.Token = flags.token
	}
	if cc.Token == "" {
		return errors.New("no token configured, pass --token or set CLIENT_TOKEN")
	}

	a.userID, err = jwt.UserIDFromToken(cc.Token)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	logCfg := cfg.Log
	if !flags.verbose {
		logCfg.Level = "error"
	}
	a.logger, err = logger.New(logCfg)
	if err != nil {
		return err
	}

	if store == nil {
		store = a.openStore(ctx, cfg, cc.StorageNamespace)
	}

	a.api = client.NewAPIClient(cc.BaseURL, cc.Token, &http.Client{Timeout: requestTimeout})
	a.mirror = client.NewTaskMirror(store,
		client.WithStaleAfter(cc.StaleAfter),
		client.WithMaxPersisted(cc.MaxPersisted),
		client.WithMirrorLogger(a.logger.Named("mirror")))
	a.quota = client.NewQuotaCache(
		client.QuotaFetcherFunc(func(ctx context.Context, _ int64) (*client.QuotaSnapshot, error) {
			return a.api.Quota(ctx)
		}),
		client.WithFreshness(cc.QuotaFreshness),
		client.WithQuotaStore(store),
		client.WithQuotaLogger(a.logger.Named("quota")))

	expired, err := a.mirror.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, id := range expired {
		warnColor.Fprintf(a.out, "task %s timed out and was marked failed\n", id)
	}
	return nil
}

// openStore 优先使用 Redis，连不上时退回进程内存储
func (a *app) openStore(ctx context.Context, cfg *config.Config, namespace string) client.KVStore {
	if cfg.Redis.Host == "" {
		return client.NewMemoryStore()
	}
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		a.logger.Warn("redis unavailable, task state will not persist", zap.Error(err))
		return client.NewMemoryStore()
	}
	a.rdb = rdb
	return client.NewRedisStore(rdb, namespace+":"+strconv.FormatInt(a.userID, 10)+":", 0)
}

func (a *app) close() {
	if a.quota != nil {
		a.quota.Wait()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Defaults()
	}
	return config.Load(path)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
