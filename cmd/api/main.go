package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/wenwu/saas-platform/compute-service/internal/client"
	"github.com/wenwu/saas-platform/compute-service/internal/clock"
	"github.com/wenwu/saas-platform/compute-service/internal/config"
	"github.com/wenwu/saas-platform/compute-service/internal/db"
	"github.com/wenwu/saas-platform/compute-service/internal/http"
	"github.com/wenwu/saas-platform/compute-service/internal/lock"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-service/internal/repository"
	"github.com/wenwu/saas-platform/compute-service/internal/service"
	"github.com/wenwu/saas-platform/compute-service/internal/shell"
)

func main() {
	log.Println("Starting Compute Service...")

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to read .env: %v", err)
	}

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	catalog, err := config.LoadCatalog(cfg.PlansFile, cfg.Snapshot.DefaultQuota)
	if err != nil {
		log.Fatalf("Failed to load plan catalog: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	pool, err := db.NewPool(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Locks: Redis when several replicas share the database, memory otherwise
	var locker lock.Locker
	if cfg.Redis.Addr != "" {
		rdb, err := lock.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "compute:")
	} else {
		log.Println("REDIS_ADDR not set, using in-process locks (single replica only)")
		locker = lock.NewMemoryLocker()
	}

	// Initialize clients
	var hv client.Hypervisor
	switch cfg.Hypervisor.Driver {
	case "libvirt":
		lv := client.NewLibvirtClient(cfg.Hypervisor.LibvirtSocket, cfg.Hypervisor.StoragePool, cfg.Hypervisor.Network)
		defer lv.Close()
		hv = lv
	default:
		hv = client.NewProxmoxClient(
			cfg.Hypervisor.URL,
			cfg.Hypervisor.TokenID,
			cfg.Hypervisor.TokenSecret,
			cfg.Hypervisor.Node,
			cfg.Hypervisor.BackupStorage,
		)
	}

	tunnelClient := client.NewTunnelClient(cfg.Tunnel.ServiceURL, cfg.Tunnel.APIKey)
	dnsChecker := client.NewDNSChecker(cfg.DNS.Resolver)
	mailer := client.NewMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From)
	if !mailer.Enabled() {
		log.Println("SMTP_HOST not set, notifications will only be logged")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(pool)
	instanceRepo := repository.NewInstanceRepository(pool)
	domainRepo := repository.NewDomainRepository(pool)
	snapshotRepo := repository.NewSnapshotRepository(pool)
	logRepo := repository.NewLogRepository(pool)
	billingRepo := repository.NewBillingRepository(pool)

	// Initialize services
	m := metrics.New()
	clk := clock.Real{}
	notifier := service.NewNotifier(mailer)

	instanceService := service.NewInstanceService(
		cfg,
		catalog,
		instanceRepo,
		userRepo,
		domainRepo,
		logRepo,
		hv,
		tunnelClient,
		locker,
		clk,
		m,
	)
	billingService := service.NewBillingService(
		cfg,
		instanceRepo,
		userRepo,
		domainRepo,
		billingRepo,
		instanceService,
		notifier,
		clk,
		m,
	)
	snapshotService := service.NewSnapshotService(instanceService, snapshotRepo)
	domainService := service.NewDomainService(instanceService, userRepo, domainRepo, tunnelClient, dnsChecker)
	accountService := service.NewAccountService(userRepo, billingService, notifier)

	m.Register(metrics.NewStatusCollector(instanceService.CountByStatus))

	dialer, err := shell.NewSSHDialer(cfg.SSH)
	if err != nil {
		log.Fatalf("Failed to configure SSH: %v", err)
	}
	gateway := shell.NewGateway(dialer, m, cfg.Server.AllowedOrigins)

	// Background loops
	reconciler := service.NewReconciler(instanceService, clk, cfg.Provisioning.PollInterval)
	scheduler := service.NewScheduler(billingService, clk, cfg.Billing.TickInterval, locker, m)
	go reconciler.Run(ctx)
	go scheduler.Run(ctx)

	// Initialize HTTP server
	api := http.NewServer(cfg, http.Services{
		Instances: instanceService,
		Snapshots: snapshotService,
		Domains:   domainService,
		Accounts:  accountService,
		Shell:     gateway,
	}, m, func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})

	srv := &nethttp.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	// 等待进行中的计费和创建任务
	scheduler.Wait()
	instanceService.Wait()
	notifier.Wait()

	log.Println("Server exited")
}
