package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	commandsapp "fleet-dispatch/internal/commands/application"
	commandsevents "fleet-dispatch/internal/commands/application/events"
	commandsrepo "fleet-dispatch/internal/commands/infrastructure/postgres"
	commandsinterfaces "fleet-dispatch/internal/commands/interfaces"
	deliveryapp "fleet-dispatch/internal/delivery/application"
	deliveryrepo "fleet-dispatch/internal/delivery/infrastructure/postgres"
	deliveryinterfaces "fleet-dispatch/internal/delivery/interfaces"
	"fleet-dispatch/internal/enrollment"
	"fleet-dispatch/internal/eventing"
	"fleet-dispatch/internal/eventing/eventbus"
	eventingrepo "fleet-dispatch/internal/eventing/infrastructure/postgres"
	fleetapp "fleet-dispatch/internal/fleet/application"
	fleetevents "fleet-dispatch/internal/fleet/application/events"
	fleet "fleet-dispatch/internal/fleet/domain"
	fleetrepo "fleet-dispatch/internal/fleet/infrastructure/postgres"
	geofenceapp "fleet-dispatch/internal/geofence/application"
	geofenceevents "fleet-dispatch/internal/geofence/application/events"
	geofence "fleet-dispatch/internal/geofence/domain"
	geofencerepo "fleet-dispatch/internal/geofence/infrastructure/postgres"
	geofenceredis "fleet-dispatch/internal/geofence/infrastructure/redis"
	"fleet-dispatch/internal/observability/metrics"
	"fleet-dispatch/internal/reporting"
	schedapp "fleet-dispatch/internal/scheduling/application"
	schedevents "fleet-dispatch/internal/scheduling/application/events"
	schedrepo "fleet-dispatch/internal/scheduling/infrastructure/postgres"
	schedinterfaces "fleet-dispatch/internal/scheduling/interfaces"
	mqtttransport "fleet-dispatch/internal/transport/mqtt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("redis ping error: %v", err)
		}
		defer redisClient.Close()
	}

	// Eventing: outbox-backed publisher over the in-process bus.
	baseBus := eventbus.NewInMemoryBus()
	codec := eventing.NewCodec()
	eventing.RegisterEvent[commandsevents.CommandQueued](codec)
	eventing.RegisterEvent[commandsevents.CommandSent](codec)
	eventing.RegisterEvent[commandsevents.CommandAcknowledged](codec)
	eventing.RegisterEvent[commandsevents.CommandCompleted](codec)
	eventing.RegisterEvent[commandsevents.CommandFailed](codec)
	eventing.RegisterEvent[commandsevents.CommandCancelled](codec)
	eventing.RegisterEvent[fleetevents.DeviceEnrolled](codec)
	eventing.RegisterEvent[fleetevents.DeviceStatusChanged](codec)
	eventing.RegisterEvent[geofenceevents.ZoneEntered](codec)
	eventing.RegisterEvent[geofenceevents.ZoneExited](codec)
	eventing.RegisterEvent[schedevents.TaskCompleted](codec)
	eventing.RegisterEvent[schedevents.TaskFailed](codec)

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, codec, dlqStore, eventing.WithDispatchLogger(logger))
	publisher := eventing.NewPublisher(outboxStore, dispatcher, baseBus)

	// Delivery engines.
	deliveryCfg, err := deliveryapp.LoadConfig()
	if err != nil {
		logger.Fatalf("delivery config error: %v", err)
	}
	webhookRepo := deliveryrepo.NewWebhookRepository(db)
	queueRepo := deliveryrepo.NewQueueRepository(db)

	webhookOpts := []deliveryapp.WebhookOption{
		deliveryapp.WithRetryPolicy(deliveryCfg.WebhookRetryPolicy()),
		deliveryapp.WithAttemptTimeout(deliveryCfg.WebhookTimeout),
	}
	if deliveryCfg.WebhookSigningSecret != "" {
		webhookOpts = append(webhookOpts, deliveryapp.WithSigningSecret([]byte(deliveryCfg.WebhookSigningSecret)))
	}
	webhookEngine, err := deliveryapp.NewWebhookEngine(webhookRepo, webhookRepo, logger, webhookOpts...)
	if err != nil {
		logger.Fatalf("webhook engine error: %v", err)
	}

	pushTransport, err := mqtttransport.NewTransport(mqtttransport.Config{
		BrokerURL:   cfg.MQTTBrokerURL,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		QoS:         cfg.MQTTQoS,
		TopicPrefix: cfg.MQTTTopicPrefix,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt transport error: %v", err)
	}
	defer pushTransport.Close()

	pushEngine, err := deliveryapp.NewPushEngine(queueRepo, pushTransport, logger,
		deliveryapp.WithPushRetryPolicy(deliveryCfg.PushRetryPolicy()),
		deliveryapp.WithMessageTTL(deliveryCfg.MessageTTL),
	)
	if err != nil {
		logger.Fatalf("push engine error: %v", err)
	}

	// Command lifecycle.
	commandRepo := commandsrepo.NewCommandRepository(db)
	commandService, err := commandsapp.NewService(commandRepo, publisher)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}
	pushConsumer, err := commandsinterfaces.NewPushConsumer(commandService, pushEngine, logger)
	if err != nil {
		logger.Fatalf("push consumer error: %v", err)
	}
	eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandQueued](), "command.push", pushConsumer.HandleCommandQueued, processedStore)

	// Webhook fan-out for every published domain event.
	eventConsumer, err := deliveryinterfaces.NewEventConsumer(webhookEngine, logger)
	if err != nil {
		logger.Fatalf("event consumer error: %v", err)
	}
	for eventType, wireName := range deliveryinterfaces.WebhookEventNames() {
		eventing.Subscribe(baseBus, eventType, "webhooks."+wireName, eventConsumer.Handle, processedStore)
	}

	// Geofence.
	deviceRepo := fleetrepo.NewDeviceRepository(db)
	zoneRepo := geofencerepo.NewZoneRepository(db)
	var stateRepo geofence.StateRepository = geofencerepo.NewStateRepository(db)

	var overrideStore geofenceapp.OverrideStore = newMemoryOverrideStore()
	var engineOpts []geofenceapp.EngineOption
	if redisClient != nil {
		cache, err := geofenceredis.NewStateCache(redisClient, stateRepo, 5*time.Minute)
		if err != nil {
			logger.Fatalf("state cache error: %v", err)
		}
		stateRepo = cache
		store, err := geofenceredis.NewOverrideStore(redisClient)
		if err != nil {
			logger.Fatalf("override store error: %v", err)
		}
		overrideStore = store
		locker, err := geofenceredis.NewLocker(redisClient)
		if err != nil {
			logger.Fatalf("redis locker error: %v", err)
		}
		engineOpts = append(engineOpts, geofenceapp.WithLocker(locker))
	}
	policyManager, err := geofenceapp.NewPolicyManager(devicePolicyAdapter{repo: deviceRepo}, devicePolicyAdapter{repo: deviceRepo}, overrideStore)
	if err != nil {
		logger.Fatalf("policy manager error: %v", err)
	}
	actionRunner := geofenceapp.NewActionRunner(geofenceapp.ActionDeps{
		Commands: commandService,
		Push:     pushEngine,
		Webhooks: webhookEngine,
		Policies: policyManager,
	}, logger)
	engineOpts = append(engineOpts, geofenceapp.WithPolicyOverrider(policyManager))
	geoEngine, err := geofenceapp.NewEngine(zoneRepo, stateRepo, actionRunner, publisher, logger, engineOpts...)
	if err != nil {
		logger.Fatalf("geofence engine error: %v", err)
	}

	// Fleet: enrollment, heartbeats, status.
	issuer, err := enrollment.NewCredentialIssuer([]byte(cfg.CredentialSecret), cfg.CredentialTTL)
	if err != nil {
		logger.Fatalf("credential issuer error: %v", err)
	}
	fleetService, err := fleetapp.NewService(deviceRepo, publisher, []byte(cfg.EnrollmentSecret), issuer, logger,
		fleetapp.WithCommandLister(commandService),
		fleetapp.WithLocationEvaluator(locationAdapter{engine: geoEngine}),
	)
	if err != nil {
		logger.Fatalf("fleet service error: %v", err)
	}

	// Device uplink over MQTT.
	uplink, err := mqtttransport.NewUplink(pushTransport, fleetService, commandService, logger)
	if err != nil {
		logger.Fatalf("mqtt uplink error: %v", err)
	}
	go func() {
		if err := pushTransport.Connect(ctx, time.Second, 30*time.Second); err != nil {
			logger.Printf("mqtt connect aborted: %v", err)
			return
		}
		if err := uplink.Subscribe(); err != nil {
			logger.Printf("mqtt uplink subscribe error: %v", err)
		}
	}()

	// Scheduling.
	taskRepo := schedrepo.NewTaskRepository(db)
	taskRunner, err := schedinterfaces.NewCommandTaskRunner(commandService, deviceRepo, logger)
	if err != nil {
		logger.Fatalf("task runner error: %v", err)
	}
	scheduleRunner, err := schedapp.NewRunner(taskRepo, taskRunner, publisher, logger)
	if err != nil {
		logger.Fatalf("schedule runner error: %v", err)
	}
	go scheduleRunner.Start(ctx)

	// Background workers: outbox drain, push retry, expiry sweep.
	go runEvery(ctx, 2*time.Second, func(tickCtx context.Context) {
		if err := dispatcher.Dispatch(tickCtx, 100); err != nil {
			logger.Printf("outbox dispatch error: %v", err)
		}
	})
	go runEvery(ctx, 15*time.Second, func(tickCtx context.Context) {
		if _, err := pushEngine.ProcessDue(tickCtx, 50); err != nil {
			logger.Printf("push retry error: %v", err)
		}
	})
	go runEvery(ctx, time.Minute, func(tickCtx context.Context) {
		if count, err := pushEngine.ExpireOld(tickCtx); err != nil {
			logger.Printf("message expiry error: %v", err)
		} else if count > 0 {
			logger.Printf("expired %d stale messages", count)
		}
	})
	go runEvery(ctx, 5*time.Minute, func(tickCtx context.Context) {
		if count, err := commandService.FailStale(tickCtx, cfg.CommandTimeout, 100); err != nil {
			logger.Printf("command timeout sweep error: %v", err)
		} else if count > 0 {
			logger.Printf("timed out %d unanswered commands", count)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/reports/dispatch", dispatchReportHandler(func(reqCtx context.Context, from, to time.Time) (*reporting.DispatchReport, error) {
		return reporting.BuildDispatchReport(reqCtx, db, from, to)
	}, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http server error: %v", err)
	}
}

func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

type config struct {
	DatabaseURL      string
	HTTPAddr         string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	MQTTBrokerURL    string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTQoS          byte
	MQTTTopicPrefix  string
	EnrollmentSecret string
	CredentialSecret string
	CredentialTTL    time.Duration
	CommandTimeout   time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		RedisAddr:        getenvDefault("REDIS_ADDR", ""),
		RedisPassword:    getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:          getenvIntDefault("REDIS_DB", 0),
		MQTTBrokerURL:    getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:     getenvDefault("MQTT_CLIENT_ID", "fleet-dispatch"),
		MQTTUsername:     getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:     getenvDefault("MQTT_PASSWORD", ""),
		MQTTQoS:          byte(getenvIntDefault("MQTT_QOS", 1)),
		MQTTTopicPrefix:  getenvDefault("MQTT_TOPIC_PREFIX", "fleet/devices"),
		EnrollmentSecret: getenvDefault("ENROLLMENT_SECRET", ""),
		CredentialSecret: getenvDefault("CREDENTIAL_SECRET", getenvDefault("JWT_SECRET", "")),
		CredentialTTL:    getenvDuration("CREDENTIAL_TTL", 24*time.Hour),
		CommandTimeout:   getenvDuration("COMMAND_TIMEOUT", time.Hour),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.MQTTBrokerURL == "" {
		log.Fatal("MQTT_BROKER_URL is required")
	}
	if cfg.EnrollmentSecret == "" {
		log.Fatal("ENROLLMENT_SECRET is required")
	}
	if cfg.CredentialSecret == "" {
		log.Fatal("CREDENTIAL_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// ---- Adapters ----

type locationAdapter struct {
	engine *geofenceapp.Engine
}

func (a locationAdapter) Evaluate(ctx context.Context, deviceID string, loc fleet.Location) error {
	at := loc.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return a.engine.Evaluate(ctx, deviceID, geofence.Point{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	}, at)
}

type devicePolicyAdapter struct {
	repo *fleetrepo.DeviceRepository
}

func (a devicePolicyAdapter) AssignPolicy(ctx context.Context, deviceID, policyID string) error {
	return a.repo.UpdatePolicy(ctx, deviceID, policyID)
}

func (a devicePolicyAdapter) CurrentPolicy(ctx context.Context, deviceID string) (string, error) {
	device, err := a.repo.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return device.PolicyID, nil
}

// memoryOverrideStore backs policy overrides in single-process deployments
// without Redis.
type memoryOverrideStore struct {
	mu   sync.Mutex
	base map[string]string
}

func newMemoryOverrideStore() *memoryOverrideStore {
	return &memoryOverrideStore{base: make(map[string]string)}
}

func (s *memoryOverrideStore) Remember(_ context.Context, deviceID, basePolicyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.base[deviceID]; !ok {
		s.base[deviceID] = basePolicyID
	}
	return nil
}

func (s *memoryOverrideStore) Recall(_ context.Context, deviceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, ok := s.base[deviceID]
	return base, ok, nil
}

func (s *memoryOverrideStore) Forget(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.base, deviceID)
	return nil
}
