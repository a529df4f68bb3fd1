package main

import (
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/config"
	"parking-gate-service/internal/db"
	httpapi "parking-gate-service/internal/http"
	"parking-gate-service/internal/imagestore"
	"parking-gate-service/internal/metrics"
	"parking-gate-service/internal/recognizer"
	"parking-gate-service/internal/repository"
	"parking-gate-service/internal/service"
)

func main() {
	// Optional .env for local development; real deployments use env vars.
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	gdb, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Long-lived collaborator clients, created once and reused across
	// invocations.
	redisClient := imagestore.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if redisClient == nil {
		log.Warn().Str("addr", cfg.Redis.Addr).Msg("redis unavailable, debug image storage disabled")
	}
	images := imagestore.NewImageStore(redisClient, cfg.ImageStore.Bucket, cfg.ImageStore.PublicBaseURL, log.With().Str("component", "imagestore").Logger())

	ocr := recognizer.NewTextRecognizer(cfg.Recognizer.Endpoint, cfg.Recognizer.Timeout, log.With().Str("component", "recognizer").Logger())

	sink := metrics.NewEmitter(cfg.AMQP.URL, cfg.Metrics.Namespace, log.With().Str("component", "metrics").Logger())

	repo := repository.NewParkingRepository(gdb)
	gateService := service.NewGateService(repo, ocr, images, sink, service.Options{
		LotID:       cfg.Parking.LotID,
		MaxSpots:    cfg.Parking.MaxSpots,
		DebugImages: cfg.ImageStore.DebugImages,
	}, log.With().Str("component", "service").Logger())

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpapi.RequestLogger(log.With().Str("component", "http").Logger()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.HTTP.CORSOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Parking-Action", "X-Body-Base64", "X-Request-ID"},
	}))

	handler := httpapi.NewHandler(gateService, cfg, log.With().Str("component", "handler").Logger())
	handler.Register(r, httpapi.Auth(cfg.Auth.JWTSecret))

	log.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("lot_id", cfg.Parking.LotID).
		Int("max_spots", cfg.Parking.MaxSpots).
		Msg("parking gate service listening")

	if err := r.Run(cfg.HTTP.Addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
