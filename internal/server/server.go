package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"artless-topics/internal/auth"
	"artless-topics/internal/config"
	"artless-topics/internal/docstore"
	"artless-topics/internal/imagehost"
	"artless-topics/internal/posts"
	"artless-topics/internal/storage"
	"artless-topics/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// bodyLimit leaves room for multipart framing around a maximum size image.
const bodyLimit = imagehost.MaxImageBytes + 1<<20

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	Store  docstore.Store
	Redis  *redis.Client
	Stream *stream.Hub
	Logger *slog.Logger
}

func NewServer(cfg config.Config, store docstore.Store, redisClient *redis.Client, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	app := fiber.New(fiber.Config{BodyLimit: bodyLimit})
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		Store:  store,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, log),
		Logger: log,
	}

	registerRoutes(s)
	return s
}

// Close releases the realtime hub's redis subscription.
func (s *Server) Close() {
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	postSvc := posts.NewService(s.Store, s.Stream, s.Cfg.Location(), s.Logger.With("component", "posts"))
	authSvc := auth.NewService(s.Cfg.JWTSecret, s.Store, postSvc, s.Logger.With("component", "auth"))
	uploader := imagehost.NewClient(s.Cfg.ImageHostURL, s.Cfg.ImageHostAPIKey, s.Cfg.ImageHostTimeout)
	storageSvc := storage.NewService(s.Store, uploader, s.Logger.With("component", "storage"))

	users := s.App.Group("/users")

	auth.RegisterRoutes(s.App.Group("/auth"), authSvc)
	auth.RegisterProfileRoutes(users, authSvc, jwtMiddleware)
	posts.RegisterRoutes(s.App.Group("/posts"), postSvc, authorLookup(authSvc), jwtMiddleware)
	posts.RegisterUserRoutes(users, postSvc)
	storage.RegisterRoutes(s.App.Group("/storage"), storageSvc, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

func authorLookup(svc *auth.Service) posts.AuthorLookup {
	return func(ctx context.Context, userID string) (posts.Author, error) {
		user, err := svc.Me(ctx, userID)
		if errors.Is(err, auth.ErrUserNotFound) {
			return posts.Author{}, fmt.Errorf("%w: %s", posts.ErrUnknownAuthor, userID)
		}
		if err != nil {
			return posts.Author{}, err
		}
		return posts.Author{UserID: user.UID, Username: user.Username, PhotoURL: user.PhotoURL}, nil
	}
}
