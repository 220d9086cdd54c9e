package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"artless-topics/internal/docstore"
	"artless-topics/internal/imagehost"

	"github.com/gofiber/fiber/v2"
)

const uploadsCollection = "uploads"

// ErrUpstream wraps failures reaching the image host.
var ErrUpstream = errors.New("image host unavailable")

// Upload records an image that was forwarded to the image host.
type Upload struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	CreatedAt   int64  `json:"createdAt"`
}

type Service struct {
	store    docstore.Store
	uploader imagehost.Uploader
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(store docstore.Store, uploader imagehost.Uploader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, uploader: uploader, now: time.Now, logger: logger}
}

// SaveImage validates data, uploads it and records the hosted URL under uploads/{id}.
func (s *Service) SaveImage(ctx context.Context, userID, filename string, data []byte) (Upload, error) {
	contentType, err := imagehost.Validate(data)
	if err != nil {
		return Upload{}, err
	}
	url, err := s.uploader.Upload(ctx, filename, data)
	if err != nil {
		return Upload{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	id, err := s.store.Push(ctx, uploadsCollection)
	if err != nil {
		return Upload{}, err
	}
	rec := Upload{
		ID:          id,
		UserID:      userID,
		URL:         url,
		ContentType: contentType,
		Size:        len(data),
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.store.Set(ctx, docstore.Path(uploadsCollection, id), rec); err != nil {
		// The image is hosted; only the bookkeeping failed.
		s.logger.Error("record upload", "url", url, "error", err)
		return Upload{}, err
	}
	return rec, nil
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/upload", authMiddleware, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing session")
		}

		header, err := c.FormFile("image")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "image file required")
		}
		if header.Size > imagehost.MaxImageBytes {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, imagehost.ErrTooLarge.Error())
		}
		file, err := header.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, imagehost.MaxImageBytes+1))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		rec, err := svc.SaveImage(c.Context(), userID, header.Filename, data)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"id":  rec.ID,
			"url": rec.URL,
		})
	})
}

func httpError(err error) error {
	var uploadErr *imagehost.UploadError
	switch {
	case errors.Is(err, imagehost.ErrEmptyImage):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, imagehost.ErrTooLarge):
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, imagehost.ErrUnsupportedType):
		return fiber.NewError(fiber.StatusUnsupportedMediaType, err.Error())
	case errors.As(err, &uploadErr), errors.Is(err, ErrUpstream):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
