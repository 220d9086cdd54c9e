package posts

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AuthorLookup resolves the profile of the session user.
type AuthorLookup func(ctx context.Context, userID string) (Author, error)

func RegisterRoutes(r fiber.Router, svc *Service, authors AuthorLookup, authMiddleware fiber.Handler) {
	r.Get("/", func(c *fiber.Ctx) error {
		posts, err := svc.GetAllPosts(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(posts)
	})

	r.Get("/leaderboard", func(c *fiber.Ctx) error {
		posts, err := svc.GetCurrentMonthPosts(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(posts)
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		post, err := svc.GetPost(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(post)
	})

	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := sessionUser(c)
		if err != nil {
			return err
		}
		var body struct {
			ImageURL string `json:"imageUrl"`
			Caption  string `json:"caption"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		body.Caption = strings.TrimSpace(body.Caption)
		if body.Caption == "" || !validImageURL(body.ImageURL) {
			return fiber.NewError(fiber.StatusBadRequest, "imageUrl and caption required")
		}

		author, err := authors(c.Context(), userID)
		if errors.Is(err, ErrUnknownAuthor) {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		post, err := svc.CreatePost(c.Context(), author, body.ImageURL, body.Caption)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(post)
	})

	r.Patch("/:id", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := sessionUser(c)
		if err != nil {
			return err
		}
		var patch PostPatch
		if err := c.BodyParser(&patch); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if patch.Empty() {
			return fiber.NewError(fiber.StatusBadRequest, "caption or imageUrl required")
		}
		if patch.Caption != nil && strings.TrimSpace(*patch.Caption) == "" {
			return fiber.NewError(fiber.StatusBadRequest, "caption must not be empty")
		}
		if patch.ImageURL != nil && !validImageURL(*patch.ImageURL) {
			return fiber.NewError(fiber.StatusBadRequest, "imageUrl invalid")
		}

		id := c.Params("id")
		if err := ensureOwner(c.Context(), svc, id, userID); err != nil {
			return httpError(err)
		}
		if err := svc.UpdatePost(c.Context(), id, patch); err != nil {
			return httpError(err)
		}
		post, err := svc.GetPost(c.Context(), id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(post)
	})

	r.Delete("/:id", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := sessionUser(c)
		if err != nil {
			return err
		}
		id := c.Params("id")
		if err := ensureOwner(c.Context(), svc, id, userID); err != nil {
			return httpError(err)
		}
		if err := svc.DeletePost(c.Context(), id); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/:id/like", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := sessionUser(c)
		if err != nil {
			return err
		}
		result, err := svc.LikePost(c.Context(), c.Params("id"), userID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(result)
	})

	r.Get("/:id/like", authMiddleware, func(c *fiber.Ctx) error {
		userID, err := sessionUser(c)
		if err != nil {
			return err
		}
		liked, err := svc.CheckIfUserLikedPost(c.Context(), c.Params("id"), userID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(fiber.Map{"postId": c.Params("id"), "liked": liked})
	})
}

// RegisterUserRoutes mounts the per-user views under a /users group.
func RegisterUserRoutes(r fiber.Router, svc *Service) {
	r.Get("/:id/posts", func(c *fiber.Ctx) error {
		posts, err := svc.GetUserPosts(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(posts)
	})

	r.Get("/:id/likes", func(c *fiber.Ctx) error {
		posts, err := svc.GetUserLikedPosts(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(posts)
	})
}

func ensureOwner(ctx context.Context, svc *Service, postID, userID string) error {
	post, err := svc.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func sessionUser(c *fiber.Ctx) (string, error) {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "missing session")
	}
	return userID, nil
}

func validImageURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
