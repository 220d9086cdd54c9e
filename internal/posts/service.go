package posts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"artless-topics/internal/docstore"
)

const (
	EventPostCreated = "post.created"
	EventPostUpdated = "post.updated"
	EventPostDeleted = "post.deleted"
	EventPostLiked   = "post.liked"
	EventPostUnliked = "post.unliked"
)

// Publisher receives change notifications. Implementations must not block.
type Publisher interface {
	Publish(topic string, payload any)
}

type Service struct {
	store  docstore.Store
	events Publisher
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

func NewService(store docstore.Store, events Publisher, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		events: events,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
}

func (s *Service) CreatePost(ctx context.Context, author Author, imageURL, caption string) (Post, error) {
	id, err := s.store.Push(ctx, postsCollection)
	if err != nil {
		return Post{}, err
	}

	now := s.now().In(s.loc)
	post := Post{
		ID:           id,
		ImageURL:     imageURL,
		Caption:      caption,
		UserID:       author.UserID,
		Username:     author.Username,
		UserPhotoURL: author.PhotoURL,
		CreatedAt:    now.UnixMilli(),
		Likes:        0,
		Month:        now.Format("January"),
		Year:         now.Format("2006"),
	}
	if err := s.store.Set(ctx, docstore.Path(postsCollection, id), post); err != nil {
		return Post{}, err
	}

	s.publish(EventPostCreated, post)
	return post, nil
}

func (s *Service) GetPost(ctx context.Context, postID string) (Post, error) {
	path := docstore.Path(postsCollection, postID)
	raw, err := s.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return Post{}, &NotFoundError{PostID: postID}
	}
	if err != nil {
		return Post{}, err
	}
	return decodePost(path, raw)
}

// UpdatePost merges the supplied fields into an existing post. Ownership is
// checked by the caller.
func (s *Service) UpdatePost(ctx context.Context, postID string, patch PostPatch) error {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}

	updates := map[string]any{}
	if patch.Caption != nil {
		updates[docstore.Path(postsCollection, postID, "caption")] = *patch.Caption
	}
	if patch.ImageURL != nil {
		updates[docstore.Path(postsCollection, postID, "imageUrl")] = *patch.ImageURL
	}
	if err := s.store.Update(ctx, updates); err != nil {
		return err
	}

	s.publish(EventPostUpdated, map[string]any{"id": postID, "patch": patch})
	return nil
}

// DeletePost removes the post and then every like that references it. The two
// phases are separate writes: if the second fails the likes are left behind.
func (s *Service) DeletePost(ctx context.Context, postID string) error {
	if err := s.store.Delete(ctx, docstore.Path(postsCollection, postID)); err != nil {
		return err
	}
	s.publish(EventPostDeleted, map[string]string{"id": postID})

	if err := s.deleteLikesOf(ctx, postID); err != nil {
		s.logger.Error("post deleted but likes were not cleaned up",
			"post_id", postID,
			"error", err)
		return err
	}
	return nil
}

func (s *Service) deleteLikesOf(ctx context.Context, postID string) error {
	likes, err := s.store.List(ctx, likesCollection)
	if err != nil {
		return err
	}

	prefix := postID + likeSeparator
	updates := map[string]any{}
	for _, doc := range likes {
		if strings.HasPrefix(doc.Key, prefix) {
			updates[docstore.Path(likesCollection, doc.Key)] = nil
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return s.store.Update(ctx, updates)
}

// GetAllPosts returns every post, newest first.
func (s *Service) GetAllPosts(ctx context.Context) ([]Post, error) {
	posts, err := s.listPosts(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sortNewestFirst(posts), nil
}

// GetCurrentMonthPosts returns the posts created in the current calendar month,
// most liked first.
func (s *Service) GetCurrentMonthPosts(ctx context.Context) ([]Post, error) {
	now := s.now().In(s.loc)
	month, year := now.Format("January"), now.Format("2006")

	posts, err := s.listPosts(ctx, func(p Post) bool {
		return p.Month == month && p.Year == year
	})
	if err != nil {
		return nil, err
	}
	return sortMostLiked(posts), nil
}

func (s *Service) GetUserPosts(ctx context.Context, userID string) ([]Post, error) {
	posts, err := s.listPosts(ctx, func(p Post) bool { return p.UserID == userID })
	if err != nil {
		return nil, err
	}
	return sortNewestFirst(posts), nil
}

// GetUserLikedPosts returns the posts a user likes in like-record order.
// Likes whose post no longer exists are skipped.
func (s *Service) GetUserLikedPosts(ctx context.Context, userID string) ([]Post, error) {
	docs, err := s.store.List(ctx, likesCollection)
	if err != nil {
		return nil, err
	}

	var postIDs []string
	for _, doc := range docs {
		like, err := decodeLike(docstore.Path(likesCollection, doc.Key), doc.Value)
		if err != nil {
			return nil, err
		}
		if like.UserID == userID {
			postIDs = append(postIDs, like.PostID)
		}
	}

	liked := make([]Post, 0, len(postIDs))
	for _, id := range postIDs {
		post, err := s.GetPost(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("skipping like of missing post", "post_id", id, "user_id", userID)
			continue
		}
		if err != nil {
			return nil, err
		}
		liked = append(liked, post)
	}
	return liked, nil
}

// LikePost toggles the user's like on a post and adjusts the counter.
func (s *Service) LikePost(ctx context.Context, postID, userID string) (LikeResult, error) {
	liked, err := s.CheckIfUserLikedPost(ctx, postID, userID)
	if err != nil {
		return LikeResult{}, err
	}

	likePath := docstore.Path(likesCollection, likeKey(postID, userID))
	delta := int64(1)
	topic := EventPostLiked
	if liked {
		if err := s.store.Delete(ctx, likePath); err != nil {
			return LikeResult{}, err
		}
		delta = -1
		topic = EventPostUnliked
	} else {
		if err := s.store.Set(ctx, likePath, Like{PostID: postID, UserID: userID}); err != nil {
			return LikeResult{}, err
		}
	}

	result := LikeResult{PostID: postID, Liked: !liked}
	count, err := s.store.Increment(ctx, docstore.Path(postsCollection, postID, "likes"), delta)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		s.logger.Warn("like toggled on missing post", "post_id", postID, "user_id", userID)
	case err != nil:
		return LikeResult{}, err
	default:
		result.Likes = count
	}

	s.publish(topic, map[string]any{"id": postID, "userId": userID, "likes": result.Likes})
	return result, nil
}

func (s *Service) CheckIfUserLikedPost(ctx context.Context, postID, userID string) (bool, error) {
	_, err := s.store.Get(ctx, docstore.Path(likesCollection, likeKey(postID, userID)))
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdatePostsUsername rewrites the denormalized username on every post by userID.
func (s *Service) UpdatePostsUsername(ctx context.Context, userID, username string) error {
	return s.updateAuthorField(ctx, userID, "username", username)
}

// UpdatePostsProfilePicture rewrites the denormalized photo on every post by userID.
func (s *Service) UpdatePostsProfilePicture(ctx context.Context, userID, photoURL string) error {
	return s.updateAuthorField(ctx, userID, "userPhotoURL", photoURL)
}

func (s *Service) updateAuthorField(ctx context.Context, userID, field, value string) error {
	posts, err := s.listPosts(ctx, func(p Post) bool { return p.UserID == userID })
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}

	updates := make(map[string]any, len(posts))
	for _, p := range posts {
		updates[docstore.Path(postsCollection, p.ID, field)] = value
	}
	if err := s.store.Update(ctx, updates); err != nil {
		return err
	}

	s.logger.Info("propagated profile change to posts",
		"user_id", userID,
		"field", field,
		"post_count", len(posts))
	return nil
}

func (s *Service) listPosts(ctx context.Context, keep func(Post) bool) ([]Post, error) {
	docs, err := s.store.List(ctx, postsCollection)
	if err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(docs))
	for _, doc := range docs {
		p, err := decodePost(docstore.Path(postsCollection, doc.Key), doc.Value)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(p) {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func (s *Service) publish(topic string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, payload)
}

func sortNewestFirst(posts []Post) []Post {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt > posts[j].CreatedAt
	})
	return posts
}

func sortMostLiked(posts []Post) []Post {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].Likes != posts[j].Likes {
			return posts[i].Likes > posts[j].Likes
		}
		return posts[i].CreatedAt > posts[j].CreatedAt
	})
	return posts
}
