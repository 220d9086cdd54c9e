package posts

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	postsCollection = "posts"
	likesCollection = "likes"
	likeSeparator   = "_"
)

type Post struct {
	ID           string `json:"id"`
	ImageURL     string `json:"imageUrl"`
	Caption      string `json:"caption"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	UserPhotoURL string `json:"userPhotoURL"`
	CreatedAt    int64  `json:"createdAt"`
	Likes        int64  `json:"likes"`
	Month        string `json:"month"`
	Year         string `json:"year"`
}

type Like struct {
	PostID string `json:"postId"`
	UserID string `json:"userId"`
}

// Author is the session identity stamped onto new posts.
type Author struct {
	UserID   string
	Username string
	PhotoURL string
}

// PostPatch carries the fields an owner may change; nil means unchanged.
type PostPatch struct {
	Caption  *string `json:"caption,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

func (p PostPatch) Empty() bool {
	return p.Caption == nil && p.ImageURL == nil
}

type LikeResult struct {
	PostID string `json:"postId"`
	Liked  bool   `json:"liked"`
	Likes  int64  `json:"likes"`
}

func likeKey(postID, userID string) string {
	return postID + likeSeparator + userID
}

func decodePost(path string, raw []byte) (Post, error) {
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return Post{}, &DecodeError{Path: path, Err: err}
	}
	if p.ID == "" {
		return Post{}, &DecodeError{Path: path, Err: errors.New("missing id")}
	}
	if p.Likes < 0 {
		return Post{}, &DecodeError{Path: path, Err: fmt.Errorf("negative likes %d", p.Likes)}
	}
	return p, nil
}

func decodeLike(path string, raw []byte) (Like, error) {
	var l Like
	if err := json.Unmarshal(raw, &l); err != nil {
		return Like{}, &DecodeError{Path: path, Err: err}
	}
	if l.PostID == "" || l.UserID == "" {
		return Like{}, &DecodeError{Path: path, Err: errors.New("missing postId or userId")}
	}
	return l, nil
}
