package posts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("post not found")

	// ErrForbidden is returned when the session user does not own the post.
	ErrForbidden = errors.New("not the owner of this post")

	// ErrUnknownAuthor is returned by an AuthorLookup when the session user
	// has no profile.
	ErrUnknownAuthor = errors.New("unknown author")
)

type NotFoundError struct {
	PostID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("post %s not found", e.PostID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DecodeError reports a stored record that does not match its schema.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
