package chat

import "errors"

var (
	// ErrEmptyField indicates a required username or password was empty.
	ErrEmptyField = errors.New("username and password must not be empty")
	// ErrUnknownUser indicates no user matches the given name.
	ErrUnknownUser = errors.New("user does not exist")
	// ErrWrongPassword indicates the password did not match the stored hash.
	ErrWrongPassword = errors.New("invalid password")
	// ErrUserExists indicates the username is taken (case-insensitively).
	ErrUserExists = errors.New("user already exists")
	// ErrSelfRequest indicates a user tried to befriend themselves.
	ErrSelfRequest = errors.New("cannot send a friend request to yourself")
	// ErrAlreadyFriends indicates the two users are already friends.
	ErrAlreadyFriends = errors.New("already friends")
	// ErrDuplicateRequest indicates an identical friend request is still pending.
	ErrDuplicateRequest = errors.New("friend request already pending")
)
