package repository

import "errors"

// ErrNotFound is returned when a query for a single entity (a chat, a message
// or an option set) finds nothing. The tree and service layers translate it
// into `app_errors.ErrNotFound`, which keeps driver errors such as
// `sql.ErrNoRows` or `redis.Nil` out of the business logic.
var ErrNotFound = errors.New("repository: not found")
