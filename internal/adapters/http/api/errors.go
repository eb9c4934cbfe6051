package api

import "errors"

// ErrBadRequest marks request bodies and parameters the API cannot parse.
var ErrBadRequest = errors.New("bad request")
