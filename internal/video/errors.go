package video

import "errors"

var ErrCompositorStarted = errors.New("compositor already started")
