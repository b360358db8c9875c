package devserver

import "errors"

var (
	errForbidden  = errors.New("forbidden topic")
	errEmptyTopic = errors.New("topic is required")
)
