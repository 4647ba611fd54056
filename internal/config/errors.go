package config

import "errors"

var (
	// ErrInvalidConfig marks a config that loaded but failed validation.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig marks a file or environment source that could not be read.
	ErrLoadConfig = errors.New("load config failed")
	// ErrWatchConfig marks a config file that cannot be watched for reloads.
	ErrWatchConfig = errors.New("watch config failed")
)
