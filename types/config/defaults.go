package config

import "time"

const (
	DefaultStorageDriver = Postgres
	DefaultTaskBatchSize = 10
	DefaultLockTTL       = 60 * time.Minute
	DefaultScanInterval  = time.Minute
	DefaultHTTPPort      = 8080
	DefaultLogLevel      = "info"
	DefaultEventSubject  = "jobfire.outcomes"
)
