package constants

import "time"

// Application identity
const (
	AppName        = "gatekeep"
	AppDisplayName = "Gatekeep"
)

// Defaults
const (
	DefaultPort     = 8750
	DefaultLogLevel = "INFO"
)

// Filesystem layout under the working directory
const (
	InternalDir     = ".internal"
	LogsDir         = "logs"
	PolicyDB        = "policy.db"
	ChainKeyFile    = "chain.key"
	DirPermissions  = 0755
	FilePermissions = 0644
	KeyPermissions  = 0600
)

// Config file location (under the user home directory)
const (
	ConfigDir  = ".gatekeep"
	ConfigFile = "config.yaml"
)

// HTTP
const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
	HTTPIdleTimeout   = 120 * time.Second
	HTTPReadTimeout   = 30 * time.Second
	ShutdownTimeout   = 10 * time.Second
)

// Logging
const (
	LogTimestampFormat = "2006-01-02 15:04:05.000"
	LogFileExtension   = ".log"
)
