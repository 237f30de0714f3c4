package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathGenerations = "/v1/generations"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	MaxWorkerCount       = 8
	SQLiteBusyTimeoutMS  = 5000
)

// External tools
const (
	EbookConvertExecutable = "ebook-convert"
)

// Directory and file names
const (
	DefaultOutputDir = "./generated_ebooks"
	DatabaseFileName = "bookforge.db"
	UploadDirName    = "uploads"
	UntitledChapter  = "Untitled"
	ContentChapter   = "Content"
)

// Asynq task types and queues
const (
	TaskTypeRender    = "generation:render"
	DefaultAsynqQueue = "generations"
)
