package vitals

// Version is the semantic version of the vitals module.
const Version = "0.3.0"

const (
	// ComponentKey is the slog attribute key holding the component name.
	ComponentKey = "component"

	// ComponentIngest is the ingestion pipeline coordinator.
	ComponentIngest = "ingest"

	// ComponentParser is the XML producer that streams the export file.
	ComponentParser = "parser"

	// ComponentWriter is a database consumer draining parsed batches.
	ComponentWriter = "writer"

	// ComponentMonitor is the progress and cancellation monitor.
	ComponentMonitor = "monitor"

	// ComponentStorage is the postgres storage layer.
	ComponentStorage = "storage"

	// ComponentArchive is the upload and archive validator.
	ComponentArchive = "archive"
)
