package constant

// Set at build time via -ldflags.
var (
	Version     = "development"
	CompileTime = "unknown"
)
