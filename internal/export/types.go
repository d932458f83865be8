// Package export renders a canvas into portable formats. SVG is rendered
// directly from the object set; PDF wraps the SVG in an HTML page and
// prints it through headless Chrome.
package export

import "errors"

// Format represents the export output format.
type Format string

const (
	FormatSVG Format = "svg"
	FormatPDF Format = "pdf"
)

// Request contains parameters for an export operation.
type Request struct {
	CanvasID string
	Format   Format
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates a format the service cannot produce.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
