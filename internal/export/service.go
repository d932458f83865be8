package export

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"easel/engine/internal/geom"
	"easel/engine/internal/store"
)

// DataStore defines the data access the exporter needs.
type DataStore interface {
	GetCanvas(ctx context.Context, id string) (store.Canvas, error)
	ListObjects(ctx context.Context, canvasID string) ([]store.Object, error)
}

// Service renders canvas exports.
type Service struct {
	store      DataStore
	translator geom.Translator
}

func NewService(store DataStore, translator geom.Translator) *Service {
	return &Service{store: store, translator: translator}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	canvas, err := s.store.GetCanvas(ctx, req.CanvasID)
	if err != nil {
		return nil, fmt.Errorf("get canvas: %w", err)
	}
	objects, err := s.store.ListObjects(ctx, req.CanvasID)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	svg, err := renderSVG(objects, s.translator)
	if err != nil {
		return nil, fmt.Errorf("render svg: %w", err)
	}

	switch req.Format {
	case FormatSVG:
		return &Result{
			Data:     []byte(svg),
			Filename: sanitizeFilename(canvas.Name) + ".svg",
			MimeType: "image/svg+xml",
		}, nil
	case FormatPDF:
		html, err := renderPageHTML(canvas.Name, svg)
		if err != nil {
			return nil, fmt.Errorf("render page: %w", err)
		}
		return exportPDF(html, canvas.Name)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { margin: 0; }
    svg { width: 100%; height: auto; }
  </style>
</head>
<body>
{{.SVG}}
</body>
</html>`))

func renderPageHTML(title, svg string) (string, error) {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, struct {
		Title string
		SVG   template.HTML
	}{Title: title, SVG: template.HTML(svg)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
