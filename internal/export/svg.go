package export

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"easel/engine/internal/geom"
	"easel/engine/internal/store"
)

// renderSVG draws the object set in z order. Object positions are stored
// in user space; the translator is applied here, exactly once, to place
// them on the render surface.
func renderSVG(objects []store.Object, translator geom.Translator) (string, error) {
	ordered := make([]store.Object, len(objects))
	copy(ordered, objects)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ZIndex < ordered[j].ZIndex
	})

	extent := translator.Extent()
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g" viewBox="0 0 %g %g">`,
		extent, extent, extent, extent)
	b.WriteString("\n")

	for _, obj := range ordered {
		pos, err := translator.ToRender(geom.Point{X: obj.X, Y: obj.Y})
		if err != nil {
			// Objects outside the canvas extent are skipped, not fatal.
			continue
		}
		switch obj.Type {
		case store.ObjectRectangle:
			fmt.Fprintf(&b, `<rect x="%g" y="%g" width="%g" height="%g"%s%s/>`,
				pos.X, pos.Y, obj.Width, obj.Height,
				styleAttrs(obj), rotateAttr(obj, pos))
		case store.ObjectCircle:
			fmt.Fprintf(&b, `<ellipse cx="%g" cy="%g" rx="%g" ry="%g"%s%s/>`,
				pos.X+obj.Width/2, pos.Y+obj.Height/2, obj.Width/2, obj.Height/2,
				styleAttrs(obj), rotateAttr(obj, pos))
		case store.ObjectText:
			fontSize := textFontSize(obj)
			fmt.Fprintf(&b, `<text x="%g" y="%g" font-size="%g"%s%s>%s</text>`,
				pos.X, pos.Y+fontSize, fontSize,
				styleAttrs(obj), rotateAttr(obj, pos),
				html.EscapeString(obj.TextContent()))
		}
		b.WriteString("\n")
	}

	b.WriteString("</svg>\n")
	return b.String(), nil
}

func styleAttrs(obj store.Object) string {
	var b strings.Builder
	if obj.Fill != "" {
		fmt.Fprintf(&b, ` fill=%q`, obj.Fill)
	}
	if obj.Stroke != "" {
		fmt.Fprintf(&b, ` stroke=%q`, obj.Stroke)
	}
	if obj.Opacity != 1 {
		fmt.Fprintf(&b, ` opacity="%g"`, obj.Opacity)
	}
	return b.String()
}

// rotateAttr rotates around the object's center on the render surface.
func rotateAttr(obj store.Object, pos geom.Point) string {
	if obj.Rotation == 0 {
		return ""
	}
	return fmt.Sprintf(` transform="rotate(%g %g %g)"`,
		obj.Rotation, pos.X+obj.Width/2, pos.Y+obj.Height/2)
}

func textFontSize(obj store.Object) float64 {
	props := struct {
		FontSize float64 `json:"fontSize"`
	}{FontSize: 16}
	if len(obj.TypeProperties) > 0 {
		// Malformed properties fall back to the default size.
		_ = json.Unmarshal(obj.TypeProperties, &props)
	}
	if props.FontSize <= 0 {
		props.FontSize = 16
	}
	return props.FontSize
}
