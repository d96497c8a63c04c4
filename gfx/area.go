package gfx

import (
	"fmt"
	"image"
)

// Area is a rectangle with inclusive corners.
type Area struct {
	X1, Y1, X2, Y2 int
}

// AreaOf converts a half-open rectangle.
func AreaOf(r image.Rectangle) Area {
	return Area{r.Min.X, r.Min.Y, r.Max.X - 1, r.Max.Y - 1}
}

func (a Area) Width() int  { return a.X2 - a.X1 + 1 }
func (a Area) Height() int { return a.Y2 - a.Y1 + 1 }

// Size returns the number of pixels in a.
func (a Area) Size() int {
	if a.Empty() {
		return 0
	}
	return a.Width() * a.Height()
}

func (a Area) Empty() bool {
	return a.X2 < a.X1 || a.Y2 < a.Y1
}

// Rect returns a as a half-open image.Rectangle.
func (a Area) Rect() image.Rectangle {
	return image.Rect(a.X1, a.Y1, a.X2+1, a.Y2+1)
}

// Intersect returns the common part of a and b and whether it is non-empty.
func (a Area) Intersect(b Area) (Area, bool) {
	r := Area{max(a.X1, b.X1), max(a.Y1, b.Y1), min(a.X2, b.X2), min(a.Y2, b.Y2)}
	return r, !r.Empty()
}

// Union returns the smallest area covering a and b.
func (a Area) Union(b Area) Area {
	return Area{min(a.X1, b.X1), min(a.Y1, b.Y1), max(a.X2, b.X2), max(a.Y2, b.Y2)}
}

func (a Area) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", a.X1, a.Y1, a.X2, a.Y2)
}
