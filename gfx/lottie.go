package gfx

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrInvalidLottie is returned when animation data has no usable header.
var ErrInvalidLottie = errors.New("gfx: invalid lottie data")

// LottieInfo is the header of a Lottie animation document.
type LottieInfo struct {
	Version   string  `json:"v"`
	W         int     `json:"w"`
	H         int     `json:"h"`
	FrameRate float64 `json:"fr"`
	InPoint   float64 `json:"ip"`
	OutPoint  float64 `json:"op"`
}

// Frames returns the number of frames in the animation.
func (i LottieInfo) Frames() int {
	return int(i.OutPoint - i.InPoint)
}

// Duration returns the length of one loop.
func (i LottieInfo) Duration() time.Duration {
	if i.FrameRate <= 0 {
		return 0
	}
	return time.Duration((i.OutPoint - i.InPoint) / i.FrameRate * float64(time.Second))
}

// ParseLottie reads the header of a Lottie JSON document. Layers and assets
// are not decoded.
func ParseLottie(data []byte) (LottieInfo, error) {
	var i LottieInfo
	if err := json.Unmarshal(data, &i); err != nil {
		return LottieInfo{}, fmt.Errorf("%w: %v", ErrInvalidLottie, err)
	}
	if i.W <= 0 || i.H <= 0 || i.FrameRate <= 0 || i.OutPoint < i.InPoint {
		return LottieInfo{}, fmt.Errorf("%w: %dx%d at %gfps, frames %g..%g", ErrInvalidLottie, i.W, i.H, i.FrameRate, i.InPoint, i.OutPoint)
	}
	return i, nil
}
