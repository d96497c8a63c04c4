// Package rgb565 provides the 16-bit RGB565 image format used by the SPD2010
// display controller and its graphics pipeline.
//
// The renderer draws into native (little-endian) RGB565 buffers. The panel
// expects the two bytes of each pixel in the opposite order, so every flushed
// region goes through Swap before it is transmitted.
//
// Memory layout example for one pure red pixel (0xF800):
//
//	Native:  0x00 0xF8
//	Panel:   0xF8 0x00
//
// Example usage:
//
//	img := rgb565.NewImage(image.Rect(0, 0, 412, 20))
//	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
//	rgb565.Swap(img.Pix)
package rgb565
