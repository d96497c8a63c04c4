// Package gfx is a small retained-mode graphics layer for RGB565 panels.
//
// A Display keeps a list of objects and the areas invalidated since the last
// render. Handler renders those areas into two alternating draw buffers, a
// stripe at a time, and passes each stripe to a flush function. The flush
// function is asynchronous: the display waits, with a timeout, for
// FlushReady before reusing a buffer.
//
// Objects are either Lottie animations, drawn from a caller-owned ARGB8888
// render buffer, or static images. Decoding animation frames into that
// buffer is outside this package; only the document header is parsed.
package gfx
