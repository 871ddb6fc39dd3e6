// Package video produces the low-rate still-frame stream that accompanies a
// call. Frames are JPEG encoded at a reduced size and quality and wrapped in
// an [audio.Blob] so that they travel over the same live session as the
// microphone audio.
package video

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // directory sources may hold PNG stills
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/harvic/pkg/audio"
)

// MIMEType tags every frame.
const MIMEType = "image/jpeg"

// Defaults for [Options].
const (
	DefaultWidth    = 480
	DefaultHeight   = 360
	DefaultQuality  = 60
	DefaultInterval = time.Second
)

// Source kinds.
const (
	KindPattern   = "pattern"
	KindDirectory = "directory"
)

var (
	// ErrNoFrames is returned when a directory holds no usable images.
	ErrNoFrames = errors.New("video: no frames available")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("video: source closed")
)

// Source yields encoded frames. Implementations need not be safe for
// concurrent use; the call runtime reads from one goroutine.
type Source interface {
	// Next returns the next frame.
	Next() (audio.Blob, error)

	// Close releases the source.
	Close() error
}

// Options configures [Open].
type Options struct {
	// Kind selects the source: [KindPattern] (default) or [KindDirectory].
	Kind string

	// Dir is the image directory for [KindDirectory].
	Dir string

	// Width and Height bound the encoded frame. Images are scaled to fit.
	Width, Height int

	// Quality is the JPEG quality, 1 to 100.
	Quality int
}

func (o *Options) defaults() {
	if o.Kind == "" {
		o.Kind = KindPattern
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
}

// Open returns the source described by opts.
func Open(opts Options) (Source, error) {
	opts.defaults()
	switch opts.Kind {
	case KindPattern:
		return NewPattern(opts.Width, opts.Height, opts.Quality), nil
	case KindDirectory:
		d, err := OpenDirectory(opts.Dir, opts.Width, opts.Height, opts.Quality)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("video: unknown source kind %q", opts.Kind)
	}
}

// Encode scales img to fit within width x height and encodes it as a JPEG
// blob at quality.
func Encode(img image.Image, width, height, quality int) (audio.Blob, error) {
	img = fit(img, width, height)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return audio.Blob{}, fmt.Errorf("video: encode: %w", err)
	}
	return audio.Blob{
		MIMEType: MIMEType,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// fit returns img reduced with nearest-neighbour sampling so that it fits
// the bounds while keeping its aspect ratio. Smaller images are returned as is.
func fit(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= width && h <= height {
		return img
	}
	scale := min(float64(width)/float64(w), float64(height)/float64(h))
	dw, dh := max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := range dh {
		sy := b.Min.Y + y*h/dh
		for x := range dw {
			sx := b.Min.X + x*w/dw
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

// ── Pattern ───────────────────────────────────────────────────────────────────

// Pattern is a synthetic source: a dark field with a bright bar that sweeps
// one step per frame. It stands in for a camera on headless hosts.
type Pattern struct {
	width, height, quality int

	mu     sync.Mutex
	seq    int
	closed bool
}

// NewPattern returns a pattern source of the given size.
func NewPattern(width, height, quality int) *Pattern {
	return &Pattern{width: width, height: height, quality: quality}
}

// Next renders and encodes the next frame.
func (p *Pattern) Next() (audio.Blob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.Blob{}, ErrClosed
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 8, G: 12, B: 32, A: 255}}, image.Point{}, draw.Src)

	const steps = 16
	barW := max(p.width/steps, 1)
	x0 := (p.seq % steps) * barW
	bar := image.Rect(x0, 0, min(x0+barW, p.width), p.height)
	draw.Draw(img, bar, &image.Uniform{C: color.RGBA{R: 56, G: 189, B: 248, A: 255}}, image.Point{}, draw.Src)
	p.seq++

	return Encode(img, p.width, p.height, p.quality)
}

// Close implements [Source].
func (p *Pattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ── Directory ─────────────────────────────────────────────────────────────────

// Directory cycles through the still images of a directory in name order.
type Directory struct {
	files                  []string
	width, height, quality int

	next   int
	closed bool
}

// OpenDirectory lists the JPEG and PNG files in dir.
func OpenDirectory(dir string, width, height, quality int) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("video: open directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	slices.Sort(files)
	return &Directory{files: files, width: width, height: height, quality: quality}, nil
}

// Len returns the number of images in the cycle.
func (d *Directory) Len() int { return len(d.files) }

// Next decodes, scales and encodes the next image. An undecodable file is
// returned as an error; the following call moves on to the next file.
func (d *Directory) Next() (audio.Blob, error) {
	if d.closed {
		return audio.Blob{}, ErrClosed
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)

	f, err := os.Open(path)
	if err != nil {
		return audio.Blob{}, fmt.Errorf("video: read frame: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return audio.Blob{}, fmt.Errorf("video: decode %s: %w", filepath.Base(path), err)
	}
	return Encode(img, d.width, d.height, d.quality)
}

// Close implements [Source].
func (d *Directory) Close() error {
	d.closed = true
	return nil
}
