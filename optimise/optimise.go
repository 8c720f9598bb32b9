// Package optimise re-encodes workflow outputs to the format and quality a
// caller asked for.
package optimise

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

type Format string

const (
	FormatWebP Format = "webp"
	FormatJPG  Format = "jpg"
	FormatPNG  Format = "png"
)

const (
	DefaultFormat  = FormatWebP
	DefaultQuality = 80
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

func init() {
	_ = mime.AddExtensionType(".webp", "image/webp")
}

// ParseFormat accepts webp, jpg (or jpeg) and png. An empty string selects
// the default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultFormat, nil
	case "webp":
		return FormatWebP, nil
	case "jpg", "jpeg":
		return FormatJPG, nil
	case "png":
		return FormatPNG, nil
	}
	return "", fmt.Errorf("unsupported output format %q (want webp, jpg or png)", s)
}

func ValidateQuality(q int) error {
	if q < 0 || q > 100 {
		return fmt.Errorf("output quality %d out of range 0..100", q)
	}
	return nil
}

// ShouldOptimise is false only for lossless png at full quality, where the
// engine's files are already what the caller wants.
func ShouldOptimise(format Format, quality int) bool {
	return quality < 100 || format == FormatWebP || format == FormatJPG
}

// IsImage reports whether the finalizer knows how to re-encode p
func IsImage(p string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(p))]
}

// Files re-encodes every image in paths and returns the resulting paths in
// the same order. Files that are not images are passed through. Two sources
// never share a target: when swapping the extension would land on another
// input or an earlier output, the source extension is kept in the name, so
// a.png and a.jpg become a.webp and a_jpg.webp.
func Files(fs afero.Fs, format Format, quality int, paths []string) ([]string, error) {
	if !ShouldOptimise(format, quality) {
		return paths, nil
	}

	claimed := make(map[string]bool, len(paths))
	for _, p := range paths {
		claimed[p] = true
	}
	retv := make([]string, 0, len(paths))
	for _, p := range paths {
		if !IsImage(p) {
			retv = append(retv, p)
			continue
		}
		dst := targetPath(p, format, claimed)
		claimed[dst] = true
		if err := encodeFile(fs, format, quality, p, dst); err != nil {
			return nil, err
		}
		retv = append(retv, dst)
	}
	return retv, nil
}

// targetPath swaps the extension of p for format. A target already in
// claimed, other than p itself, gets the source extension and then a
// counter appended to its stem.
func targetPath(p string, format Format, claimed map[string]bool) string {
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	dst := stem + "." + string(format)
	if dst == p || !claimed[dst] {
		return dst
	}
	stem += "_" + strings.ToLower(strings.TrimPrefix(ext, "."))
	dst = stem + "." + string(format)
	for i := 2; claimed[dst]; i++ {
		dst = fmt.Sprintf("%s_%d.%s", stem, i, format)
	}
	return dst
}

// encodeFile re-encodes the image at src into dst
func encodeFile(fs afero.Fs, format Format, quality int, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	img, err := imaging.Decode(in, imaging.AutoOrientation(true))
	in.Close()
	if err != nil {
		return fmt.Errorf("decoding %s: %w", src, err)
	}

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if err := Encode(out, img, format, quality); err != nil {
		out.Close()
		return fmt.Errorf("encoding %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	slog.Debug("Optimised output", "src", src, "dst", dst, "format", format, "quality", quality)
	return nil
}

// Encode writes img in the given format
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	switch format {
	case FormatWebP:
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	case FormatJPG:
		return imaging.Encode(w, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	}
	return fmt.Errorf("unsupported output format %q", format)
}

// flatten composites img over white, JPEG has no alpha channel
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// ContentType is the MIME type for an output path
func ContentType(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
