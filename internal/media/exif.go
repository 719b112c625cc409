package media

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned when a file claims to be a decodable image
// format but its header cannot be parsed.
var ErrUndecodable = errors.New("image header cannot be decoded")

// ImageMeta holds the metadata extracted from an image file.
type ImageMeta struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	TakenAt     *time.Time `json:"taken_at,omitempty"`
	CameraMake  string     `json:"camera_make,omitempty"`
	CameraModel string     `json:"camera_model,omitempty"`
	LensModel   string     `json:"lens_model,omitempty"`
	Software    string     `json:"software,omitempty"`
	Orientation string     `json:"orientation,omitempty"`
	GPSLat      *float64   `json:"gps_lat,omitempty"`
	GPSLon      *float64   `json:"gps_lon,omitempty"`
}

// headerDecodable lists the formats we have pure-Go header decoders for.
var headerDecodable = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true,
}

// ExtractImageMeta reads the image header and EXIF block of the file at
// path. Missing EXIF is not an error. For formats with a pure-Go decoder a
// header that fails to parse is reported as ErrUndecodable; other formats
// (heic, raw) only get EXIF.
func ExtractImageMeta(path string) (ImageMeta, error) {
	var meta ImageMeta

	f, err := os.Open(path)
	if err != nil {
		return meta, err
	}
	defer f.Close()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	cfg, _, err := image.DecodeConfig(f)
	switch {
	case err == nil:
		meta.Width = cfg.Width
		meta.Height = cfg.Height
	case headerDecodable[ext]:
		return meta, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return meta, err
	}
	x, err := exif.Decode(f)
	if err != nil {
		return meta, nil // no EXIF
	}

	meta.CameraMake = exifString(x, exif.Make)
	meta.CameraModel = exifString(x, exif.Model)
	meta.LensModel = exifString(x, exif.LensModel)
	meta.Software = exifString(x, exif.Software)
	meta.Orientation = exifString(x, exif.Orientation)

	if t, err := x.DateTime(); err == nil {
		meta.TakenAt = &t
	}
	if lat, lon, err := x.LatLong(); err == nil {
		meta.GPSLat = &lat
		meta.GPSLon = &lon
	}
	return meta, nil
}

func exifString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		// Numeric tags (orientation) are not strings.
		return strings.Trim(tag.String(), `"`)
	}
	return strings.TrimSpace(s)
}
