package media

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type classifies a file for the enrichment pipeline.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
	TypeOther Type = "other"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true, ".tif": true,
	".heic": true, ".heif": true, ".avif": true, ".dng": true,
	".cr2": true, ".nef": true, ".arw": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
	".mts": true, ".m2ts": true, ".3gp": true, ".mpg": true, ".mpeg": true,
}

// Detect returns the Type for the given file path based on extension.
func Detect(path string) Type {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		return TypeImage
	case videoExts[ext]:
		return TypeVideo
	default:
		return TypeOther
	}
}

// Filter selects which media types are eligible for processing.
type Filter string

const (
	FilterImages Filter = "images"
	FilterVideos Filter = "videos"
	FilterAll    Filter = "all"
)

// ParseFilter validates a --file-types value.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(s)) {
	case FilterImages:
		return FilterImages, nil
	case FilterVideos:
		return FilterVideos, nil
	case FilterAll, "":
		return FilterAll, nil
	}
	return "", fmt.Errorf("unknown file type filter %q (want images, videos or all)", s)
}

// Allows reports whether a file at path passes the filter. Files that are
// neither images nor videos never pass: the pipeline only enriches media.
func (f Filter) Allows(path string) bool {
	t := Detect(path)
	switch f {
	case FilterImages:
		return t == TypeImage
	case FilterVideos:
		return t == TypeVideo
	default:
		return t == TypeImage || t == TypeVideo
	}
}
