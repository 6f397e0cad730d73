package classify

import (
	"path/filepath"
	"strings"
)

// Category represents the transfer category of a file
type Category string

const (
	CategoryRaw   Category = "RAW"
	CategoryImage Category = "IMAGE"
	CategoryVideo Category = "VIDEO"
	CategoryOther Category = "OTHER"
)

// Folder returns the local folder name used for this category
func (c Category) Folder() string {
	return string(c)
}

var rawExtensions = map[string]struct{}{
	".cr2": {}, ".cr3": {}, ".crw": {},
	".nef": {}, ".nrw": {},
	".arw": {}, ".srf": {},
	".dng": {}, ".raf": {}, ".orf": {}, ".rw2": {}, ".pef": {},
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".bmp": {}, ".tif": {}, ".tiff": {}, ".heic": {}, ".heif": {},
	".webp": {}, ".psd": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {},
	".mts": {}, ".m2ts": {}, ".wmv": {}, ".m4v": {}, ".mpg": {}, ".mpeg": {},
}

// ForExtension maps a file extension to its category. The extension may be
// given with or without the leading dot and in any case. Raw extensions are
// checked before image extensions so raw formats never classify as plain images.
func ForExtension(ext string) Category {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	if _, ok := rawExtensions[ext]; ok {
		return CategoryRaw
	}
	if _, ok := imageExtensions[ext]; ok {
		return CategoryImage
	}
	if _, ok := videoExtensions[ext]; ok {
		return CategoryVideo
	}
	return CategoryOther
}

// ForPath classifies a file by its path's extension
func ForPath(path string) Category {
	return ForExtension(filepath.Ext(path))
}
