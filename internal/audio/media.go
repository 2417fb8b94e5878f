package audio

import (
	"path/filepath"
	"strings"
)

const (
	MediaWebM = "audio/webm"
	MediaWAV  = "audio/wav"
	MediaOGG  = "audio/ogg"
	MediaMP4  = "audio/mp4"
)

// PreferredMediaTypes is the selection order for recorder output: the primary
// container first, then the fallback.
var PreferredMediaTypes = []string{MediaWebM, MediaWAV}

// SelectMediaType returns the first entry of preference that supported accepts.
func SelectMediaType(preference []string, supported func(string) bool) (string, bool) {
	for _, mt := range preference {
		if supported(mt) {
			return mt, true
		}
	}
	return "", false
}

// BaseMediaType strips parameters such as codecs from a media type.
func BaseMediaType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// ExtensionFor maps a media type to the file extension used for uploads.
func ExtensionFor(mt string) string {
	switch BaseMediaType(mt) {
	case MediaWebM:
		return ".webm"
	case MediaWAV, "audio/x-wav", "audio/wave":
		return ".wav"
	case MediaOGG:
		return ".ogg"
	case MediaMP4, "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".bin"
	}
}

// MediaTypeForFilename is the inverse of ExtensionFor. Raw PCM is reported
// as WAV because it is wrapped before upload.
func MediaTypeForFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webm":
		return MediaWebM
	case ".wav", ".pcm":
		return MediaWAV
	case ".ogg", ".oga":
		return MediaOGG
	case ".m4a", ".mp4":
		return MediaMP4
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
