// Package media defines the media kinds a relayed message can carry.
package media

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind tags the content of a media attachment.
type Kind string

const (
	Photo    Kind = "photo"
	Video    Kind = "video"
	Document Kind = "document"
	Voice    Kind = "voice"
	Audio    Kind = "audio"
)

// Kinds lists every supported kind.
var Kinds = []Kind{Photo, Video, Document, Voice, Audio}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case Photo, Video, Document, Voice, Audio:
		return true
	}
	return false
}

// Parse converts a wire value into a Kind. An empty value defaults to Document.
func Parse(s string) (Kind, error) {
	if s == "" {
		return Document, nil
	}
	k := Kind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unsupported media type %q", s)
	}
	return k, nil
}

// FromMIME maps a MIME type to a kind: images are photos, ogg audio is
// voice, any other audio is audio, everything unknown is a document.
func FromMIME(mime string) Kind {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return Photo
	case strings.HasPrefix(mime, "video/"):
		return Video
	case strings.HasPrefix(mime, "audio/"):
		if strings.Contains(mime, "ogg") {
			return Voice
		}
		return Audio
	default:
		return Document
	}
}

// Detect sniffs the content and returns its MIME type and kind.
func Detect(data []byte) (string, Kind) {
	mt := mimetype.Detect(data)
	return mt.String(), FromMIME(mt.String())
}
