package domain

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectAttachmentType sniffs raw attachment bytes and derives the message
// type carried on the wire, plus the detected MIME string.
func DetectAttachmentType(data []byte) (MessageType, string) {
	mt := mimetype.Detect(data)
	switch {
	case strings.HasPrefix(mt.String(), "image/"):
		return MessageImage, mt.String()
	case mt.Is("text/plain"):
		return MessageText, mt.String()
	default:
		return MessageFile, mt.String()
	}
}
