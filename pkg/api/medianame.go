package api

import (
	"errors"
	"strings"
)

// ErrBadMediaName reports a media name the grammar cannot parse.
var ErrBadMediaName = errors.New("malformed media name")

// MediaName is a parsed media identifier. An empty Db means the default
// media database; an empty Attachment selects the first declared attachment.
type MediaName struct {
	Db         string
	Doc        string
	Attachment string
}

// ParseMediaName parses the grammar [ "/" ] [ db "/" ] doc [ "/" attachment ].
// A leading slash is tolerated.
func ParseMediaName(name string) (MediaName, error) {
	tokens := strings.Split(name, "/")
	if len(tokens) > 0 && tokens[0] == "" {
		tokens = tokens[1:]
	}

	switch len(tokens) {
	case 1:
		if tokens[0] == "" {
			return MediaName{}, ErrBadMediaName
		}
		return MediaName{Doc: tokens[0]}, nil
	case 2:
		if tokens[0] == "" || tokens[1] == "" {
			return MediaName{}, ErrBadMediaName
		}
		return MediaName{Db: tokens[0], Doc: tokens[1]}, nil
	case 3:
		if tokens[0] == "" || tokens[1] == "" || tokens[2] == "" {
			return MediaName{}, ErrBadMediaName
		}
		return MediaName{Db: tokens[0], Doc: tokens[1], Attachment: tokens[2]}, nil
	default:
		return MediaName{}, ErrBadMediaName
	}
}
