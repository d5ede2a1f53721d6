package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MaxImageSize is the largest image, in decoded bytes, accepted from the user.
const MaxImageSize = 5 * 1024 * 1024

var (
	// ErrInvalidDataURL is returned when a data URL lacks the media type or base64 marker.
	ErrInvalidDataURL = errors.New("invalid image data url")
	// ErrImageTooLarge is returned when an image exceeds MaxImageSize.
	ErrImageTooLarge = errors.New("image too large, please use an image under 5MB")
	// ErrNotAnImage is returned when the media type is not an image type.
	ErrNotAnImage = errors.New("please select a valid image file")
)

// Image is a binary image payload together with its media type.
type Image struct {
	MediaType string
	Data      []byte
}

// ParseDataURL decodes a data URL of the form "data:<media type>;base64,<payload>" into an Image.
func ParseDataURL(s string) (Image, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURL)
	}

	meta, found := strings.CutPrefix(header, "data:")
	if !found {
		return Image{}, fmt.Errorf("%w: missing data scheme", ErrInvalidDataURL)
	}

	mediaType, params, _ := strings.Cut(meta, ";")
	if mediaType == "" {
		return Image{}, fmt.Errorf("%w: missing media type", ErrInvalidDataURL)
	}
	if !strings.Contains(params, "base64") {
		return Image{}, fmt.Errorf("%w: payload is not base64 encoded", ErrInvalidDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrInvalidDataURL, err)
	}

	return Image{MediaType: mediaType, Data: data}, nil
}

// DataURL encodes the image back into a base64 data URL.
func (i Image) DataURL() string {
	return "data:" + i.MediaType + ";base64," + i.Base64()
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// Validate rejects images that are too large or that are not of an image media type. It mirrors the
// checks performed before an upload is accepted, so no network call is made for invalid input.
func (i Image) Validate() error {
	if !strings.HasPrefix(i.MediaType, "image/") {
		return ErrNotAnImage
	}
	if len(i.Data) > MaxImageSize {
		return ErrImageTooLarge
	}
	return nil
}
