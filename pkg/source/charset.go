package source

import (
	"bytes"
	"fmt"
	"log/slog"
	"mime"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeBytesWithCharset converts raw to UTF-8. The charset comes from the
// override, else the Content-Type parameter, else a byte order mark, else
// UTF-8 is assumed.
func decodeBytesWithCharset(raw []byte, contentType, override string) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	label := override
	if label == "" && contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			label = params["charset"]
		} else {
			slog.Debug("Failed to parse Content-Type header, ignoring it", "header", contentType, "error", err)
		}
	}
	if label == "" {
		if _, name, certain := charset.DetermineEncoding(raw, ""); certain {
			label = name
		}
	}
	if label == "" {
		label = "utf-8"
	}

	enc, name := charset.Lookup(label)
	if enc == nil {
		slog.Warn("Unknown PAC charset, assuming UTF-8", "charset", label)
		name = "utf-8"
	}
	if name == "utf-8" {
		return bytes.TrimPrefix(raw, utf8BOM), nil
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to transform bytes from %s to UTF-8: %w", name, err)
	}
	slog.Debug("Decoded PAC script to UTF-8", "charset", name)
	return decoded, nil
}
