package request

import (
	"mime"
	"strings"

	"github.com/umisama/go-regexpcache"
)

const (
	ContentTypeApplicationJSON       = "application/json"
	ContentTypeApplicationJSONRegexp = `^application/([a-zA-Z0-9\.\-]+\+)?json$`
	ContentTypeFormURLEncoded        = "application/x-www-form-urlencoded"
)

func isJSONContentType(contentType string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	return regexpcache.MustCompile(ContentTypeApplicationJSONRegexp).MatchString(strings.ToLower(contentType))
}
