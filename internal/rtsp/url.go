package rtsp

import (
	"net/url"
	"regexp"
	"strconv"

	"github.com/timelapser/camstream/internal/apperr"
)

// Credentials are held in memory for the lifetime of a session and are
// never logged or persisted.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// rtsp://[user:pass@]host[:port][/path]
var urlPattern = regexp.MustCompile(`^rtsp://(?:([^:@/]+):([^@/]*)@)?([^:/@\s]+)(?::(\d{1,5}))?(/\S*)?$`)

// ValidateURL is a pure syntactic check. It performs no I/O and must
// pass before any network attempt.
func ValidateURL(raw string) error {
	m := urlPattern.FindStringSubmatch(raw)
	if m == nil {
		return apperr.New(apperr.KindInvalidURL,
			"Invalid RTSP URL format. Expected: rtsp://hostname:port/path")
	}
	if m[4] != "" {
		port, err := strconv.Atoi(m[4])
		if err != nil || port < 1 || port > 65535 {
			return apperr.Newf(apperr.KindInvalidURL, "invalid port %q", m[4])
		}
	}
	return nil
}

// SplitCredentials strips embedded credentials from raw and returns the
// clean URL plus the extracted credentials, if any.
func SplitCredentials(raw string) (string, *Credentials) {
	m := urlPattern.FindStringSubmatch(raw)
	if m == nil || m[1] == "" {
		return raw, nil
	}
	clean := "rtsp://" + m[3]
	if m[4] != "" {
		clean += ":" + m[4]
	}
	clean += m[5]
	return clean, &Credentials{Username: m[1], Password: m[2]}
}

// InjectCredentials returns raw with creds embedded in the authority,
// suitable for handing to ffmpeg/ffprobe. raw must be credential-free.
func InjectCredentials(raw string, creds *Credentials) string {
	if creds == nil || creds.Username == "" {
		return raw
	}
	m := urlPattern.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	target := "rtsp://" + url.UserPassword(creds.Username, creds.Password).String() + "@" + m[3]
	if m[4] != "" {
		target += ":" + m[4]
	}
	return target + m[5]
}

// Redact removes any embedded credentials so the URL is safe to log.
func Redact(raw string) string {
	m := urlPattern.FindStringSubmatch(raw)
	if m == nil || m[1] == "" {
		return raw
	}
	clean, _ := SplitCredentials(raw)
	return clean
}
