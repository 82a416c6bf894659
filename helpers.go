package relaypool

import (
	"hash/fnv"
	"net/url"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxLocks = 50

var namedMutexPool = make([]sync.Mutex, maxLocks)

func namedLock(name string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(name))
	idx := h.Sum32() % maxLocks
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// NormalizeURL normalizes the url to start with "ws://" or "wss://", to have
// a lowercased hostname and no trailing slash, so it can be used as a
// canonical relay identity.
func NormalizeURL(u string) string {
	if u == "" {
		return ""
	}

	u = strings.TrimSpace(u)

	if i := strings.Index(u, "://"); i != -1 {
		u = strings.ToLower(u[0:i]) + u[i:]
	}

	if strings.HasPrefix(u, "http://") {
		u = "ws://" + u[7:]
	} else if strings.HasPrefix(u, "https://") {
		u = "wss://" + u[8:]
	} else if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		if strings.HasPrefix(u, "localhost") || strings.HasPrefix(u, "127.0.0.1") {
			u = "ws://" + u
		} else {
			u = "wss://" + u
		}
	}

	p, err := url.Parse(u)
	if err != nil {
		return u
	}

	p.Host = strings.ToLower(p.Host)
	p.Path = strings.TrimRight(p.Path, "/")

	return p.String()
}

// Escaping strings for JSON encoding according to RFC8259.
// Also encloses result in quotation marks "".
func escapeString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			// quotation mark
			dst = append(dst, []byte{'\\', '"'}...)
		case c == '\\':
			// reverse solidus
			dst = append(dst, []byte{'\\', '\\'}...)
		case c >= 0x20:
			// default, rest below are control chars
			dst = append(dst, c)
		case c == 0x08:
			dst = append(dst, []byte{'\\', 'b'}...)
		case c < 0x09:
			dst = append(dst, []byte{'\\', 'u', '0', '0', '0', '0' + c}...)
		case c == 0x09:
			dst = append(dst, []byte{'\\', 't'}...)
		case c == 0x0a:
			dst = append(dst, []byte{'\\', 'n'}...)
		case c == 0x0c:
			dst = append(dst, []byte{'\\', 'f'}...)
		case c == 0x0d:
			dst = append(dst, []byte{'\\', 'r'}...)
		case c < 0x10:
			dst = append(dst, []byte{'\\', 'u', '0', '0', '0', 0x57 + c}...)
		case c < 0x1a:
			dst = append(dst, []byte{'\\', 'u', '0', '0', '1', 0x20 + c}...)
		case c < 0x20:
			dst = append(dst, []byte{'\\', 'u', '0', '0', '1', 0x47 + c}...)
		}
	}
	dst = append(dst, '"')
	return dst
}

func subIDToSerial(subID string) int64 {
	n := strings.IndexByte(subID, ':')
	if n < 0 {
		return -1
	}
	serial := int64(0)
	for _, c := range []byte(subID[0:n]) {
		if c < '0' || c > '9' {
			return -1
		}
		serial = serial*10 + int64(c-'0')
	}
	return serial
}
