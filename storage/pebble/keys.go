package pebble

import (
	"bytes"
	"strings"

	"github.com/hupe1980/docindex/etag"
	"github.com/hupe1980/docindex/storage"
)

// Key layout. Variable-length components are separated by sep, so user keys
// and index names must not contain it.
//
//	d/<doc>                          document (etag, modified, body)
//	e/<etag>                         etag -> doc key
//	i/<index>                        index stats
//	x/<index>\0<doc>                 index entries
//	f/<index>\0<referencer>          referenced keys of referencer
//	r/<referenced>\0<referencer>\0<index>
//	t/<etag>                         task record
//	m/<index>\0<reduceKey>\0<doc>    mapped result
//	n/<index>\0<doc>\0<reduceKey>    mapped result by document
//	s/<index>\0<etag>                scheduled reduce key
//	o/<index>\0<reduceKey>           reduced result
const sep = 0x00

var (
	prefixDoc       = []byte("d/")
	prefixEtag      = []byte("e/")
	prefixStats     = []byte("i/")
	prefixEntries   = []byte("x/")
	prefixForward   = []byte("f/")
	prefixRefs      = []byte("r/")
	prefixTask      = []byte("t/")
	prefixMapped    = []byte("m/")
	prefixMappedDoc = []byte("n/")
	prefixSchedule  = []byte("s/")
	prefixReduced   = []byte("o/")

	metaRestartsKey      = []byte("meta/restarts")
	metaLastDocKey       = []byte("meta/last-doc")
	metaLastScheduledKey = []byte("meta/last-scheduled")
)

func validKey(s string) error {
	if s == "" || strings.IndexByte(s, sep) >= 0 {
		return storage.ErrInvalidKey
	}
	return nil
}

// key joins prefix and parts with sep.
func key(prefix []byte, parts ...string) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	b = append(b, prefix...)
	for i, p := range parts {
		if i > 0 {
			b = append(b, sep)
		}
		b = append(b, p...)
	}
	return b
}

// scope returns the prefix covering every key that starts with parts.
func scope(prefix []byte, parts ...string) []byte {
	return append(key(prefix, parts...), sep)
}

func etagKey(prefix []byte, parts []string, e etag.Etag) []byte {
	var b []byte
	if len(parts) > 0 {
		b = scope(prefix, parts...)
	} else {
		b = append([]byte(nil), prefix...)
	}
	return append(b, e[:]...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// suffix returns the components of k after prefix, split on sep.
func suffix(k, prefix []byte) []string {
	return strings.Split(string(k[len(prefix):]), string(rune(sep)))
}
