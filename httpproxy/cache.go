package httpproxy

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cache stores responses by request URL, bounded by Cache-Control:
// max-age. Entries are evicted lazily on lookup; there is no sweep.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	resp    Response
	expires time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Lookup returns a copy of the cached response for url. An expired
// entry is deleted and reported as a miss.
func (c *Cache) Lookup(url string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return Response{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, url)
		return Response{}, false
	}
	return e.resp.clone(), true
}

// Store inserts or overwrites the entry for the request's URL when
// the response is cacheable; otherwise it does nothing.
func (c *Cache) Store(req *Request, resp *Response) {
	ttl := cacheDuration(resp)
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[req.Line.Target] = cacheEntry{
		resp:    resp.clone(),
		expires: c.now().Add(time.Duration(ttl) * time.Second),
	}
}

// cacheDuration returns the cache lifetime in seconds. A private or
// no-store directive forces zero; otherwise the max-age value is used
// and a response without Cache-Control is never cached.
func cacheDuration(resp *Response) int {
	v, ok := resp.Headers.Find("Cache-Control")
	if !ok {
		return 0
	}
	ttl := 0
	for _, d := range splitHeaderValue(v) {
		if d == "private" || d == "no-store" {
			return 0
		}
		if strings.HasPrefix(d, "max-age=") {
			n, err := strconv.Atoi(d[len("max-age="):])
			if err == nil {
				ttl = n
			}
		}
	}
	return ttl
}
