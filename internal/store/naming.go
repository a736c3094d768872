package store

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DisplayNameLength is how many characters of the first user message name a conversation.
	DisplayNameLength = 30
	// UntitledKey is used when a display name normalizes to nothing (e.g. only punctuation).
	UntitledKey = "untitled"
)

var nonWord = regexp.MustCompile(`\W+`)

// DisplayNameFor returns the first DisplayNameLength characters of the first
// user message, or "" when there is none.
func DisplayNameFor(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		r := []rune(m.Content)
		if len(r) > DisplayNameLength {
			r = r[:DisplayNameLength]
		}
		return string(r)
	}
	return ""
}

// StorageKey normalizes a display name into a storage key: diacritics are
// stripped, other scripts transliterated to ASCII, non-word characters
// removed and the result lower-cased.
//
// Distinct names can map to the same key; the later save overwrites the
// earlier record.
func StorageKey(displayName string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, displayName)
	if err != nil {
		stripped = displayName
	}
	ascii := unidecode.Unidecode(stripped)
	return strings.ToLower(nonWord.ReplaceAllString(ascii, ""))
}

// NewConversation builds the persisted record for messages. It returns nil
// for an empty list.
func NewConversation(messages []Message) *Conversation {
	if len(messages) == 0 {
		return nil
	}
	name := DisplayNameFor(messages)
	key := StorageKey(name)
	if key == "" {
		key = UntitledKey
	}
	copied := make([]Message, len(messages))
	copy(copied, messages)
	return &Conversation{
		DisplayName: name,
		StorageKey:  key,
		Messages:    copied,
	}
}

// nameCache remembers key -> display name lookups. It is refreshed by saves
// made through the owning store only; records changed by another process are
// served stale until ResetNameCache is called.
type nameCache struct {
	mu    sync.RWMutex
	names map[string]string
}

func newNameCache() *nameCache {
	return &nameCache{names: make(map[string]string)}
}

func (c *nameCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[key]
	return name, ok
}

func (c *nameCache) put(key, name string) {
	c.mu.Lock()
	c.names[key] = name
	c.mu.Unlock()
}

func (c *nameCache) forget(key string) {
	c.mu.Lock()
	delete(c.names, key)
	c.mu.Unlock()
}

func (c *nameCache) reset() {
	c.mu.Lock()
	c.names = make(map[string]string)
	c.mu.Unlock()
}
