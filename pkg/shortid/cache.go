package shortid

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cache memoizes Derive. Entries are never evicted. The zero value is ready to use.
type Cache struct {
	mutex   sync.Mutex
	entries map[string]string
}

func NewCache() *Cache {
	return &Cache{entries: map[string]string{}}
}

// Lookup returns the cached token of input, deriving it on first use.
func (c *Cache) Lookup(input string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if token, ok := c.entries[input]; ok {
		return token, nil
	}

	token, err := Derive(input)
	if err != nil {
		return "", err
	}

	if c.entries == nil {
		c.entries = map[string]string{}
	}
	c.entries[input] = token
	return token, nil
}

func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

func (c *Cache) MarshalJSON() ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.entries == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.entries)
}

func (c *Cache) UnmarshalJSON(data []byte) error {
	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = entries
	return nil
}
