package session

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Table maps session keys to the most recent facade created for them.
// Entries are bounded by size and age; zero disables either bound.
type Table struct {
	entries *expirable.LRU[string, *Bot]
}

func NewTable(size int, ttl time.Duration) *Table {
	if size < 0 {
		size = 0
	}
	return &Table{entries: expirable.NewLRU[string, *Bot](size, nil, ttl)}
}

// Put replaces any earlier facade for the same key.
func (t *Table) Put(bot *Bot) {
	t.entries.Add(bot.Key(), bot)
}

func (t *Table) Get(key string) (*Bot, bool) {
	return t.entries.Get(key)
}

// Waiting returns the facade for key only if it is blocked on a response.
func (t *Table) Waiting(key string) (*Bot, bool) {
	bot, ok := t.entries.Peek(key)
	if !ok || !bot.Waiting() {
		return nil, false
	}
	return bot, true
}

func (t *Table) Len() int {
	return t.entries.Len()
}
