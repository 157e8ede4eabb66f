package chat

import (
	"regexp"
	"sort"
	"sync"

	"github.com/huddlekit/huddle/internal/wire"
)

// Candidates is the locally tracked set of users a message's mentions are
// matched against: active mention-search results plus mentions confirmed
// earlier in the same compose session. Mentions are never resolved against a
// full user directory scan; a user who was never searched for cannot be
// matched even if their name appears literally in the text.
type Candidates struct {
	mu     sync.Mutex
	byName map[string]wire.MentionedUser
}

// NewCandidates returns an empty candidate set.
func NewCandidates() *Candidates {
	return &Candidates{byName: make(map[string]wire.MentionedUser)}
}

// Add records users as mention candidates.
func (c *Candidates) Add(users ...wire.MentionedUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, user := range users {
		if user.UserName == "" {
			continue
		}
		c.byName[user.UserName] = user
	}
}

// List returns the candidates ordered by username.
func (c *Candidates) List() []wire.MentionedUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]wire.MentionedUser, 0, len(c.byName))
	for _, user := range c.byName {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserName < users[j].UserName })
	return users
}

// ParseMentions extracts the distinct users from the candidate set whose
// @username appears in the text on a word boundary. Pure function of the
// text and the current candidate set, so repeated parses agree.
func ParseMentions(text string, candidates *Candidates) []wire.MentionedUser {
	if text == "" || candidates == nil {
		return nil
	}

	var mentioned []wire.MentionedUser
	for _, user := range candidates.List() {
		pattern, err := regexp.Compile(`@` + regexp.QuoteMeta(user.UserName) + `\b`)
		if err != nil {
			continue
		}
		if pattern.MatchString(text) {
			mentioned = append(mentioned, user)
		}
	}
	return mentioned
}
